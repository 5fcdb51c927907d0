// Package report exports the historical giving report to a shared Google
// spreadsheet for campaign finance staff.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/store"
)

const reportRange = "Donations!A1"

type HistorySource interface {
	DonationHistory(ctx context.Context, since time.Time) ([]store.DonationHistoryRow, error)
}

type Exporter struct {
	src           HistorySource
	svc           *sheets.Service
	spreadsheetID string
	logger        *logrus.Logger
}

func NewExporter(ctx context.Context, src HistorySource, logger *logrus.Logger, cfg *config.Settings) (*Exporter, error) {
	if cfg.ReportSpreadsheetID == "" {
		return nil, fmt.Errorf("REPORT_SPREADSHEET_ID is not set")
	}
	var opts []option.ClientOption
	if cfg.ReportCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.ReportCredentials))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &Exporter{src: src, svc: svc, spreadsheetID: cfg.ReportSpreadsheetID, logger: logger}, nil
}

// Export replaces the report sheet with every donation since the given
// date, oldest first.
func (e *Exporter) Export(ctx context.Context, since time.Time) (int, error) {
	rows, err := e.src.DonationHistory(ctx, since)
	if err != nil {
		return 0, err
	}

	values := make([][]interface{}, 0, len(rows)+1)
	values = append(values, []interface{}{
		"Email", "Given Name", "Family Name", "Amount", "Date", "Fundraising Page",
	})
	for _, r := range rows {
		values = append(values, []interface{}{
			r.Email, r.GivenName, r.FamilyName, r.Amount,
			r.CreatedDate.UTC().Format("2006-01-02"), r.PageTitle,
		})
	}

	if _, err := e.svc.Spreadsheets.Values.Clear(e.spreadsheetID, "Donations", &sheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("clearing report sheet: %w", err)
	}
	_, err = e.svc.Spreadsheets.Values.Update(e.spreadsheetID, reportRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		config.LogError(e.logger, "report", "Export", "values update", len(values), err)
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"module": "report",
		"rows":   len(rows),
		"since":  since.Format("2006-01-02"),
	}).Info("donation report exported")
	return len(rows), nil
}
