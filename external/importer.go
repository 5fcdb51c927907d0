// Package external imports the staff-maintained engagement workbook into
// the external_info table. The workbook is the source of truth for these
// rows: every import replaces the table wholesale.
package external

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
)

type ReplaceStore interface {
	ReplaceExternalInfo(ctx context.Context, rows []models.ExternalInfo) error
}

type Importer struct {
	store  ReplaceStore
	logger *logrus.Logger
}

func NewImporter(store ReplaceStore, logger *logrus.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// Column headers recognized in the workbook's first sheet, matched
// case-insensitively. Unknown columns are ignored.
const (
	colEmail     = "email"
	colShifts    = "shifts"
	colEvents    = "events"
	colConnected = "connected"
	colAssigns   = "assignments"
	colNotes     = "notes"
	colHistory   = "history"
	colFundraise = "fundraise"
	colDoorKnock = "door knock"
	colPhoneBank = "phone bank"
	colRecruit   = "recruit"
)

// ImportWorkbook parses the workbook and replaces the external_info table.
// Rows without a usable email are skipped; when the same email appears
// twice the later row wins. Returns the number of rows imported.
func (im *Importer) ImportWorkbook(ctx context.Context, r io.Reader) (int, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return 0, fmt.Errorf("opening workbook: %w", err)
	}
	defer wb.Close()

	sheet := wb.GetSheetName(0)
	if sheet == "" {
		return 0, fmt.Errorf("workbook has no sheets")
	}
	rows, err := wb.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	if len(rows) < 2 {
		return 0, fmt.Errorf("sheet %q has no data rows", sheet)
	}

	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colEmail]; !ok {
		return 0, fmt.Errorf("sheet %q has no email column", sheet)
	}

	byEmail := make(map[string]models.ExternalInfo)
	order := make([]string, 0, len(rows)-1)
	skipped := 0
	for _, row := range rows[1:] {
		email := strings.ToLower(strings.TrimSpace(cell(row, cols, colEmail)))
		if email == "" || !strings.Contains(email, "@") {
			skipped++
			continue
		}
		if _, seen := byEmail[email]; !seen {
			order = append(order, email)
		}
		byEmail[email] = models.ExternalInfo{
			Email:      email,
			ShiftCount: intCell(row, cols, colShifts),
			EventCount: intCell(row, cols, colEvents),
			Connected:  cell(row, cols, colConnected),
			Assigns:    cell(row, cols, colAssigns),
			Notes:      cell(row, cols, colNotes),
			History:    cell(row, cols, colHistory),
			Fundraise:  truthyCell(row, cols, colFundraise),
			DoorKnock:  truthyCell(row, cols, colDoorKnock),
			PhoneBank:  truthyCell(row, cols, colPhoneBank),
			Recruit:    truthyCell(row, cols, colRecruit),
		}
	}

	out := make([]models.ExternalInfo, 0, len(order))
	for _, email := range order {
		out = append(out, byEmail[email])
	}
	if err := im.store.ReplaceExternalInfo(ctx, out); err != nil {
		config.LogError(im.logger, "external", "ImportWorkbook", "replace", len(out), err)
		return 0, err
	}

	im.logger.WithFields(logrus.Fields{
		"module":   "external",
		"sheet":    sheet,
		"imported": len(out),
		"skipped":  skipped,
	}).Info("external info imported")
	return len(out), nil
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func intCell(row []string, cols map[string]int, name string) int {
	v := cell(row, cols, name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Staff sometimes type counts as floats ("3.0").
		if f, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return int(f)
		}
		return 0
	}
	return n
}

func truthyCell(row []string, cols map[string]int, name string) bool {
	switch strings.ToLower(cell(row, cols, name)) {
	case "y", "yes", "true", "1", "x":
		return true
	}
	return false
}
