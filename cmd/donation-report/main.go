// donation-report exports the historical giving report to the shared
// spreadsheet.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/report"
	"github.com/greenfieldops/organizer_mirror/store"
)

func main() {
	sinceArg := flag.String("since", "2020-01-01", "include donations created on or after this date (YYYY-MM-DD)")
	flag.Parse()

	since, err := time.Parse("2006-01-02", *sinceArg)
	if err != nil {
		log.Fatalf("invalid -since date: %v", err)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	config.ConnectDatabaseWithRetry()
	st := store.New(config.GetDB(), settings.PublishCutoff)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	exporter, err := report.NewExporter(ctx, st, config.GetLogger(), settings)
	if err != nil {
		log.Fatalf("creating exporter: %v", err)
	}
	n, err := exporter.Export(ctx, since)
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}
	log.Printf("exported %d donation rows", n)
}
