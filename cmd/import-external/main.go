// import-external loads the staff engagement workbook into the
// external_info table, replacing whatever was there.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/external"
	"github.com/greenfieldops/organizer_mirror/store"
)

func main() {
	path := flag.String("file", "", "path to the engagement workbook (.xlsx)")
	flag.Parse()
	if *path == "" {
		log.Fatal("usage: import-external -file <workbook.xlsx>")
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("opening workbook: %v", err)
	}
	defer f.Close()

	config.ConnectDatabaseWithRetry()
	st := store.New(config.GetDB(), settings.PublishCutoff)
	if err := st.AutoMigrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := external.NewImporter(st, config.GetLogger()).ImportWorkbook(ctx, f)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	log.Printf("imported %d external info rows from %s", n, *path)
}
