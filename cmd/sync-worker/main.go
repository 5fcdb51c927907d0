// sync-worker is the long-running mirror process: webhook receiver, change
// queue workers, periodic full scan, and the operator API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/publisher"
	"github.com/greenfieldops/organizer_mirror/reconciler"
	"github.com/greenfieldops/organizer_mirror/scheduler"
	"github.com/greenfieldops/organizer_mirror/store"
	"github.com/greenfieldops/organizer_mirror/syncqueue"
	"github.com/greenfieldops/organizer_mirror/upstream"
	"github.com/greenfieldops/organizer_mirror/webapi"
)

const defaultPort = "8080"

func main() {
	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	st := store.New(config.GetDB(), settings.PublishCutoff)
	if err := st.AutoMigrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	queue := syncqueue.NewRedisQueue(config.GetRedisDB(), config.GetRedisLock(), settings.QueueName, settings.VisibilityTimeout)
	defer queue.Close()

	crm := upstream.NewClient(settings)
	rec := reconciler.New(st, crm, queue, logger, settings)
	pub := publisher.New(st, publisher.NewClient(settings), queue, logger, settings)
	orc := scheduler.New(queue, rec, pub, crm, st, config.GetRedisLock(), logger, settings)

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: webapi.NewRouter(orc, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orc.Run(ctx)
	}()

	go func() {
		logger.WithField("port", port).Info("sync worker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "main", "main", "http shutdown", nil, err)
	}
	wg.Wait()
	logger.Info("sync worker stopped")
}
