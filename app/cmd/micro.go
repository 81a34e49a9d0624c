package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wagate/pkg/config"
	"github.com/wagate/pkg/database"
	"github.com/wagate/pkg/domains/ingest"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/domains/webhook"
	"github.com/wagate/pkg/domains/whatsapp"
	"github.com/wagate/pkg/logger"
	"github.com/wagate/pkg/server"
	"github.com/wagate/pkg/utils"
)

// StartApp is the composition root: it constructs and wires every service,
// then blocks until a shutdown signal.
func StartApp() {
	utils.LoadEnv()
	configs := config.InitConfig()
	log := logger.New(configs.App.Name)
	utils.RegisterCustomValidations()

	database.InitDB(configs.Database, log)
	repo := store.NewRepo(database.DBClient())

	ing, err := ingest.NewService(configs.Ingest, repo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build ingestion pipeline")
	}

	notifier := webhook.NewDispatcher(repo, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing.Start(ctx)

	wa := whatsapp.NewService(ctx, configs.WhatsApp, repo, ing, notifier, log)
	go wa.AutoConnectAll(ctx)

	app := server.NewEngine(configs.App, repo, ing, wa)
	srv := server.LaunchHttpServer(app, configs.App)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	wa.Shutdown(shutdownCtx)
	ing.Shutdown(shutdownCtx)
	cancel()
	time.Sleep(300 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}
