package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/schemaforge/schemaforge/internal/app"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if err := app.Migrate(ctx, *configPath); err != nil {
			log.WithError(err).Fatal("migrate failed")
		}
		log.Info("migrations applied")
		return
	}

	if err := app.RunServer(ctx, *configPath); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
