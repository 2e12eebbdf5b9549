// Package app wires the configuration, database, blob store, and HTTP
// surface into a runnable server.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/blob"
	"github.com/schemaforge/schemaforge/internal/config"
	"github.com/schemaforge/schemaforge/internal/db"
	"github.com/schemaforge/schemaforge/internal/document"
	"github.com/schemaforge/schemaforge/internal/http/api"
	"github.com/schemaforge/schemaforge/internal/instance"
	"github.com/schemaforge/schemaforge/internal/logging"
	"github.com/schemaforge/schemaforge/internal/schema"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database from the config file and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)
	conn, errOpen := db.Open(cfg.Database)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the schema API server and blocks until ctx is cancelled or
// the listener fails.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	blobs := blob.NewFSStore(cfg.Storage.Root)
	attachments := attachment.NewManager(conn, blobs)
	schemas := schema.NewStore(conn, attachments)
	validator := document.NewValidator(conn)
	repo := instance.NewRepository(conn, schemas, validator, attachments, cfg.Search.CaseSensitive)

	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.RegisterRoutes(engine, conn, cfg.JWT, schemas, repo, attachments, blobs)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("shutdown did not finish cleanly")
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}
