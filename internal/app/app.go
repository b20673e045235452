package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fraterny/quest-backend/internal/db"
	"github.com/fraterny/quest-backend/internal/jobs"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/services"
)

// App owns every long-lived component and their wiring order: database,
// external clients, repos, services, handlers, router.
type App struct {
	log    *logger.Logger
	pg     *db.PostgresService
	runner *jobs.Runner
	router *gin.Engine
	srv    *http.Server

	clients  clientSet
	repoSet  repoSet
	svcSet   serviceSet
	exporter services.ReportingExporter
}

func New() (*App, error) {
	mode := envutil.String("APP_ENV", "development")
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &App{log: log, runner: jobs.NewRunner(log)}

	a.pg, err = db.NewPostgresService(log)
	if err != nil {
		return nil, err
	}
	if err := a.pg.AutoMigrateAll(); err != nil {
		return nil, err
	}

	if err := a.wireClients(); err != nil {
		return nil, err
	}
	a.wireRepos()
	if err := a.wireServices(); err != nil {
		return nil, err
	}
	a.wireHandlers()

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.exporter != nil {
		a.exporter.Start(ctx)
	}

	port := envutil.String("PORT", "8080")
	a.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.Info("Server starting", "port", port)
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("Server shutting down...")
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		a.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Shutdown deadline reached with background jobs still running")
	}

	a.log.Sync()
	return nil
}
