// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/app"
	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/handler"
	"github.com/unclebandit/funnel-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log := logging.New(cfg.Environment)
	if err := logging.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		log.WithError(err).Warn("sentry init failed")
	}
	defer logging.Flush()

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to start server")
		logging.Flush()
		os.Exit(1)
	}
	defer a.Close()

	if err := a.StartConsumers(); err != nil {
		log.WithError(err).Error("failed to start consumers")
		return
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	enrollmentHandler := handler.NewEnrollmentHandler(a.Enrollments, a.Scheduler, log)
	enrollmentHandler.Routes(r)
	handler.NewTrackingHandler(a.Tracking, log).Routes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.WithField("port", cfg.ServerPort).Info("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
}
