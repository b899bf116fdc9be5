package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/app"
	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/logging"
	"github.com/unclebandit/funnel-engine/internal/service"
)

type batchRunner interface {
	RunOnce(ctx context.Context) (service.BatchSummary, error)
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to start worker")
		logging.Flush()
		os.Exit(1)
	}
	defer a.Close()

	if err := a.StartConsumers(); err != nil {
		log.WithError(err).Error("failed to start consumers")
		return
	}

	c, err := schedule(ctx, cfg.Funnel.TickSpec, a.Scheduler, log)
	if err != nil {
		log.WithError(err).WithField("tick_spec", cfg.Funnel.TickSpec).Error("invalid tick schedule")
		return
	}
	c.Start()
	log.WithFields(logrus.Fields{
		"worker_id": a.Scheduler.WorkerID,
		"tick_spec": cfg.Funnel.TickSpec,
		"policy":    cfg.Funnel.FailurePolicy,
	}).Info("funnel worker running")

	<-ctx.Done()
	log.Info("shutting down worker")
	<-c.Stop().Done()
}

// schedule registers one RunOnce per tick. Overlapping ticks are skipped rather
// than queued behind a slow batch.
func schedule(ctx context.Context, spec string, runner batchRunner, log logrus.FieldLogger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))
	_, err := c.AddFunc(spec, func() { tick(ctx, runner, log) })
	if err != nil {
		return nil, err
	}
	return c, nil
}

func tick(ctx context.Context, runner batchRunner, log logrus.FieldLogger) {
	if ctx.Err() != nil {
		return
	}
	summary, err := runner.RunOnce(ctx)
	if err != nil {
		logging.LogError(log, "funnel_tick", err, logrus.Fields{})
		return
	}
	if summary.Claimed > 0 {
		logging.LogEvent(log, "funnel_tick", logrus.Fields{
			"claimed":   summary.Claimed,
			"completed": summary.Completed,
			"errors":    summary.Errors,
		})
	}
}
