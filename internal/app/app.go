// internal/app/app.go
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/db"
	"github.com/unclebandit/funnel-engine/internal/dispatch"
	"github.com/unclebandit/funnel-engine/internal/queue"
	"github.com/unclebandit/funnel-engine/internal/repository"
	"github.com/unclebandit/funnel-engine/internal/service"
)

// App wires the funnel engine for the server and worker binaries.
type App struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *sql.DB
	Queue  queue.Queue

	Mailer      *dispatch.SMTPMailer
	Tracking    *service.TrackingService
	Enrollments *service.EnrollmentService
	Scheduler   *service.Scheduler

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, DB: conn}
	a.closers = append(a.closers, conn.Close)

	if cfg.AMQPURL != "" {
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
		a.closers = append(a.closers, q.Close)
	} else {
		a.Queue = queue.NewInMemoryQueue(log)
	}

	var flags service.FlagSource = service.StaticFlags{SMS: cfg.Funnel.SMSEnabled}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, sms flag falls back to ENABLE_SMS until it recovers")
		}
		flags = service.NewRedisFlags(client, cfg.Redis.FlagKey, flags, log)
		a.closers = append(a.closers, client.Close)
	}

	enrollmentRepo := &repository.EnrollmentRepository{DB: conn}
	funnelRepo := &repository.FunnelRepository{DB: conn}
	logRepo := &repository.ExecutionLogRepository{DB: conn}
	engagementRepo := &repository.EngagementRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}

	a.Mailer = dispatch.NewSMTPMailer(cfg.SMTP, a.Queue, log)
	sms := dispatch.NewQueueSMSSender(a.Queue, log)

	evaluator := service.NewConditionEvaluator(engagementRepo, log)
	executor := service.NewStepExecutor(a.Mailer, sms, evaluator, flags, log)
	a.Tracking = service.NewTrackingService(engagementRepo, cfg.AppURL, log)
	executor.Tracker = a.Tracking

	a.Scheduler = service.NewScheduler(enrollmentRepo, logRepo, executor, service.NewFailurePolicy(cfg.Funnel), log)
	a.Scheduler.BatchSize = cfg.Funnel.BatchSize
	a.Scheduler.LeaseTTL = cfg.Funnel.LeaseTTL
	a.Scheduler.RetryBackoff = cfg.Funnel.RetryBackoff
	a.Scheduler.Concurrency = cfg.Funnel.Concurrency

	a.Enrollments = service.NewEnrollmentService(enrollmentRepo, funnelRepo, contactRepo, logRepo, log)
	a.Enrollments.DefaultAgentID = cfg.Funnel.DefaultAgentID
	return a, nil
}

// StartConsumers subscribes the outbound delivery consumers this process runs.
func (a *App) StartConsumers() error {
	if a.Mailer.Dialer != nil {
		if err := dispatch.StartEmailSubscriber(a.Queue, a.Mailer, a.Log); err != nil {
			return fmt.Errorf("start email subscriber: %w", err)
		}
	}
	if !a.Config.IsProduction() {
		if err := dispatch.StartLogSMSGateway(a.Queue, a.Log); err != nil {
			return fmt.Errorf("start sms log gateway: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
}
