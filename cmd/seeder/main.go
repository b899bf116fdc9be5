//cmd/seeder/main.go
package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/config"
	"github.com/unclebandit/funnel-engine/internal/db"
	"github.com/unclebandit/funnel-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := logging.New(cfg.Environment)
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	for _, dir := range []string{"migrations", "seed"} {
		if err := db.ApplyDir(ctx, conn, dir, log); err != nil {
			log.WithError(err).WithField("dir", dir).Fatal("seeding failed")
		}
	}

	log.Info("database seeding completed successfully")
}
