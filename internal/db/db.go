// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/funnel-engine/internal/config"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*sql.DB, error) {
	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxIdleConns(cfg.DBMaxIdleConns)
	conn.SetMaxOpenConns(cfg.DBMaxOpenConns)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.WithFields(logrus.Fields{
		"db_host": cfg.DBHost,
		"db_name": cfg.DBName,
	}).Info("connected to database")
	return conn, nil
}

// ApplyDir executes every .sql file in dir in lexical order.
func ApplyDir(ctx context.Context, conn *sql.DB, dir string, log logrus.FieldLogger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		log.WithField("file", file).Info("applied sql file")
	}
	return nil
}
