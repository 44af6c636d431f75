package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenTimeout bounds how long Open waits for the database to accept
// connections.
const OpenTimeout = 30 * time.Second

// Open connects to Postgres through the pgx driver, retrying the first ping
// so the api can start alongside its database.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = 250 * time.Millisecond
	delays.MaxInterval = 5 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	},
		backoff.WithBackOff(delays),
		backoff.WithMaxElapsedTime(OpenTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Default().Info("database not ready, retrying", "in", next, "error", err)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
