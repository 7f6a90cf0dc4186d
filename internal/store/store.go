// Package store persists deliveries and their attempt log. It is the single
// source of truth for delivery state; the in-memory queue is rebuilt from it
// on startup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"postflow/internal/domain"
)

// ErrConflict is returned when a row changed between read and write inside
// Update. It only surfaces on drivers without row locking.
var ErrConflict = errors.New("delivery modified concurrently")

// Mutation changes a delivery in place. Returning an error aborts the update
// and leaves the stored record untouched.
type Mutation func(d *domain.Delivery) error

type Store interface {
	Create(ctx context.Context, d domain.Delivery) (domain.Delivery, error)
	Get(ctx context.Context, id string) (domain.Delivery, error)
	Update(ctx context.Context, id string, fn Mutation) (domain.Delivery, error)
	ListPending(ctx context.Context, before time.Time) ([]domain.Delivery, error)
	ListStale(ctx context.Context, updatedBefore time.Time) ([]domain.Delivery, error)
	List(ctx context.Context, ownerID string, f domain.Filter) ([]domain.Delivery, error)

	RecordAttempt(ctx context.Context, a domain.Attempt) error
	Attempts(ctx context.Context, deliveryID string) ([]domain.Attempt, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	Close() error
}

type Config struct {
	Driver string
	DSN    string
}

const DefaultSQLiteDSN = "file:postflow.db?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		if d.name != "sqlite" {
			return nil, fmt.Errorf("store: dsn is required for driver %s", d.name)
		}
		dsn = DefaultSQLiteDSN
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	s := &SQLStore{db: db, d: d}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("driver", d.name).Msg("store opened")
	return s, nil
}
