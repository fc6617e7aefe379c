// Package store is the boundary between the worker/commander and whichever
// backend holds the queue, share records and collections.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"github.com/mattjoyce/radar/internal/api"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/redisstore"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/storage"
)

// Queue is the work queue. Pull returns (nil, nil) when empty.
type Queue interface {
	Submit(ctx context.Context, jobs []queue.Job) error
	Pull(ctx context.Context) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Shares is the share-record store.
type Shares interface {
	PutShare(ctx context.Context, rec queue.ShareRecord) error
	PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error)
}

// Collections is the record store.
type Collections interface {
	Persist(ctx context.Context, collection string, docs []state.Document) error
	Fetch(ctx context.Context, collection string, filter state.Filter) ([]state.Document, error)
}

// Backend is everything a worker, commander or API server needs.
type Backend interface {
	Queue
	Shares
	Collections
	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHTTP   = "http"
)

// Options selects and locates a backend.
type Options struct {
	Backend   string
	Path      string
	RedisURL  string
	KeyPrefix string
	// APIURL and APIKey locate a remote radar API server.
	APIURL string
	APIKey string
	// Attempts bounds connection retries; zero means 5.
	Attempts uint
}

// Open connects to the configured backend, retrying with exponential backoff
// until it answers a ping.
func Open(ctx context.Context, opts Options) (Backend, error) {
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 5
	}
	logger := log.WithComponent("store")

	var b Backend
	err := retry.Retry(func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidate, err := dial(ctx, opts)
		if err == nil {
			err = candidate.Ping(ctx)
			if err != nil {
				_ = candidate.Close()
			}
		}
		if err != nil {
			logger.Warn("store connect failed", "backend", opts.Backend, "attempt", attempt, "error", err)
			return err
		}
		b = candidate
		return nil
	},
		strategy.Limit(attempts),
		func(attempt uint) bool { return attempt == 0 || ctx.Err() == nil },
		strategy.Backoff(backoff.BinaryExponential(100*time.Millisecond)),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Backend, err)
	}
	return b, nil
}

func dial(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		db, err := storage.OpenSQLite(ctx, opts.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLite(db), nil
	case BackendRedis:
		return redisstore.Open(opts.RedisURL, opts.KeyPrefix)
	case BackendHTTP:
		if opts.APIURL == "" {
			return nil, fmt.Errorf("http backend needs an API URL")
		}
		return api.NewClient(opts.APIURL, opts.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// SQLite joins the SQLite queue and collection stores over one database.
type SQLite struct {
	*queue.Queue
	*state.Store
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{Queue: queue.New(db), Store: state.NewStore(db), db: db}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var (
	_ Backend = (*SQLite)(nil)
	_ Backend = (*redisstore.Store)(nil)
	_ Backend = (*api.Client)(nil)
)
