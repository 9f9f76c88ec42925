// Package store persists saved documents for the save hook. Saving is an
// explicit client action; the live replica never depends on a store.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrNotFound is returned by Load when no document has been saved under the id.
var ErrNotFound = errors.New("document not found")

// Document is one saved version of a session's text.
type Document struct {
	ID      string    `json:"id" bson:"_id"`
	Content string    `json:"content" bson:"content"`
	SavedBy string    `json:"saved_by" bson:"saved_by"`
	SavedAt time.Time `json:"saved_at" bson:"saved_at"`
}

// Store is the external persistence collaborator.
type Store interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context, id string) (*Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver string
	DSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open connects the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case "memory":
		s = NewMemory()
	case "bolt", "":
		s, err = OpenBolt(opts.DSN)
	case "sqlite":
		s, err = OpenSQLite(ctx, opts.DSN)
	case "postgres":
		s, err = OpenPostgres(ctx, opts.DSN)
	case "mongo":
		s, err = OpenMongo(ctx, opts.DSN)
	case "redis":
		s, err = OpenRedis(ctx, opts)
	default:
		err = fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Error is a failed backend call. Transient errors may succeed on retry.
type Error struct {
	Backend   string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return transient(err)
}

func wrap(backend, op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Backend: backend, Op: op, Transient: transient(err), Err: err}
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, bolt.ErrTimeout) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
