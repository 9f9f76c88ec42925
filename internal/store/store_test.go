package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "doc1")
	require.ErrorIs(t, err, ErrNotFound)

	saved := time.UnixMilli(time.Now().UnixMilli()).UTC()
	require.NoError(t, s.Save(ctx, Document{ID: "doc1", Content: "hello", SavedBy: "p1", SavedAt: saved}))
	doc, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "hello", doc.Content)
	require.Equal(t, "p1", doc.SavedBy)
	require.True(t, saved.Equal(doc.SavedAt))

	// saving again overwrites
	require.NoError(t, s.Save(ctx, Document{ID: "doc1", Content: "hello, world", SavedBy: "p2", SavedAt: saved.Add(time.Second)}))
	doc, err = s.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "hello, world", doc.Content)
	require.Equal(t, "p2", doc.SavedBy)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), "file::memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// data survives reopening
	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	doc, err := s.Load(context.Background(), "doc1")
	require.NoError(t, err)
	require.Equal(t, "hello, world", doc.Content)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Options{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "cassandra"})
	require.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemory().Save(ctx, Document{ID: "x"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(wrap("redis", "save", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))))
	require.True(t, IsTransient(wrap("postgres", "save", context.DeadlineExceeded)))
	require.False(t, IsTransient(wrap("sqlite", "save", errors.New("constraint failed"))))
	require.False(t, IsTransient(nil))

	var se *Error
	require.ErrorAs(t, wrap("bolt", "load", errors.New("bad json")), &se)
	require.Equal(t, "bolt", se.Backend)
	require.Equal(t, "load", se.Op)
	require.Nil(t, wrap("bolt", "load", nil))
}
