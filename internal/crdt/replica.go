// Package crdt implements the replicated document types shared by the server
// and its clients.
package crdt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Replica is one participant's copy of a document. Any implementation whose
// ApplyRemoteUpdate is commutative, associative and idempotent can back a
// session.
//
// Replicas are not safe for concurrent use; callers serialise access.
type Replica interface {
	ReplicaID() string
	Strategy() Strategy
	Text() string

	// ApplyLocalEdit turns the current text into next, applies the result
	// locally and returns the update to broadcast. A nil update means the
	// text was unchanged.
	ApplyLocalEdit(next string) (*Update, error)

	// ApplyRemoteUpdate merges u. It reports false when u was already applied.
	ApplyRemoteUpdate(u *Update) (bool, error)

	EncodeUpdate(u *Update) ([]byte, error)

	// Snapshot returns the full replica state as a single update. Applying it
	// to an empty replica reproduces this one.
	Snapshot() *Update

	Stats() Stats
}

// Stats describes a replica's internal size.
type Stats struct {
	Strategy    Strategy `json:"strategy"`
	Items       int      `json:"items"`
	Visible     int      `json:"visible"`
	Tombstones  int      `json:"tombstones"`
	Pending     int      `json:"pending"`
	Clock       uint64   `json:"clock"`
	SeenUpdates int      `json:"seen_updates"`
}

// NewReplica builds an empty replica for the given strategy.
func NewReplica(strategy Strategy, replicaID string) (Replica, error) {
	if replicaID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	switch strategy {
	case "", StrategyMerge:
		return NewSequence(replicaID), nil
	case StrategyLastWriteWins:
		return NewRegister(replicaID), nil
	default:
		return nil, fmt.Errorf("unsupported strategy %q", strategy)
	}
}

func newUpdate(author string, strategy Strategy, ops []Op) *Update {
	return &Update{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: time.Now().UnixMilli(),
		Strategy:  strategy,
		Ops:       ops,
	}
}

func checkStrategy(u *Update, want Strategy) error {
	if u.Strategy != "" && u.Strategy != want {
		return fmt.Errorf("%w: got %q, want %q", ErrStrategyMismatch, u.Strategy, want)
	}
	return nil
}
