package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Strategy selects how a session's replicas resolve concurrent edits.
type Strategy string

const (
	// StrategyMerge is the sequence CRDT. It is the default.
	StrategyMerge Strategy = "merge"
	// StrategyLastWriteWins keeps the whole text of the newest edit.
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyManual is recognised so configuration can reject it by name.
	StrategyManual Strategy = "manual"
)

// ParseStrategy maps a configuration value to a supported strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyMerge:
		return StrategyMerge, nil
	case StrategyLastWriteWins, "lww":
		return StrategyLastWriteWins, nil
	case StrategyManual:
		return "", fmt.Errorf("conflict strategy %q is not supported", s)
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

var (
	// ErrInvalidUpdate is returned for updates that can never be applied.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrStrategyMismatch is returned when an update was produced under another strategy.
	ErrStrategyMismatch = errors.New("update strategy does not match replica")
	// ErrOutOfRange is returned for local edits outside the visible text.
	ErrOutOfRange = errors.New("position out of range")
	// ErrClockExhausted is returned when a local edit would push the clock past MaxSeq.
	ErrClockExhausted = errors.New("replica clock exhausted")
)

// MaxSeq is the largest Seq an op may carry. It stays exactly representable as
// a JSON number in every client.
const MaxSeq uint64 = 1<<53 - 1

// ID identifies one item. Seq is a Lamport counter, so an item's Seq is always
// greater than the Seq of every item its author had seen when creating it.
type ID struct {
	Seq     uint64 `json:"s"`
	Replica string `json:"r"`
}

// IsZero reports whether id is the document head.
func (id ID) IsZero() bool {
	return id.Seq == 0 && id.Replica == ""
}

// Less orders ids by (Seq, Replica).
func (id ID) Less(other ID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Replica < other.Replica
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%s", id.Seq, id.Replica)
}

// OpKind is the kind of a single op inside an update.
type OpKind string

const (
	OpInsert OpKind = "ins"
	OpDelete OpKind = "del"
	OpSet    OpKind = "set" // last-write-wins only
)

// Op is one element of an update. For inserts ID is the new item and Origin its
// left neighbour at creation time (zero for the head). For deletes ID is the
// target item. For sets ID is the write stamp and Value the whole text.
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o"`
	Value  string `json:"v,omitempty"`
}

// Update is the unit of replication: produced once per local edit and applied at
// most once per replica.
type Update struct {
	ID        string   `json:"id"`
	Author    string   `json:"author,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Strategy  Strategy `json:"strategy"`
	Ops       []Op     `json:"ops"`
}

// Validate checks the structural rules every replica relies on.
func (u *Update) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidUpdate)
	}
	for i, op := range u.Ops {
		if op.ID.IsZero() || op.ID.Replica == "" {
			return fmt.Errorf("%w: op %d has no id", ErrInvalidUpdate, i)
		}
		if op.ID.Seq > MaxSeq || op.Origin.Seq > MaxSeq {
			return fmt.Errorf("%w: op %d seq exceeds %d", ErrInvalidUpdate, i, MaxSeq)
		}
		switch op.Kind {
		case OpInsert:
			if utf8.RuneCountInString(op.Value) != 1 {
				return fmt.Errorf("%w: op %d must insert exactly one rune", ErrInvalidUpdate, i)
			}
			if !op.Origin.IsZero() && !op.Origin.Less(op.ID) {
				return fmt.Errorf("%w: op %d is older than its origin", ErrInvalidUpdate, i)
			}
		case OpDelete:
		case OpSet:
			if !utf8.ValidString(op.Value) {
				return fmt.Errorf("%w: op %d is not valid utf-8", ErrInvalidUpdate, i)
			}
		default:
			return fmt.Errorf("%w: op %d has unknown kind %q", ErrInvalidUpdate, i, op.Kind)
		}
	}
	return nil
}

// EncodeUpdate serialises u for the wire.
func EncodeUpdate(u *Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses and validates an update received from the wire.
func DecodeUpdate(b []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}
