package crdt

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Register is a last-write-wins text register. Every edit replaces the whole
// text; the write with the greatest (Seq, Replica) stamp wins everywhere.
type Register struct {
	replica string
	clock   uint64
	text    string
	stamp   ID
	seen    mapset.Set[string]
}

// NewRegister returns an empty register owned by replica.
func NewRegister(replica string) *Register {
	return &Register{replica: replica, seen: mapset.NewThreadUnsafeSet[string]()}
}

func (r *Register) ReplicaID() string  { return r.replica }
func (r *Register) Strategy() Strategy { return StrategyLastWriteWins }
func (r *Register) Text() string       { return r.text }

func (r *Register) ApplyLocalEdit(next string) (*Update, error) {
	if next == r.text {
		return nil, nil
	}
	if r.clock >= MaxSeq {
		return nil, fmt.Errorf("%w: clock=%d", ErrClockExhausted, r.clock)
	}
	r.clock++
	op := Op{Kind: OpSet, ID: ID{Seq: r.clock, Replica: r.replica}, Value: next}
	r.write(op)
	u := newUpdate(r.replica, StrategyLastWriteWins, []Op{op})
	r.seen.Add(u.ID)
	return u, nil
}

func (r *Register) ApplyRemoteUpdate(u *Update) (bool, error) {
	if err := checkStrategy(u, StrategyLastWriteWins); err != nil {
		return false, err
	}
	if err := u.Validate(); err != nil {
		return false, err
	}
	for i, op := range u.Ops {
		if op.Kind != OpSet {
			return false, fmt.Errorf("%w: op %d is not a register write", ErrInvalidUpdate, i)
		}
	}
	if r.seen.Contains(u.ID) {
		return false, nil
	}
	r.seen.Add(u.ID)
	for _, op := range u.Ops {
		r.write(op)
	}
	return true, nil
}

func (r *Register) write(op Op) {
	if op.ID.Seq > r.clock {
		r.clock = op.ID.Seq
	}
	if r.stamp.Less(op.ID) {
		r.stamp = op.ID
		r.text = op.Value
	}
}

func (r *Register) EncodeUpdate(u *Update) ([]byte, error) {
	return EncodeUpdate(u)
}

func (r *Register) Snapshot() *Update {
	var ops []Op
	if !r.stamp.IsZero() {
		ops = []Op{{Kind: OpSet, ID: r.stamp, Value: r.text}}
	}
	return newUpdate(r.replica, StrategyLastWriteWins, ops)
}

func (r *Register) Stats() Stats {
	visible := len([]rune(r.text))
	return Stats{
		Strategy:    StrategyLastWriteWins,
		Items:       1,
		Visible:     visible,
		Clock:       r.clock,
		SeenUpdates: r.seen.Cardinality(),
	}
}
