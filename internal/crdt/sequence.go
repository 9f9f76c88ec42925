package crdt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
)

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
	next    *item
}

// Sequence is a replicated growable array of runes. Items are kept in a linked
// list in document order and indexed by ID, so remote ops integrate without
// rescanning the document. Concurrent inserts after the same origin are
// ordered by descending ID; deletes leave tombstones.
type Sequence struct {
	replica string
	clock   uint64

	head  *item
	index map[ID]*item
	seen  mapset.Set[string]

	// ops whose origin or target has not arrived yet
	pending []Op

	visible    int
	tombstones int
}

// NewSequence returns an empty sequence owned by replica.
func NewSequence(replica string) *Sequence {
	return &Sequence{
		replica: replica,
		head:    &item{},
		index:   make(map[ID]*item),
		seen:    mapset.NewThreadUnsafeSet[string](),
	}
}

func (s *Sequence) ReplicaID() string  { return s.replica }
func (s *Sequence) Strategy() Strategy { return StrategyMerge }

// Len returns the number of visible runes.
func (s *Sequence) Len() int { return s.visible }

func (s *Sequence) Text() string {
	var sb strings.Builder
	for it := s.head.next; it != nil; it = it.next {
		if !it.deleted {
			sb.WriteRune(it.value)
		}
	}
	return sb.String()
}

func (s *Sequence) ApplyLocalEdit(next string) (*Update, error) {
	c := Diff(s.Text(), next)
	if c.Empty() {
		return nil, nil
	}
	return s.ApplyChange(c)
}

// ApplyChange deletes c.Delete runes at c.Pos and inserts c.Insert there.
func (s *Sequence) ApplyChange(c Change) (*Update, error) {
	if c.Pos < 0 || c.Delete < 0 || c.Pos+c.Delete > s.visible {
		return nil, fmt.Errorf("%w: pos=%d delete=%d len=%d", ErrOutOfRange, c.Pos, c.Delete, s.visible)
	}
	if c.Empty() {
		return nil, nil
	}

	inserts := utf8.RuneCountInString(c.Insert)
	if uint64(inserts) > MaxSeq-s.clock {
		return nil, fmt.Errorf("%w: clock=%d inserts=%d", ErrClockExhausted, s.clock, inserts)
	}

	left := s.visibleAt(c.Pos)
	ops := make([]Op, 0, c.Delete+inserts)

	for it, n := left.next, c.Delete; n > 0 && it != nil; it = it.next {
		if it.deleted {
			continue
		}
		op := Op{Kind: OpDelete, ID: it.id}
		s.integrate(op)
		ops = append(ops, op)
		n--
	}

	origin := left.id
	for _, r := range c.Insert {
		s.clock++
		op := Op{Kind: OpInsert, ID: ID{Seq: s.clock, Replica: s.replica}, Origin: origin, Value: string(r)}
		s.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}

	u := newUpdate(s.replica, StrategyMerge, ops)
	s.seen.Add(u.ID)
	return u, nil
}

// visibleAt returns the item holding the pos-th visible rune (1-based), or the
// head for pos 0.
func (s *Sequence) visibleAt(pos int) *item {
	it := s.head
	for pos > 0 {
		it = it.next
		if !it.deleted {
			pos--
		}
	}
	return it
}

func (s *Sequence) ApplyRemoteUpdate(u *Update) (bool, error) {
	if err := checkStrategy(u, StrategyMerge); err != nil {
		return false, err
	}
	if err := u.Validate(); err != nil {
		return false, err
	}
	for i, op := range u.Ops {
		if op.Kind == OpSet {
			return false, fmt.Errorf("%w: op %d is a register write", ErrInvalidUpdate, i)
		}
	}
	if s.seen.Contains(u.ID) {
		return false, nil
	}
	s.seen.Add(u.ID)

	progressed := false
	for _, op := range u.Ops {
		if s.integrate(op) {
			progressed = true
		} else {
			s.pending = append(s.pending, op)
		}
	}
	if progressed && len(s.pending) > 0 {
		s.drainPending()
	}
	return true, nil
}

// integrate applies one op and reports whether its dependencies were present.
// Applying an op twice is a no-op. The clock only advances for ops that land,
// so a buffered op cannot move it.
func (s *Sequence) integrate(op Op) bool {
	if !s.place(op) {
		return false
	}
	if op.ID.Seq > s.clock {
		s.clock = op.ID.Seq
	}
	return true
}

func (s *Sequence) place(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if _, ok := s.index[op.ID]; ok {
			return true
		}
		cur := s.head
		if !op.Origin.IsZero() {
			origin, ok := s.index[op.Origin]
			if !ok {
				return false
			}
			cur = origin
		}
		for cur.next != nil && op.ID.Less(cur.next.id) {
			cur = cur.next
		}
		r, _ := utf8.DecodeRuneInString(op.Value)
		it := &item{id: op.ID, origin: op.Origin, value: r, next: cur.next}
		cur.next = it
		s.index[op.ID] = it
		s.visible++
		return true
	case OpDelete:
		target, ok := s.index[op.ID]
		if !ok {
			return false
		}
		if !target.deleted {
			target.deleted = true
			s.visible--
			s.tombstones++
		}
		return true
	}
	return false
}

func (s *Sequence) drainPending() {
	for {
		waiting := s.pending
		s.pending = nil
		progressed := false
		for _, op := range waiting {
			if s.integrate(op) {
				progressed = true
			} else {
				s.pending = append(s.pending, op)
			}
		}
		if !progressed || len(s.pending) == 0 {
			return
		}
	}
}

func (s *Sequence) EncodeUpdate(u *Update) ([]byte, error) {
	return EncodeUpdate(u)
}

// Snapshot lists every item in document order, which is also causal order
// because an item always follows its origin, then the tombstones and any
// pending ops.
func (s *Sequence) Snapshot() *Update {
	ops := make([]Op, 0, len(s.index)+s.tombstones+len(s.pending))
	for it := s.head.next; it != nil; it = it.next {
		ops = append(ops, Op{Kind: OpInsert, ID: it.id, Origin: it.origin, Value: string(it.value)})
	}
	for it := s.head.next; it != nil; it = it.next {
		if it.deleted {
			ops = append(ops, Op{Kind: OpDelete, ID: it.id})
		}
	}
	ops = append(ops, s.pending...)
	return newUpdate(s.replica, StrategyMerge, ops)
}

func (s *Sequence) Stats() Stats {
	return Stats{
		Strategy:    StrategyMerge,
		Items:       len(s.index),
		Visible:     s.visible,
		Tombstones:  s.tombstones,
		Pending:     len(s.pending),
		Clock:       s.clock,
		SeenUpdates: s.seen.Cardinality(),
	}
}
