package crdt

// Change is the minimal single-region edit turning one text into another,
// expressed in rune offsets.
type Change struct {
	Pos    int
	Delete int
	Insert string
}

// Empty reports whether the change is a no-op.
func (c Change) Empty() bool {
	return c.Delete == 0 && c.Insert == ""
}

// Diff computes the change from prev to next by trimming their common prefix
// and common suffix.
func Diff(prev, next string) Change {
	a, b := []rune(prev), []rune(next)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return Change{
		Pos:    prefix,
		Delete: len(a) - prefix - suffix,
		Insert: string(b[prefix : len(b)-suffix]),
	}
}
