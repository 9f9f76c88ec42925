package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		prev, next string
		want       Change
	}{
		{"", "", Change{}},
		{"", "abc", Change{Pos: 0, Insert: "abc"}},
		{"abc", "", Change{Pos: 0, Delete: 3}},
		{"abc", "abXc", Change{Pos: 2, Insert: "X"}},
		{"abc", "ac", Change{Pos: 1, Delete: 1}},
		{"aaa", "aaaa", Change{Pos: 3, Insert: "a"}},
		{"hello world", "hello there", Change{Pos: 6, Delete: 5, Insert: "there"}},
		{"naïve", "naive", Change{Pos: 2, Delete: 1, Insert: "i"}},
	}
	for _, tc := range tests {
		got := Diff(tc.prev, tc.next)
		require.Equal(t, tc.want, got, "Diff(%q, %q)", tc.prev, tc.next)
	}
}

func TestDiffAppliedReproducesTarget(t *testing.T) {
	pairs := [][2]string{
		{"the quick fox", "the slow brown fox"},
		{"abcabc", "abc"},
		{"日本語", "日本の語"},
	}
	for _, p := range pairs {
		s := NewSequence("a")
		edit(t, s, p[0])
		u, err := s.ApplyChange(Diff(p[0], p[1]))
		require.NoError(t, err)
		require.NotNil(t, u)
		require.Equal(t, p[1], s.Text())
	}
}
