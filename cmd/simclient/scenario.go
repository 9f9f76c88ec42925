package main

import (
	"math/rand"
	"time"
)

// Scenario is an editing pattern for simulated users.
type Scenario struct {
	Name              string
	InsertProbability float64
	BurstProbability  float64
	ThinkTime         time.Duration
	BurstSize         int
	// CursorProbability is the chance a burst ends with a cursor move.
	CursorProbability float64
}

var scenarios = map[string]Scenario{
	"normal": {
		Name:              "Normal Typing",
		InsertProbability: 0.8,
		BurstProbability:  0.1,
		ThinkTime:         100 * time.Millisecond,
		BurstSize:         5,
		CursorProbability: 0.5,
	},
	"aggressive": {
		Name:              "Aggressive Editing",
		InsertProbability: 0.7,
		BurstProbability:  0.3,
		ThinkTime:         50 * time.Millisecond,
		BurstSize:         10,
		CursorProbability: 0.2,
	},
	"code": {
		Name:              "Code Writing",
		InsertProbability: 0.9,
		BurstProbability:  0.4,
		ThinkTime:         200 * time.Millisecond,
		BurstSize:         20,
		CursorProbability: 0.3,
	},
	"review": {
		Name:              "Document Review",
		InsertProbability: 0.3,
		BurstProbability:  0.1,
		ThinkTime:         500 * time.Millisecond,
		BurstSize:         3,
		CursorProbability: 0.8,
	},
}

// Plan is one named load level.
type Plan struct {
	Name     string
	Users    int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var plans = []Plan{
	{Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
	{Name: "Medium Load", Users: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
	{Name: "Heavy Load", Users: 50, Duration: 3 * time.Minute, Scenario: "code", RampUp: 30 * time.Second},
	{Name: "Stress Test", Users: 100, Duration: 5 * time.Minute, Scenario: "aggressive", RampUp: 60 * time.Second},
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,!?\n"

// nextText applies one random insert or delete to cur.
func nextText(rng *rand.Rand, sc Scenario, cur string) string {
	runes := []rune(cur)
	if len(runes) == 0 || rng.Float64() < sc.InsertProbability {
		pos := rng.Intn(len(runes) + 1)
		ch := rune(alphabet[rng.Intn(len(alphabet))])
		out := make([]rune, 0, len(runes)+1)
		out = append(out, runes[:pos]...)
		out = append(out, ch)
		return string(append(out, runes[pos:]...))
	}
	pos := rng.Intn(len(runes))
	return string(append(runes[:pos:pos], runes[pos+1:]...))
}

// lineColumn converts a rune offset into a cursor position.
func lineColumn(text string, offset int) (line, column int) {
	for i, r := range []rune(text) {
		if i == offset {
			break
		}
		if r == '\n' {
			line++
			column = 0
			continue
		}
		column++
	}
	return line, column
}
