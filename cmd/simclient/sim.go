package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"crdt-editor/internal/client"
	"crdt-editor/internal/logging"
	"crdt-editor/internal/session"
)

type simConfig struct {
	ServerURL       string
	Users           int
	SessionID       string
	Duration        time.Duration
	Scenario        string
	RampUp          time.Duration
	MetricsInterval time.Duration
	// ChaosProbability is the chance per burst that a user's connection is cut.
	ChaosProbability float64
	Save             bool
}

type metrics struct {
	start time.Time

	sent        atomic.Int64
	received    atomic.Int64
	errors      atomic.Int64
	connected   atomic.Int64
	disconnects atomic.Int64
	unsent      atomic.Int64
}

type simUser struct {
	name string
	c    *client.Client
	rng  *rand.Rand

	mu        sync.Mutex
	latencies []time.Duration
}

func (u *simUser) edit(m *metrics, sc Scenario) {
	start := time.Now()
	err := u.c.EditFunc(func(cur string) string { return nextText(u.rng, sc, cur) })
	if err != nil {
		m.errors.Add(1)
		return
	}
	m.sent.Add(1)
	u.mu.Lock()
	u.latencies = append(u.latencies, time.Since(start))
	u.mu.Unlock()
}

func (u *simUser) simulate(ctx context.Context, m *metrics, sc Scenario, chaos float64) {
	for ctx.Err() == nil {
		n := 1
		if u.rng.Float64() < sc.BurstProbability {
			n = sc.BurstSize
		}
		for i := 0; i < n && ctx.Err() == nil; i++ {
			u.edit(m, sc)
			if i < n-1 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		if u.rng.Float64() < sc.CursorProbability {
			text := u.c.Text()
			line, col := lineColumn(text, u.rng.Intn(len([]rune(text))+1))
			if err := u.c.MoveCursor(line, col); err != nil {
				m.errors.Add(1)
			}
		}
		if chaos > 0 && u.rng.Float64() < chaos {
			u.c.Interrupt()
		}

		select {
		case <-ctx.Done():
		case <-time.After(sc.ThinkTime):
		}
	}
}

// run drives one simulation and returns the number of inconsistent replicas.
func run(cfg simConfig, log *logging.Logger) (int, error) {
	sc, ok := scenarios[cfg.Scenario]
	if !ok {
		return 0, fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
	m := &metrics{start: time.Now()}
	log.Infof("starting simulation: %d users, scenario %s, session %s", cfg.Users, sc.Name, cfg.SessionID)

	reportCtx, stopReport := context.WithCancel(context.Background())
	go report(reportCtx, m, cfg.MetricsInterval, log)

	users := make([]*simUser, cfg.Users)
	var wg sync.WaitGroup
	interval := time.Duration(0)
	if cfg.Users > 0 {
		interval = cfg.RampUp / time.Duration(cfg.Users)
	}

	for i := 0; i < cfg.Users; i++ {
		name := fmt.Sprintf("sim-user-%d", i)
		u := &simUser{name: name, rng: rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))}

		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := client.Dial(dialCtx, client.Options{
			URL:               cfg.ServerURL,
			SessionID:         cfg.SessionID,
			DisplayName:       name,
			Reconnect:         true,
			HeartbeatInterval: 30 * time.Second,
			OnEvent: func(f session.Frame) {
				switch f.Type {
				case session.EventOperationReceived:
					m.received.Add(1)
				case session.EventError:
					m.errors.Add(1)
				}
			},
			OnStatus: func(s client.Status) {
				switch s {
				case client.StatusConnected:
					m.connected.Add(1)
				case client.StatusDisconnected:
					m.connected.Add(-1)
				}
			},
			OnDisconnect: func(unsent int) {
				m.disconnects.Add(1)
				m.unsent.Add(int64(unsent))
			},
		})
		cancel()
		if err != nil {
			log.Warnf("%s failed to join: %v", name, err)
			m.errors.Add(1)
			continue
		}
		u.c = c
		users[i] = u

		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
			defer cancel()
			u.simulate(ctx, m, sc, cfg.ChaosProbability)
		}()
		time.Sleep(interval)
	}

	wg.Wait()
	stopReport()

	var active []*simUser
	for _, u := range users {
		if u != nil {
			active = append(active, u)
		}
	}

	if cfg.Save && len(active) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := active[0].c.Save(ctx, nil); err != nil {
			log.Warnf("save failed: %v", err)
		} else {
			log.Infof("document saved by %s", active[0].name)
		}
		cancel()
	}

	checker := newConsistencyChecker(cfg.ServerURL, cfg.SessionID)
	inconsistent, err := checker.Settle(active, 15*time.Second)
	if err != nil {
		log.Errorf("consistency check: %v", err)
	}

	printReport(m, active, inconsistent)
	for _, u := range active {
		u.c.Close()
	}
	return inconsistent, err
}

func report(ctx context.Context, m *metrics, every time.Duration, log *logging.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(m.start)
			log.Infof("[%s] connected: %d, sent: %d, recv: %d, errors: %d, reconnects: %d, ops/sec: %.2f",
				elapsed.Round(time.Second), m.connected.Load(), m.sent.Load(), m.received.Load(),
				m.errors.Load(), m.disconnects.Load(), float64(m.sent.Load())/elapsed.Seconds())
		}
	}
}

func printReport(m *metrics, users []*simUser, inconsistent int) {
	elapsed := time.Since(m.start)
	fmt.Println("\n=== SIMULATION REPORT ===")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Operations sent: %d\n", m.sent.Load())
	fmt.Printf("Operations received: %d\n", m.received.Load())
	fmt.Printf("Errors: %d\n", m.errors.Load())
	fmt.Printf("Disconnects: %d (unsent edits at disconnect: %d)\n", m.disconnects.Load(), m.unsent.Load())

	var total time.Duration
	var count int
	for _, u := range users {
		u.mu.Lock()
		for _, l := range u.latencies {
			total += l
			count++
		}
		u.mu.Unlock()
	}
	if count > 0 {
		fmt.Printf("Average local edit latency: %v\n", total/time.Duration(count))
	}
	fmt.Printf("Operations per second: %.2f\n", float64(m.sent.Load())/elapsed.Seconds())
	if attempts := m.sent.Load() + m.errors.Load(); attempts > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(m.sent.Load())/float64(attempts)*100)
	}
	if inconsistent == 0 {
		fmt.Println("Consistency: all replicas match the server")
	} else {
		fmt.Printf("Consistency: %d replicas differ from the server\n", inconsistent)
	}
}
