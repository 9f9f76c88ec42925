package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"crdt-editor/internal/discovery"
	"crdt-editor/internal/logging"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "server URL")
		discover  = flag.Bool("discover", false, "find the server over mDNS instead of -server")
		users     = flag.Int("users", 10, "number of simulated users")
		sessionID = flag.String("session", "", "session id (empty for a new session)")
		duration  = flag.Duration("duration", 2*time.Minute, "editing time per user")
		scenario  = flag.String("scenario", "normal", "scenario (normal, aggressive, code, review)")
		rampUp    = flag.Duration("rampup", 10*time.Second, "ramp up time")
		every     = flag.Duration("metrics", 5*time.Second, "metrics reporting interval")
		chaos     = flag.Float64("chaos", 0, "chance per burst of cutting a user's connection")
		save      = flag.Bool("save", false, "save the document when editing ends")
		plan      = flag.String("plan", "", `run a named load plan, or "all"`)
		pause     = flag.Duration("pause", 30*time.Second, "pause between plans")
		level     = flag.String("log", "info", "log level")
	)
	flag.Parse()
	log := logging.New(*level)

	if *discover {
		peers, err := discovery.Browse(context.Background(), 5*time.Second)
		if err != nil || len(peers) == 0 {
			log.Errorf("no server found over mDNS (err: %v)", err)
			os.Exit(1)
		}
		*serverURL = peers[0].URL()
		log.Infof("discovered %s at %s", peers[0].Instance, *serverURL)
	}

	base := simConfig{
		ServerURL:        *serverURL,
		Users:            *users,
		SessionID:        *sessionID,
		Duration:         *duration,
		Scenario:         *scenario,
		RampUp:           *rampUp,
		MetricsInterval:  *every,
		ChaosProbability: *chaos,
		Save:             *save,
	}

	if *plan == "" {
		if base.SessionID == "" {
			base.SessionID = fmt.Sprintf("sim-%d", time.Now().UnixNano())
		}
		bad, err := run(base, log)
		if err != nil || bad > 0 {
			os.Exit(1)
		}
		return
	}

	selected := selectPlans(*plan)
	if len(selected) == 0 {
		log.Errorf("unknown plan %q", *plan)
		os.Exit(2)
	}
	failed := false
	for i, p := range selected {
		fmt.Printf("\n=== Running plan: %s ===\n", p.Name)
		fmt.Printf("Users: %d, Duration: %s, Scenario: %s\n", p.Users, p.Duration, p.Scenario)
		cfg := base
		cfg.Users, cfg.Duration, cfg.Scenario, cfg.RampUp = p.Users, p.Duration, p.Scenario, p.RampUp
		cfg.SessionID = fmt.Sprintf("stress-%d", time.Now().UnixNano())
		if bad, err := run(cfg, log); err != nil || bad > 0 {
			log.Errorf("plan %s failed (inconsistent: %d, err: %v)", p.Name, bad, err)
			failed = true
		}
		if i < len(selected)-1 {
			fmt.Printf("\nWaiting %s before the next plan...\n", *pause)
			time.Sleep(*pause)
		}
	}
	fmt.Println("\n=== All plans completed ===")
	if failed {
		os.Exit(1)
	}
}

func selectPlans(name string) []Plan {
	if strings.EqualFold(name, "all") {
		return plans
	}
	for _, p := range plans {
		if strings.EqualFold(p.Name, name) || strings.EqualFold(strings.ReplaceAll(p.Name, " ", "-"), name) {
			return []Plan{p}
		}
	}
	return nil
}
