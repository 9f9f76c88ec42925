package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// consistencyChecker compares every replica with the server's text.
type consistencyChecker struct {
	serverURL string
	sessionID string
	http      *http.Client
}

func newConsistencyChecker(serverURL, sessionID string) *consistencyChecker {
	return &consistencyChecker{
		serverURL: strings.TrimRight(serverURL, "/"),
		sessionID: sessionID,
		http:      &http.Client{Timeout: 5 * time.Second},
	}
}

func (cc *consistencyChecker) serverText() (string, error) {
	resp, err := cc.http.Get(fmt.Sprintf("%s/api/sessions/%s/text", cc.serverURL, url.PathEscape(cc.sessionID)))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET session text: %s", resp.Status)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Text, nil
}

// Check returns the users whose text differs from the server's.
func (cc *consistencyChecker) Check(users []*simUser) ([]string, error) {
	want, err := cc.serverText()
	if err != nil {
		return nil, err
	}
	var diverged []string
	for _, u := range users {
		if u.c.Text() != want {
			diverged = append(diverged, u.name)
		}
	}
	return diverged, nil
}

// Settle repeats Check until every replica matches or timeout passes, and
// returns how many still differ.
func (cc *consistencyChecker) Settle(users []*simUser, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		diverged, err := cc.Check(users)
		if err == nil && len(diverged) == 0 {
			return 0, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return len(users), err
			}
			fmt.Printf("Inconsistent replicas: %s\n", strings.Join(diverged, ", "))
			return len(diverged), nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}
