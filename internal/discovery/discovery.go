// Package discovery advertises collaboration servers over mDNS and finds
// them on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_crdt-collab._tcp"
	Domain  = "local."
)

// Peer is one advertised server.
type Peer struct {
	Instance   string
	InstanceID string
	Host       string
	Port       int
}

// URL returns the http base url of the peer.
func (p Peer) URL() string {
	return "http://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Advertise registers this server. Call Shutdown on the result when done.
func Advertise(instance, instanceID string, port int) (*zeroconf.Server, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = "collab-" + host
	}
	txt := []string{"id=" + instanceID, "ws=/ws", "txtv=1"}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server, nil
}

// Browse collects the servers that answer within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	seen := map[string]Peer{}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sorted(seen), nil
			}
			if p, ok := peerFromEntry(entry); ok {
				seen[p.Instance] = p
			}
		case <-ctx.Done():
			return sorted(seen), nil
		}
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || e.Port == 0 {
		return Peer{}, false
	}
	p := Peer{Instance: e.Instance, Port: e.Port}
	switch {
	case len(e.AddrIPv4) > 0:
		p.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		p.Host = e.AddrIPv6[0].String()
	case e.HostName != "":
		p.Host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Peer{}, false
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "id="); ok {
			p.InstanceID = v
		}
	}
	return p, true
}

func sorted(m map[string]Peer) []Peer {
	out := make([]Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
