package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestPeerFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("collab-a", Service, Domain)
	e.Port = 8080
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"id=east", "ws=/ws"}

	p, ok := peerFromEntry(e)
	require.True(t, ok)
	require.Equal(t, "east", p.InstanceID)
	require.Equal(t, "http://192.168.1.20:8080", p.URL())

	v6 := zeroconf.NewServiceEntry("collab-b", Service, Domain)
	v6.Port = 9000
	v6.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	p, ok = peerFromEntry(v6)
	require.True(t, ok)
	require.Equal(t, "http://[fe80::1]:9000", p.URL())

	_, ok = peerFromEntry(zeroconf.NewServiceEntry("no-port", Service, Domain))
	require.False(t, ok)
	_, ok = peerFromEntry(nil)
	require.False(t, ok)
}

func TestSortedIsStable(t *testing.T) {
	got := sorted(map[string]Peer{"b": {Instance: "b"}, "a": {Instance: "a"}})
	require.Equal(t, []Peer{{Instance: "a"}, {Instance: "b"}}, got)
}
