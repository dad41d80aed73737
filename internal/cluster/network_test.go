package cluster

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressClassification(t *testing.T) {
	tests := []struct {
		ip        string
		linkLocal bool
		loopback  bool
		private   bool
	}{
		{ip: "169.254.1.1", linkLocal: true},
		{ip: "127.0.0.1", loopback: true},
		{ip: "192.168.1.1", private: true},
		{ip: "10.0.0.1", private: true},
		{ip: "172.16.0.1", private: true},
		{ip: "172.32.0.1"},
		{ip: "8.8.8.8"},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			assert.Equal(t, tt.linkLocal, isLinkLocal(ip), "isLinkLocal")
			assert.Equal(t, tt.loopback, isLoopback(ip), "isLoopback")
			assert.Equal(t, tt.private, isPrivateNetwork(ip), "isPrivateNetwork")
		})
	}
}

func TestSelectBestIP(t *testing.T) {
	ipnet := func(s string) net.Addr { return &net.IPNet{IP: net.ParseIP(s)} }

	tests := []struct {
		name   string
		addrs  []net.Addr
		wantIP string
	}{
		{
			name:   "prefer private over public",
			addrs:  []net.Addr{ipnet("8.8.8.8"), ipnet("192.168.1.1")},
			wantIP: "192.168.1.1",
		},
		{
			name:   "skip link-local and loopback",
			addrs:  []net.Addr{ipnet("169.254.1.1"), ipnet("127.0.0.1"), ipnet("8.8.8.8")},
			wantIP: "8.8.8.8",
		},
		{
			name:  "no suitable addresses",
			addrs: []net.Addr{ipnet("169.254.1.1"), ipnet("127.0.0.1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectBestIP(tt.addrs)
			if tt.wantIP == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.wantIP, got.String())
		})
	}
}

func TestUsableIPv4(t *testing.T) {
	tests := []struct {
		name   string
		ips    []net.IP
		wantIP string
	}{
		{
			name:   "skip link-local",
			ips:    []net.IP{net.ParseIP("169.254.1.1"), net.ParseIP("192.168.1.7")},
			wantIP: "192.168.1.7",
		},
		{
			name:   "loopback accepted",
			ips:    []net.IP{net.ParseIP("127.0.0.1")},
			wantIP: "127.0.0.1",
		},
		{
			name: "only link-local and ipv6",
			ips:  []net.IP{net.ParseIP("169.254.2.2"), net.ParseIP("fe80::1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UsableIPv4(tt.ips)
			if tt.wantIP == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.wantIP, got.String())
		})
	}
}

func TestPreferredInterface(t *testing.T) {
	cidr := func(s string) net.Addr {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatalf("bad cidr %s: %v", s, err)
		}
		ipnet.IP = ip
		return ipnet
	}

	lo := &net.Interface{Index: 1, Name: "lo"}
	pub := &net.Interface{Index: 2, Name: "eth0"}
	lan := &net.Interface{Index: 3, Name: "eth1"}
	broken := &net.Interface{Index: 4, Name: "eth2"}

	addrs := map[string][]net.Addr{
		"lo":   {cidr("127.0.0.1/8")},
		"eth0": {cidr("8.8.8.8/24")},
		"eth1": {cidr("169.254.3.3/16"), cidr("192.168.1.5/24")},
	}
	addrsOf := func(ifi *net.Interface) ([]net.Addr, error) {
		if ifi.Name == "eth2" {
			return nil, errors.New("no addresses")
		}
		return addrs[ifi.Name], nil
	}

	tests := []struct {
		name     string
		ifaces   []*net.Interface
		wantName string
		wantIP   string
	}{
		{"private wins over public", []*net.Interface{lo, pub, lan}, "eth1", "192.168.1.5"},
		{"public when no private", []*net.Interface{lo, broken, pub}, "eth0", "8.8.8.8"},
		{"loopback only", []*net.Interface{lo, nil}, "", ""},
		{"none", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ifi, ip := PreferredInterface(tt.ifaces, addrsOf)
			if tt.wantName == "" {
				assert.Nil(t, ifi)
				assert.Nil(t, ip)
				return
			}
			require.NotNil(t, ifi)
			assert.Equal(t, tt.wantName, ifi.Name)
			assert.Equal(t, tt.wantIP, ip.String())
		})
	}
}
