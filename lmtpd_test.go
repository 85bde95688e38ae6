package main

import (
	"net"
	"testing"
)

func TestOwnPort(t *testing.T) {
	cases := []struct {
		addrs []string
		want  string
	}{
		{[]string{"127.0.0.1:24"}, "24"},
		{[]string{"/run/lmtpd/lmtpd.sock", "0.0.0.0:2424"}, "2424"},
		{[]string{"/run/lmtpd/lmtpd.sock"}, ""},
		{nil, ""},
	}

	for _, c := range cases {
		if got := ownPort(c.addrs); got != c.want {
			t.Errorf("ownPort(%v) = %q, want %q", c.addrs, got, c.want)
		}
	}
}

func TestLoadTrustedNetworks(t *testing.T) {
	nets := loadTrustedNetworks([]string{"127.0.0.1/32", "10.0.0.0/8"})
	if len(nets) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(nets))
	}
	if !nets[0].Contains(mustParseIP(t, "127.0.0.1")) {
		t.Errorf("expected 127.0.0.1/32 to contain 127.0.0.1")
	}
	if !nets[1].Contains(mustParseIP(t, "10.1.2.3")) {
		t.Errorf("expected 10.0.0.0/8 to contain 10.1.2.3")
	}
}

func mustParseIP(t *testing.T, s string) (ip net.IP) {
	t.Helper()
	ip = net.ParseIP(s)
	if ip == nil {
		t.Fatalf("invalid IP %q", s)
	}
	return ip
}
