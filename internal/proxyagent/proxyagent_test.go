package proxyagent

import (
	"testing"

	"github.com/relaycore/corerelay/internal/collab"
)

func TestParseRejectsMissingFields(t *testing.T) {
	f := NewFactory(true)
	cases := []collab.ProxyDescriptor{
		{Host: "h", Port: 1},
		{Type: "socks5", Port: 1},
		{Type: "socks5", Host: "h"},
		{Type: "ftp", Host: "h", Port: 1},
		{Type: "socks5", Host: "h", Port: 70000},
	}
	for i, d := range cases {
		if _, err := f.Parse(d); err == nil {
			t.Fatalf("case %d: expected error, got nil", i)
		}
	}
}

func TestParseCachesByTuple(t *testing.T) {
	f := NewFactory(true)
	d := collab.ProxyDescriptor{Type: "http", Host: "p.example", Port: 8080, Username: "u"}

	a, err := f.Parse(d)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := f.Parse(d)
	if err != nil {
		t.Fatalf("parse again: %v", err)
	}
	if a != b {
		t.Fatalf("expected cached pointer identity, got distinct instances")
	}

	other := d
	other.Username = "v"
	c, err := f.Parse(other)
	if err != nil {
		t.Fatalf("parse other: %v", err)
	}
	if c == a {
		t.Fatalf("distinct tuple should not share cache entry")
	}
}

func TestPreferIPv4(t *testing.T) {
	f := NewFactory(false)
	if f.PreferIPv4(nil) != false {
		t.Fatalf("expected factory default false")
	}
	yes := true
	if f.PreferIPv4(&yes) != true {
		t.Fatalf("expected explicit override true")
	}
}

func TestMaskCredentials(t *testing.T) {
	u, p := MaskCredentials("alice", "hunter2pass")
	if u != "a***e" {
		t.Fatalf("username mask = %q", u)
	}
	if p != "********" {
		t.Fatalf("password mask = %q", p)
	}

	u2, p2 := MaskCredentials("", "")
	if u2 != "" || p2 != "" {
		t.Fatalf("empty credentials should mask to empty")
	}
}
