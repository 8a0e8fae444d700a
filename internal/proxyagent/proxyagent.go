// Package proxyagent parses and caches proxy descriptors used by the
// transport layer, and provides a logging-safe masking helper for
// credentials.
package proxyagent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/relaycore/corerelay/internal/collab"
)

var validTypes = map[string]bool{"socks5": true, "http": true, "https": true}

// Keepalive settings applied to every cached agent's underlying transport.
const (
	KeepAliveInterval = 30 // seconds
	MaxSockets        = 50
	MaxIdleSockets    = 10
)

// Factory caches one descriptor per type://host:port:user tuple and resolves
// the IPv4/IPv6 preference for callers that need to pick an address family.
type Factory struct {
	mu          sync.Mutex
	cache       map[string]*collab.ProxyDescriptor
	defaultIPv4 bool
}

// NewFactory builds a Factory; defaultIPv4 is the fallback preference used
// when a caller doesn't specify one explicitly (config.ProxyUseIPv4).
func NewFactory(defaultIPv4 bool) *Factory {
	return &Factory{cache: make(map[string]*collab.ProxyDescriptor), defaultIPv4: defaultIPv4}
}

// Parse validates a raw descriptor and returns the cached instance for its
// tuple, creating one on first sight.
func (f *Factory) Parse(d collab.ProxyDescriptor) (*collab.ProxyDescriptor, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	key := tupleKey(d)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.cache[key]; ok {
		return existing, nil
	}
	agent := d
	f.cache[key] = &agent
	return &agent, nil
}

// ParseJSON accepts a `{type,host,port,username?,password?}` JSON string,
// the shape an account record stores its proxy descriptor as.
func (f *Factory) ParseJSON(raw string) (*collab.ProxyDescriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var d collab.ProxyDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("parse proxy descriptor: %w", err)
	}
	return f.Parse(d)
}

func validate(d collab.ProxyDescriptor) error {
	if d.Type == "" || d.Host == "" || d.Port == 0 {
		return fmt.Errorf("proxy descriptor missing type, host, or port")
	}
	if !validTypes[d.Type] {
		return fmt.Errorf("proxy descriptor type %q not in socks5|http|https", d.Type)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("proxy descriptor port %d out of range", d.Port)
	}
	return nil
}

func tupleKey(d collab.ProxyDescriptor) string {
	return fmt.Sprintf("%s://%s:%d:%s", d.Type, d.Host, d.Port, d.Username)
}

// PreferIPv4 resolves the effective IPv4/IPv6 preference: an explicit
// per-call value wins, else the factory's configured default, else IPv4.
func (f *Factory) PreferIPv4(explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	return f.defaultIPv4
}

// MaskCredentials reduces a username to first+last char plus asterisks and a
// password to up to 8 asterisks, for safe inclusion in logs.
func MaskCredentials(username, password string) (maskedUser, maskedPass string) {
	maskedUser = maskUsername(username)
	maskedPass = maskPassword(password)
	return
}

func maskUsername(u string) string {
	n := len(u)
	if n == 0 {
		return ""
	}
	if n == 1 {
		return u
	}
	middle := n - 2
	if middle < 0 {
		middle = 0
	}
	return string(u[0]) + strings.Repeat("*", middle) + string(u[n-1])
}

func maskPassword(p string) string {
	if p == "" {
		return ""
	}
	n := len(p)
	if n > 8 {
		n = 8
	}
	return strings.Repeat("*", n)
}
