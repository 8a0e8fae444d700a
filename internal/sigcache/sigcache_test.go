package sigcache

import "testing"

func TestStoreAndLookup(t *testing.T) {
	c := New()
	defer c.Close()

	c.Store("sess-1", "let me think", "sig-abc")
	if got := c.Lookup("sess-1", "let me think"); got != "sig-abc" {
		t.Fatalf("got %q", got)
	}
	if got := c.Lookup("sess-1", "different text"); got != "" {
		t.Fatalf("expected miss, got %q", got)
	}
	if got := c.Lookup("other-session", "let me think"); got != "" {
		t.Fatalf("expected session isolation, got %q", got)
	}
}

func TestStoreIgnoresEmptySignature(t *testing.T) {
	c := New()
	defer c.Close()
	c.Store("sess-1", "text", "")
	if got := c.Lookup("sess-1", "text"); got != "" {
		t.Fatalf("expected no entry for empty signature, got %q", got)
	}
}

func TestStoreCapsEntriesPerSession(t *testing.T) {
	c := New()
	defer c.Close()
	for i := 0; i < maxPerSession+10; i++ {
		c.Store("sess-1", string(rune('a'+i%26))+string(rune(i)), "sig")
	}
	c.mu.RLock()
	count := c.sessions["sess-1"]
	c.mu.RUnlock()
	if count > maxPerSession {
		t.Fatalf("session entry count %d exceeds cap %d", count, maxPerSession)
	}
}
