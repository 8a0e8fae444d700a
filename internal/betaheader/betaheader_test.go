package betaheader

import "testing"

func TestSelectCanonicalOrder(t *testing.T) {
	base := TokenFineGrainedStreaming + "," + TokenClaudeCode + "," + TokenOAuth
	got := Select("claude-sonnet-4-20250514", base, "", false)
	want := TokenClaudeCode + "," + TokenOAuth + "," + TokenFineGrainedStreaming
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInterleavedThinkingOnlyForExactModels(t *testing.T) {
	got := Select("claude-haiku-4", TokenInterleavedThinking, "", false)
	if got != "" {
		t.Fatalf("expected interleaved-thinking stripped for non-matching model, got %q", got)
	}

	got = Select("claude-opus-4-20250514", TokenInterleavedThinking, "", false)
	if got != TokenInterleavedThinking {
		t.Fatalf("expected interleaved-thinking retained for exact model, got %q", got)
	}
}

func TestClaudeCodeTokenRequiresSonnetOrOpus(t *testing.T) {
	if got := Select("claude-haiku-4", TokenClaudeCode, "", false); got != "" {
		t.Fatalf("expected claude-code token stripped for haiku, got %q", got)
	}
	if got := Select("claude-3-7-sonnet", TokenClaudeCode, "", false); got != TokenClaudeCode {
		t.Fatalf("expected claude-code token kept for sonnet, got %q", got)
	}
}

func TestClientContext1MAdded(t *testing.T) {
	got := Select("claude-sonnet-4-20250514", "", TokenContext1M, false)
	if got != TokenContext1M {
		t.Fatalf("got %q", got)
	}
}

func TestCountTokensAddsTokenCounting(t *testing.T) {
	got := Select("claude-sonnet-4-20250514", "", "", true)
	if got != TokenTokenCounting {
		t.Fatalf("got %q", got)
	}
}

func TestExtraTokensAppendedAfterCanonicalOrder(t *testing.T) {
	got := Select("claude-sonnet-4-20250514", TokenClaudeCode+",some-future-beta", "", false)
	want := TokenClaudeCode + ",some-future-beta"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
