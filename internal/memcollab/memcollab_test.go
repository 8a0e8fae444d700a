package memcollab

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

var (
	_ collab.Scheduler      = (*Store)(nil)
	_ collab.AccountService = (*Store)(nil)
	_ collab.Validator      = PromptValidator{}
)

func newStore() *Store {
	return New([]*collab.Account{
		{ID: "acct-1", Name: "one", IsActive: true, Status: "active"},
		{ID: "acct-2", Name: "two", IsActive: true, Status: "active"},
	}, time.Minute)
}

func TestSelectAccountForAPIKeyBoundDirectly(t *testing.T) {
	s := newStore()
	sel, err := s.SelectAccountForAPIKey(context.Background(), "acct-1", "", "claude-sonnet-4")
	if err != nil || sel.AccountID != "acct-1" {
		t.Fatalf("sel=%+v err=%v", sel, err)
	}
}

func TestSelectAccountForAPIKeyStickySession(t *testing.T) {
	s := newStore()
	first, err := s.SelectAccountForAPIKey(context.Background(), "unknown-key", "session-abc", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	second, err := s.SelectAccountForAPIKey(context.Background(), "unknown-key", "session-abc", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if first.AccountID != second.AccountID {
		t.Fatalf("sticky session should have kept the same account: %s vs %s", first.AccountID, second.AccountID)
	}
}

func TestMarkAccountBlockedRemovesFromRotation(t *testing.T) {
	s := newStore()
	if err := s.MarkAccountBlocked(context.Background(), "acct-1", "active", ""); err != nil {
		t.Fatalf("mark blocked: %v", err)
	}
	if err := s.MarkAccountBlocked(context.Background(), "acct-2", "active", ""); err != nil {
		t.Fatalf("mark blocked: %v", err)
	}
	_, err := s.SelectAccountForAPIKey(context.Background(), "unused", "", "claude-sonnet-4")
	if err == nil {
		t.Fatal("expected no available accounts once all are blocked")
	}
}

func TestOverloadMarkAndClear(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	if err := s.MarkAccountOverloaded(ctx, "acct-1", time.Hour); err != nil {
		t.Fatalf("mark overloaded: %v", err)
	}
	overloaded, err := s.IsAccountOverloaded(ctx, "acct-1")
	if err != nil || !overloaded {
		t.Fatalf("expected overloaded, got %v err=%v", overloaded, err)
	}
	if err := s.RemoveAccountOverload(ctx, "acct-1"); err != nil {
		t.Fatalf("remove overload: %v", err)
	}
	overloaded, err = s.IsAccountOverloaded(ctx, "acct-1")
	if err != nil || overloaded {
		t.Fatalf("expected cleared, got %v err=%v", overloaded, err)
	}
}

func TestServerErrorCounting(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.RecordServerError(ctx, "acct-1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	count, err := s.GetServerErrorCount(ctx, "acct-1")
	if err != nil || count != 3 {
		t.Fatalf("count=%d err=%v", count, err)
	}
	if err := s.ClearInternalErrors(ctx, "acct-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, _ = s.GetServerErrorCount(ctx, "acct-1")
	if count != 0 {
		t.Fatalf("expected cleared count, got %d", count)
	}
}

func TestPromptValidatorRecognizesKnownPrompt(t *testing.T) {
	v := PromptValidator{}
	body := map[string]any{
		"system": []any{
			map[string]any{"type": "text", "text": "You are Claude Code, Anthropic's official CLI for Claude."},
		},
	}
	if !v.Validate(context.Background(), collab.ValidatorRequest{Body: body}) {
		t.Fatal("expected known Claude Code prompt to validate")
	}
}

func TestPromptValidatorRejectsForeignPrompt(t *testing.T) {
	v := PromptValidator{}
	body := map[string]any{"system": "You are a pirate assistant."}
	if v.Validate(context.Background(), collab.ValidatorRequest{Body: body}) {
		t.Fatal("expected foreign prompt to fail validation")
	}
}
