package preparer

import (
	"context"
	"net/http"
	"testing"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
)

type stubValidator struct{ real bool }

func (s stubValidator) Validate(ctx context.Context, req collab.ValidatorRequest) bool {
	return s.real
}

func TestInjectsClaudeCodePromptWhenNotRealClient(t *testing.T) {
	p := New(config.Load(), nil, stubValidator{real: false}, nil, nil)
	body := map[string]any{
		"model": "claude-sonnet-4-20250514",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	res, err := p.Prepare(context.Background(), body, http.Header{}, nil, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sys, ok := res.Body["system"].([]any)
	if !ok || len(sys) == 0 {
		t.Fatalf("expected injected system block, got %+v", res.Body["system"])
	}
	first, _ := sys[0].(map[string]any)
	if first["text"] != claudeCodeSystemPrompt {
		t.Fatalf("unexpected injected text: %+v", first)
	}
}

func TestSkipsInjectionForRealClaudeCodeClient(t *testing.T) {
	p := New(config.Load(), nil, stubValidator{real: true}, nil, nil)
	body := map[string]any{"model": "claude-sonnet-4-20250514"}
	res, err := p.Prepare(context.Background(), body, http.Header{}, nil, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, ok := res.Body["system"]; ok {
		t.Fatalf("expected no system block injected, got %+v", res.Body["system"])
	}
}

func TestThinkingVariantSplitAndBudget(t *testing.T) {
	p := New(config.Load(), nil, stubValidator{real: true}, nil, nil)
	body := map[string]any{
		"model":      "claude-sonnet-4-20250514:thinking",
		"max_tokens": float64(10000),
	}
	res, err := p.Prepare(context.Background(), body, http.Header{}, nil, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Body["model"] != "claude-sonnet-4-20250514" {
		t.Fatalf("model not split: %+v", res.Body["model"])
	}
	if res.Variant != "thinking" {
		t.Fatalf("expected thinking variant, got %q", res.Variant)
	}
	thinking, ok := res.Body["thinking"].(map[string]any)
	if !ok || thinking["budget_tokens"] != 9999 {
		t.Fatalf("unexpected thinking config: %+v", res.Body["thinking"])
	}
}

func TestCacheControlBudgetEnforced(t *testing.T) {
	cfg := config.Load()
	cfg.MaxCacheControls = 1
	p := New(cfg, nil, stubValidator{real: true}, nil, nil)

	cc := map[string]any{"type": "ephemeral", "ttl": "1h"}
	body := map[string]any{
		"model": "claude-sonnet-4-20250514",
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "a", "cache_control": cc},
					map[string]any{"type": "text", "text": "b", "cache_control": map[string]any{"type": "ephemeral", "ttl": "1h"}},
				},
			},
		},
	}

	res, err := p.Prepare(context.Background(), body, http.Header{}, nil, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	msgs := res.Body["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	remaining := 0
	for _, c := range content {
		block := c.(map[string]any)
		if _, ok := block["cache_control"]; ok {
			remaining++
		}
	}
	if remaining != 1 {
		t.Fatalf("expected exactly 1 cache_control block to survive budget of 1, got %d", remaining)
	}
}

func TestUnifiedUserIDGeneratedWhenAbsent(t *testing.T) {
	p := New(config.Load(), nil, stubValidator{real: true}, nil, nil)
	acct := &collab.Account{ID: "acct-1", UseUnifiedClientID: true, UnifiedClientID: "abc123"}
	body := map[string]any{"model": "claude-sonnet-4-20250514"}

	res, err := p.Prepare(context.Background(), body, http.Header{}, acct, false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	metadata, ok := res.Body["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected metadata block, got %+v", res.Body["metadata"])
	}
	userID, _ := metadata["user_id"].(string)
	if userID == "" {
		t.Fatalf("expected generated user_id")
	}
}
