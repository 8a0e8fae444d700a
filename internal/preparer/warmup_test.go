package preparer

import "testing"

func TestIsWarmupRequestDetectsLoneWarmupMessage(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "Warmup"},
		},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected lone Warmup string message to be detected")
	}
}

func TestIsWarmupRequestDetectsWarmupContentBlock(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "Warmup"},
				},
			},
		},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected lone Warmup content block to be detected")
	}
}

func TestIsWarmupRequestDetectsTitleGenerationSystemPrompt(t *testing.T) {
	body := map[string]any{
		"system": "Please write a 5-10 word title for the following conversation",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello there"},
		},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected title-generation system prompt to be detected")
	}
}

func TestIsWarmupRequestDetectsTopicContinuationSystemBlocks(t *testing.T) {
	body := map[string]any{
		"system": []any{
			map[string]any{"type": "text", "text": "Analyze if this message indicates a new conversation topic."},
		},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected topic-continuation system block to be detected")
	}
}

func TestIsWarmupRequestFalseForOrdinaryRequest(t *testing.T) {
	body := map[string]any{
		"model": "claude-sonnet-4-20250514",
		"messages": []any{
			map[string]any{"role": "user", "content": "what is 2+2?"},
		},
	}
	if IsWarmupRequest(body) {
		t.Fatalf("expected ordinary request not to be flagged as warmup")
	}
}

func TestWarmupEventsProducesCompleteSSETranscript(t *testing.T) {
	events := WarmupEvents("claude-sonnet-4-20250514")
	if len(events) != 6 {
		t.Fatalf("expected 6 SSE frames, got %d", len(events))
	}
	for _, e := range events {
		if len(e) == 0 {
			t.Fatalf("unexpected empty frame")
		}
	}
}
