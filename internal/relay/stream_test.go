package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/relaycore/corerelay/internal/collab"
)

func TestRelayStreamRequestFailsWhenSchedulerHasNoAccount(t *testing.T) {
	o := newOrchestratorForSelectionTest(
		&fakeScheduler{selectErr: errNoAccounts},
		&fakeAccounts{},
	)
	var out bytes.Buffer
	err := o.RelayStreamRequestWithUsageCapture(context.Background(), map[string]any{"model": "claude-sonnet-4"}, "missing-key", http.Header{}, &out, nil, nil)
	if err == nil {
		t.Fatal("expected an error when no account can be selected")
	}
	// Selection failures happen before any frame is written to the client;
	// the caller (HTTP handler) is responsible for the client-facing error.
	if out.Len() != 0 {
		t.Fatalf("expected no bytes written to ingress on a selection failure, got %q", out.String())
	}
}

func TestRelayStreamRequestFailsWhenAccessTokenUnavailable(t *testing.T) {
	o := newOrchestratorForSelectionTest(
		&fakeScheduler{selected: collab.AccountSelection{AccountID: "acct-1", AccountType: "active"}},
		&fakeAccounts{tokenErr: errTokenUnavailable},
	)
	var out bytes.Buffer
	err := o.RelayStreamRequestWithUsageCapture(context.Background(), map[string]any{"model": "claude-sonnet-4"}, "key", http.Header{}, &out, nil, nil)
	if err == nil {
		t.Fatal("expected an error when the access token can't be refreshed")
	}
}

func TestRelayStreamRequestAnswersWarmupWithoutSelectingAccount(t *testing.T) {
	o := newOrchestratorForSelectionTest(
		&fakeScheduler{selectErr: errNoAccounts},
		&fakeAccounts{},
	)
	var out bytes.Buffer
	var captured *collab.UsageRecord
	body := map[string]any{
		"model": "claude-sonnet-4-20250514",
		"messages": []any{
			map[string]any{"role": "user", "content": "Warmup"},
		},
	}
	err := o.RelayStreamRequestWithUsageCapture(context.Background(), body, "any-key", http.Header{}, &out, func(u collab.UsageRecord) {
		captured = &u
	}, nil)
	if err != nil {
		t.Fatalf("expected warmup stream to be answered without error, got %v", err)
	}
	if !strings.Contains(out.String(), "event: message_start") || !strings.Contains(out.String(), "event: message_stop") {
		t.Fatalf("expected a full canned SSE transcript, got %q", out.String())
	}
	if captured == nil || captured.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected usage callback to fire with the request model, got %+v", captured)
	}
}

func TestWriteErrorFrameEmitsSSEErrorEvent(t *testing.T) {
	o := newOrchestratorForSelectionTest(&fakeScheduler{}, &fakeAccounts{})
	var out bytes.Buffer
	o.writeErrorFrame(&out, 502, "Connection reset", "dial tcp: connection reset by peer")

	frame := out.String()
	if !strings.HasPrefix(frame, "event: error\n") {
		t.Fatalf("expected an event: error frame, got %q", frame)
	}
	if !strings.Contains(frame, `"status":502`) || !strings.Contains(frame, "Connection reset") {
		t.Fatalf("frame missing expected fields: %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("expected frame to end with a blank line, got %q", frame)
	}
}
