// Package relay is the orchestrator: it drives one request end to end —
// select account, prepare body and headers, dispatch over transport,
// classify the response, and emit a usage record — for both the
// non-streaming and the streaming entry points.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
	"github.com/relaycore/corerelay/internal/events"
	"github.com/relaycore/corerelay/internal/health"
	"github.com/relaycore/corerelay/internal/preparer"
	"github.com/relaycore/corerelay/internal/proxyagent"
	"github.com/relaycore/corerelay/internal/relayerr"
	"github.com/relaycore/corerelay/internal/transport"
)

// Orchestrator owns everything one relayed request touches, per the fixed
// data flow: scheduler(select) -> preparer(body,headers) -> transport(HTTP/2)
// -> health controller(classify) -> usage emission.
type Orchestrator struct {
	cfg         *config.Config
	scheduler   collab.Scheduler
	accounts    collab.AccountService
	preparer    *preparer.Preparer
	transport   *transport.Manager
	health      *health.Controller
	bus         *events.Bus
	proxyAgents *proxyagent.Factory

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an Orchestrator from its collaborators. proxyAgents resolves
// and caches every account's proxy descriptor before it ever reaches
// transport — a nil proxyAgents is only valid when no account in the pool
// ever carries a Proxy.
func New(cfg *config.Config, scheduler collab.Scheduler, accounts collab.AccountService, prep *preparer.Preparer, tp *transport.Manager, h *health.Controller, bus *events.Bus, proxyAgents *proxyagent.Factory, rng *rand.Rand) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		scheduler:   scheduler,
		accounts:    accounts,
		preparer:    prep,
		transport:   tp,
		health:      h,
		bus:         bus,
		proxyAgents: proxyAgents,
		rng:         rng,
	}
}

// Result is the outcome of a non-streaming relayed request.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	AccountID  string
	Usage      collab.UsageRecord
}

// selection bundles the account-routing decisions steps 1-6 make, shared by
// both RelayRequest and RelayStreamRequestWithUsageCapture.
type selection struct {
	accountID   string
	accountType string
	accessToken string
	account     *collab.Account
	proxy       *collab.ProxyDescriptor
	preferIPv4  bool
	prepared    *preparer.Result
	url         string
}

func (o *Orchestrator) selectAndPrepare(ctx context.Context, body map[string]any, apiKey string, clientHeaders http.Header, isCountTokens, isStreaming bool) (*selection, error) {
	model, _ := body["model"].(string)
	preHash := preparer.ComputeSessionHash(body)

	sel, err := o.scheduler.SelectAccountForAPIKey(ctx, apiKey, preHash, model)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}

	accessToken, err := o.accounts.GetValidAccessToken(ctx, sel.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	acct, err := o.accounts.GetAccount(ctx, sel.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	resolvedProxy, preferIPv4, err := o.resolveProxy(acct)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy: %w", err)
	}

	prepared, err := o.preparer.Prepare(ctx, body, clientHeaders, acct, isCountTokens)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}

	clientBeta := clientHeaders.Get("anthropic-beta")
	preparedModel, _ := prepared.Body["model"].(string)

	o.rngMu.Lock()
	headers, betaValue := preparer.BuildRequestHeaders(o.cfg, prepared.Headers, accessToken, acct, preparedModel, clientBeta, isStreaming, isCountTokens, o.rng)
	o.rngMu.Unlock()
	prepared.Headers = headers

	return &selection{
		accountID:   sel.AccountID,
		accountType: sel.AccountType,
		accessToken: accessToken,
		account:     acct,
		proxy:       resolvedProxy,
		preferIPv4:  preferIPv4,
		prepared:    prepared,
		url:         upstreamURL(o.cfg, isCountTokens, betaValue),
	}, nil
}

// resolveProxy runs an account's proxy descriptor through the shared
// proxyagent.Factory — the single point that rejects a malformed descriptor
// (missing fields, bad type, out-of-range port) and returns the one cached
// *collab.ProxyDescriptor instance for its type://host:port:user tuple, so
// transport never dispatches against a raw, unvalidated descriptor.
func (o *Orchestrator) resolveProxy(acct *collab.Account) (*collab.ProxyDescriptor, bool, error) {
	if acct == nil || acct.Proxy == nil {
		preferIPv4 := true
		if o.proxyAgents != nil {
			preferIPv4 = o.proxyAgents.PreferIPv4(nil)
		}
		return nil, preferIPv4, nil
	}
	if o.proxyAgents == nil {
		return nil, true, fmt.Errorf("account %s carries a proxy descriptor but no proxy agent factory is configured", acct.ID)
	}
	resolved, err := o.proxyAgents.Parse(*acct.Proxy)
	if err != nil {
		return nil, false, err
	}
	return resolved, o.proxyAgents.PreferIPv4(nil), nil
}

func upstreamURL(cfg *config.Config, isCountTokens bool, betaValue string) string {
	url := cfg.ClaudeAPIURL
	if isCountTokens {
		url += "/count_tokens"
	}
	if betaValue != "" {
		url += "?beta=true"
	}
	return url
}

// RelayRequest is the non-streaming entry point: it dispatches a single
// buffered request and returns the fully collected upstream response.
func (o *Orchestrator) RelayRequest(ctx context.Context, body map[string]any, apiKey string, clientHeaders http.Header, isCountTokens bool) (*Result, error) {
	if !isCountTokens && preparer.IsWarmupRequest(body) {
		return o.warmupResult(body), nil
	}

	sel, err := o.selectAndPrepare(ctx, body, apiKey, clientHeaders, isCountTokens, false)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(sel.prepared.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal prepared body: %w", err)
	}

	resp, err := o.transport.Request(ctx, sel.url, transport.Options{
		Method:     http.MethodPost,
		Headers:    sel.prepared.Headers,
		Body:       payload,
		Proxy:      sel.proxy,
		PreferIPv4: sel.preferIPv4,
		Timeout:    o.cfg.RequestTimeout,
	})
	if err != nil {
		o.health.SynthesizeConnectionTimeout(ctx, sel.accountID)
		status, msg := relayerr.Classify(err)
		o.publish(events.KindRequest, sel.accountID, sel.prepared.SessionHash, fmt.Sprintf("%s%s", msg, proxyLogSuffix(sel.proxy)))
		return nil, fmt.Errorf("upstream request failed (status %d): %w", status, err)
	}

	o.health.Classify(ctx, sel.accountID, sel.accountType, sel.prepared.SessionHash, resp.StatusCode, resp.Headers, resp.Body, sel.prepared.IsOpus)

	usage := extractUsage(resp.Body)
	usage.AccountID = sel.accountID
	o.publish(events.KindRequest, sel.accountID, sel.prepared.SessionHash, fmt.Sprintf("status=%d", resp.StatusCode))

	return &Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		AccountID:  sel.accountID,
		Usage:      usage,
	}, nil
}

// warmupResult answers a synthetic keep-alive ping (see preparer.
// IsWarmupRequest) without ever calling the scheduler, so it never occupies
// an account's concurrency slot or counts against its rate limit.
func (o *Orchestrator) warmupResult(body map[string]any) *Result {
	model, _ := body["model"].(string)
	respBody, err := json.Marshal(map[string]any{
		"id":            preparer.WarmupMessageID(),
		"type":          "message",
		"role":          "assistant",
		"content":       []map[string]string{{"type": "text", "text": "OK"}},
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": 5, "output_tokens": 1},
	})
	if err != nil {
		respBody = []byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"OK"}]}`)
	}

	o.publish(events.KindRequest, "", "", "warmup request answered without account selection")

	return &Result{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       respBody,
		Usage:      collab.UsageRecord{Model: model, InputTokens: 5, OutputTokens: 1},
	}
}

// proxyLogSuffix renders the proxy a failed connection went through for an
// event-bus message, with credentials masked via proxyagent.MaskCredentials
// — host/port are useful for an operator diagnosing a dead egress, the
// username/password are not.
func proxyLogSuffix(p *collab.ProxyDescriptor) string {
	if p == nil {
		return ""
	}
	maskedUser, _ := proxyagent.MaskCredentials(p.Username, p.Password)
	if maskedUser == "" {
		return fmt.Sprintf(" (via %s://%s:%d)", p.Type, p.Host, p.Port)
	}
	return fmt.Sprintf(" (via %s://%s@%s:%d)", p.Type, maskedUser, p.Host, p.Port)
}

func (o *Orchestrator) publish(kind events.Kind, accountID, sessionID, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Kind: kind, AccountID: accountID, SessionID: sessionID, Message: message})
}

// extractUsage reads the vendor's usage object from a non-streaming
// response body, falling back to a character-length/4 estimate when the
// field is absent (spec's fallback for malformed or truncated bodies).
func extractUsage(body []byte) collab.UsageRecord {
	var resp struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreation            struct {
				Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
				Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
			} `json:"cache_creation"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && (resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0) {
		return collab.UsageRecord{
			Model:                    resp.Model,
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreation: &collab.CacheCreationBreakdown{
				Ephemeral5mInputTokens: resp.Usage.CacheCreation.Ephemeral5mInputTokens,
				Ephemeral1hInputTokens: resp.Usage.CacheCreation.Ephemeral1hInputTokens,
			},
		}
	}
	return collab.UsageRecord{
		Model:        resp.Model,
		OutputTokens: estimateTokens(body),
	}
}

// estimateTokens is the documented fallback: character length divided by 4.
func estimateTokens(body []byte) int {
	n := len(strings.TrimSpace(string(body))) / 4
	if n < 0 {
		return 0
	}
	return n
}
