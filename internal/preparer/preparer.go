// Package preparer normalizes an inbound request body and computes the
// final outbound header set: model-variant splitting, security-boilerplate
// stripping, max_tokens clamping against a pricing table, cache_control TTL
// enforcement, Claude-Code system-prompt injection, unified client-id
// rewriting, and thinking-mode configuration.
package preparer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
	"github.com/relaycore/corerelay/internal/sigcache"
)

// claudeCodeSystemPrompt is the fixed block injected ahead of any request
// that the Validator collaborator does not recognize as a genuine Claude
// Code client.
const claudeCodeSystemPrompt = "You are a Claude agent, built on Anthropic's Claude Agent SDK."

// securityBoilerplateSubstring is stripped verbatim from the second system
// block when present — a fixed defensive-security notice some clients echo
// back that the relay does not want forwarded twice.
const securityBoilerplateSubstring = "IMPORTANT: Assist with defensive security tasks only."

const systemReminderSuffix = "<system-reminder>"

var variantSuffixes = map[string]bool{"thinking": true}

var unifiedUserIDPattern = regexp.MustCompile(`^user_[a-f0-9]{64}(_account__session_[a-f0-9-]{36})$`)

// Preparer holds the collaborators and static config the body/header
// transform needs. One instance is shared across requests.
type Preparer struct {
	cfg       *config.Config
	pricing   collab.PricingTable
	validator collab.Validator
	kv        collab.KV
	sigs      *sigcache.Cache
}

// New builds a Preparer.
func New(cfg *config.Config, pricing collab.PricingTable, validator collab.Validator, kv collab.KV, sigs *sigcache.Cache) *Preparer {
	return &Preparer{cfg: cfg, pricing: pricing, validator: validator, kv: kv, sigs: sigs}
}

// Result is the outcome of preparing one request.
type Result struct {
	Body        map[string]any
	Headers     http.Header
	SessionHash string
	Variant     string
	IsOpus      bool
}

// Prepare runs the full body/header transform. If isCountTokens is true the
// body is left unchanged (per the vendor's count_tokens contract) but
// headers and the session hash are still computed.
func (p *Preparer) Prepare(ctx context.Context, body map[string]any, clientHeaders http.Header, acct *collab.Account, isCountTokens bool) (*Result, error) {
	working, err := deepCopy(body)
	if err != nil {
		return nil, fmt.Errorf("deep-copy body: %w", err)
	}

	sessionHash := computeSessionHashFromBody(working)

	var variant string
	if !isCountTokens {
		if p.sigs != nil {
			restoreSignatures(working, p.sigs, sessionHash)
		}
		variant = p.transformBody(ctx, working, acct)
	}

	headers := FilterHeaders(clientHeaders)
	RemoveAllStainless(headers)
	if p.kv != nil {
		BindStainlessHeaders(ctx, p.kv, acct.ID, clientHeaders, headers)
	}

	model, _ := working["model"].(string)

	return &Result{
		Body:        working,
		Headers:     headers,
		SessionHash: sessionHash,
		Variant:     variant,
		IsOpus:      strings.Contains(strings.ToLower(model), "opus"),
	}, nil
}

// StoreSignature caches a thinking-block signature observed on a completed
// streaming response, for replay on that session's next turn. A no-op if
// no signature cache was configured.
func (p *Preparer) StoreSignature(sessionHash, thinkingText, signature string) {
	if p.sigs == nil {
		return
	}
	p.sigs.Store(sessionHash, thinkingText, signature)
}

func (p *Preparer) transformBody(ctx context.Context, body map[string]any, acct *collab.Account) string {
	variant := splitModelVariant(body)

	stripSecurityBoilerplate(body)
	stripToolResultReminders(body)

	p.clampMaxTokens(body)

	enforceCacheControl(body, p.cfg.MaxCacheControls)

	p.injectClaudeCodePrompt(ctx, body)

	if p.cfg.SystemPrompt != "" {
		appendOperatorSystemPrompt(body, p.cfg.SystemPrompt)
	}

	pruneEmptySystem(body)

	delete(body, "top_p")

	if acct != nil && acct.UseUnifiedClientID {
		rewriteUnifiedUserID(body, acct)
	}

	if variant == "thinking" {
		applyThinkingVariant(body)
	}

	return variant
}

func splitModelVariant(body map[string]any) string {
	model, ok := body["model"].(string)
	if !ok {
		return ""
	}
	idx := strings.LastIndex(model, ":")
	if idx < 0 {
		return ""
	}
	base, variant := model[:idx], model[idx+1:]
	if !variantSuffixes[variant] {
		return ""
	}
	body["model"] = base
	return variant
}

func stripSecurityBoilerplate(body map[string]any) {
	list, ok := body["system"].([]any)
	if !ok || len(list) < 2 {
		return
	}
	block, ok := list[1].(map[string]any)
	if !ok {
		return
	}
	text, ok := block["text"].(string)
	if !ok {
		return
	}
	block["text"] = strings.ReplaceAll(text, securityBoilerplateSubstring, "")
}

func stripToolResultReminders(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			block, ok := c.(map[string]any)
			if !ok || block["type"] != "tool_result" {
				continue
			}
			text, ok := block["content"].(string)
			if !ok {
				continue
			}
			if idx := strings.LastIndex(text, systemReminderSuffix); idx >= 0 {
				if strings.HasSuffix(text, "</system-reminder>\n") {
					block["content"] = text[:idx]
				}
			}
		}
	}
}

func (p *Preparer) clampMaxTokens(body map[string]any) {
	model, _ := body["model"].(string)
	if model == "" || p.pricing == nil {
		return
	}
	pricing, ok := p.pricing.Lookup(model)
	if !ok {
		return
	}
	limit := pricing.MaxTokens
	if pricing.MaxOutputTokens > 0 {
		limit = pricing.MaxOutputTokens
	}
	if limit <= 0 {
		return
	}
	maxTokens, ok := asInt(body["max_tokens"])
	if !ok || maxTokens <= limit {
		return
	}
	body["max_tokens"] = limit
}

func (p *Preparer) injectClaudeCodePrompt(ctx context.Context, body map[string]any) {
	if p.validator != nil {
		isReal := p.validator.Validate(ctx, collab.ValidatorRequest{Body: body})
		if isReal {
			return
		}
	}
	body["system"] = injectPrompt(body["system"])
}

func injectPrompt(system any) any {
	ccBlock := map[string]any{
		"type": "text",
		"text": claudeCodeSystemPrompt,
		"cache_control": map[string]any{
			"type": "ephemeral",
		},
	}

	switch s := system.(type) {
	case nil:
		return []any{ccBlock}
	case string:
		if s == "" || strings.TrimSpace(s) == claudeCodeSystemPrompt {
			return []any{ccBlock}
		}
		return []any{ccBlock, map[string]any{"type": "text", "text": s}}
	case []any:
		if len(s) > 0 {
			if m, ok := s[0].(map[string]any); ok {
				if text, _ := m["text"].(string); text == claudeCodeSystemPrompt {
					return s
				}
			}
		}
		filtered := make([]any, 0, len(s)+1)
		filtered = append(filtered, ccBlock)
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, _ := m["text"].(string); text == claudeCodeSystemPrompt {
					continue
				}
			}
			filtered = append(filtered, entry)
		}
		return filtered
	default:
		return []any{ccBlock}
	}
}

func appendOperatorSystemPrompt(body map[string]any, prompt string) {
	list, ok := body["system"].([]any)
	if !ok {
		return
	}
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			if text, _ := m["text"].(string); text == prompt {
				return
			}
		}
	}
	body["system"] = append(list, map[string]any{"type": "text", "text": prompt})
}

func pruneEmptySystem(body map[string]any) {
	list, ok := body["system"].([]any)
	if !ok {
		return
	}
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			if text, _ := m["text"].(string); strings.TrimSpace(text) != "" {
				return
			}
		}
	}
	delete(body, "system")
}

func rewriteUnifiedUserID(body map[string]any, acct *collab.Account) {
	metadata, ok := body["metadata"].(map[string]any)
	if !ok {
		metadata = make(map[string]any)
		body["metadata"] = metadata
	}
	existing, _ := metadata["user_id"].(string)
	if existing == "" {
		metadata["user_id"] = fmt.Sprintf("user_%s_account__session_%s", acct.UnifiedClientID, uuid.NewString())
		return
	}
	if m := unifiedUserIDPattern.FindStringSubmatch(existing); len(m) == 2 {
		metadata["user_id"] = "user_" + acct.UnifiedClientID + m[1]
	}
}

// restoreSignatures splices cached signatures back into thinking content
// blocks that arrive without one. Claude Code strips the signature field
// off thinking blocks before re-sending a transcript, but the vendor API
// needs it for conversation continuity under extended thinking.
func restoreSignatures(body map[string]any, sigs *sigcache.Cache, sessionHash string) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			block, ok := c.(map[string]any)
			if !ok || block["type"] != "thinking" {
				continue
			}
			if sig, _ := block["signature"].(string); sig != "" {
				continue
			}
			text, _ := block["thinking"].(string)
			if text == "" {
				continue
			}
			if sig := sigs.Lookup(sessionHash, text); sig != "" {
				block["signature"] = sig
			}
		}
	}
}

func applyThinkingVariant(body map[string]any) {
	budget := 31999
	if maxTokens, ok := asInt(body["max_tokens"]); ok && maxTokens > 1 {
		budget = maxTokens - 1
	}
	body["thinking"] = map[string]any{
		"type":          "enabled",
		"budget_tokens": budget,
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func deepCopy(body map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Cache-control enforcement ---

func enforceCacheControl(body map[string]any, maxBlocks int) {
	if maxBlocks <= 0 {
		maxBlocks = 4
	}
	total := stripTTLAndCount(body["system"])
	total += stripTTLAndCount(body["messages"])

	if total <= maxBlocks {
		return
	}
	excess := total - maxBlocks
	excess = removeCacheControls(body["messages"], excess)
	if excess > 0 {
		removeCacheControls(body["system"], excess)
	}
}

func stripTTLAndCount(v any) int {
	count := 0
	walkContentBlocks(v, func(block map[string]any) {
		cc, ok := block["cache_control"]
		if !ok {
			return
		}
		count++
		if ccMap, ok := cc.(map[string]any); ok {
			delete(ccMap, "ttl")
		}
	})
	return count
}

func removeCacheControls(v any, toRemove int) int {
	if toRemove <= 0 {
		return 0
	}
	removed := 0
	walkContentBlocks(v, func(block map[string]any) {
		if removed >= toRemove {
			return
		}
		if _, ok := block["cache_control"]; ok {
			delete(block, "cache_control")
			removed++
		}
	})
	return toRemove - removed
}

func walkContentBlocks(v any, fn func(map[string]any)) {
	switch s := v.(type) {
	case []any:
		for _, item := range s {
			if m, ok := item.(map[string]any); ok {
				fn(m)
				if content, ok := m["content"]; ok {
					walkContentBlocks(content, fn)
				}
			}
		}
	}
}

// --- Session hash ---

// ComputeSessionHash derives the sticky-session hash from a request body
// ahead of any preparation, for the orchestrator's initial account
// selection (spec step 1, before prepareBody runs).
func ComputeSessionHash(body map[string]any) string {
	return computeSessionHashFromBody(body)
}

func computeSessionHashFromBody(body map[string]any) string {
	var userID, systemPrompt, firstMsg string

	if metadata, ok := body["metadata"].(map[string]any); ok {
		userID, _ = metadata["user_id"].(string)
	}
	switch sys := body["system"].(type) {
	case string:
		systemPrompt = sys
	case []any:
		if len(sys) > 0 {
			if m, ok := sys[0].(map[string]any); ok {
				systemPrompt, _ = m["text"].(string)
			}
		}
	}
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[0].(map[string]any); ok {
			if content, ok := m["content"].(string); ok {
				firstMsg = content
			}
		}
	}

	return computeSessionHash(userID, systemPrompt, firstMsg)
}

func computeSessionHash(userID, systemPrompt, firstMessage string) string {
	if idx := strings.LastIndex(userID, "session_"); idx >= 0 {
		session := userID[idx:]
		h := sha256.Sum256([]byte("session:" + session))
		return hex.EncodeToString(h[:16])
	}
	if systemPrompt != "" {
		return prefixHash("system:", systemPrompt)
	}
	if firstMessage != "" {
		return prefixHash("msg:", firstMessage)
	}
	return ""
}

func prefixHash(tag, s string) string {
	end := len(s)
	if end > 200 {
		end = 200
	}
	h := sha256.Sum256([]byte(tag + s[:end]))
	return hex.EncodeToString(h[:16])
}
