package memcollab

import (
	"context"
	"strings"

	"github.com/relaycore/corerelay/internal/collab"
)

// knownClaudeCodePrompts are substrings of system prompts the real Claude
// Code CLI (and its built-in subagents) are known to send.
var knownClaudeCodePrompts = []string{
	"You are Claude Code, Anthropic's official CLI for Claude.",
	"You are an interactive agent that helps users with software engineering tasks",
	"You are an interactive CLI tool that helps users",
	"You are a fast file search and codebase exploration specialist",
	"You are a concise, helpful assistant that provides brief, direct answers",
}

// PromptValidator recognizes a genuine Claude Code request by matching its
// system prompt against known templates. A request whose client spoofs
// Claude Code's headers but sends a foreign system prompt is not
// recognized, and preparer injects the synthetic prompt instead.
type PromptValidator struct{}

// Validate implements collab.Validator.
func (PromptValidator) Validate(ctx context.Context, req collab.ValidatorRequest) bool {
	return matchesKnownPrompt(req.Body["system"])
}

func matchesKnownPrompt(system any) bool {
	switch s := system.(type) {
	case string:
		return containsKnownPrompt(s)
	case []any:
		for _, entry := range s {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok && containsKnownPrompt(text) {
				return true
			}
		}
	}
	return false
}

func containsKnownPrompt(text string) bool {
	normalized := normalizeWhitespace(text)
	for _, tpl := range knownClaudeCodePrompts {
		if strings.Contains(normalized, normalizeWhitespace(tpl)) {
			return true
		}
	}
	return false
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
