package preparer

import (
	"math/rand"
	"net/http"
	"strings"

	"github.com/relaycore/corerelay/internal/betaheader"
	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
	"github.com/relaycore/corerelay/internal/fingerprint"
)

// stainlessPrefix identifies x-stainless-* headers, handled separately via
// stainless binding rather than generic passthrough.
const stainlessPrefix = "x-stainless-"

var allowedClientHeaders = map[string]bool{
	"x-request-id":      true,
	"anthropic-version": true,
	"anthropic-beta":    true,
}

var droppedSensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"content-type":        true,
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"proxy-authorization": true,
	"content-encoding":    true,
	"transfer-encoding":   true,
}

func isBrowserHeader(lower string) bool {
	switch {
	case lower == "origin", lower == "referer", lower == "pragma",
		lower == "anthropic-dangerous-direct-browser-access":
		return true
	case strings.HasPrefix(lower, "sec-"), strings.HasPrefix(lower, "accept-"):
		return true
	}
	return false
}

// FilterHeaders builds the set of client-supplied headers that are safe to
// consider for the upstream request: drops auth/sensitive/browser headers,
// always keeps the narrow always-keep set, and passes through
// x-stainless-* (handled separately by stainless binding).
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header)
	for key, vals := range original {
		lower := strings.ToLower(key)
		if droppedSensitiveHeaders[lower] {
			continue
		}
		if allowedClientHeaders[lower] || strings.HasPrefix(lower, stainlessPrefix) {
			for _, v := range vals {
				clean.Add(key, v)
			}
			continue
		}
		if isBrowserHeader(lower) {
			continue
		}
	}
	return clean
}

// BaselineHeaders returns the fixed header set every outbound request
// carries before account-specific overrides are applied.
func BaselineHeaders(apiVersion string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", apiVersion)
	h.Set("x-stainless-lang", "js")
	h.Set("anthropic-dangerous-direct-browser-access", "true")
	h.Set("x-app", "cli")
	h.Set("accept-language", "*")
	h.Set("sec-fetch-mode", "cors")
	h.Set("accept-encoding", "gzip, deflate")
	return h
}

// BuildRequestHeaders assembles the final outbound header set for one
// request, per the fixed construction order: baseline → auth → account
// fingerprint (randomized under ban-evasion) → beta header → streaming
// marker.
func BuildRequestHeaders(cfg *config.Config, prepared http.Header, accessToken string, acct *collab.Account, model, clientBeta string, isStreaming, isCountTokens bool, rng *rand.Rand) (http.Header, string) {
	h := BaselineHeaders(cfg.ClaudeAPIVersion)
	for k, vs := range prepared {
		for _, v := range vs {
			h.Add(k, v)
		}
	}

	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")

	if acct != nil && acct.BanMode {
		tuple := fingerprint.Generate(rng)
		h.Set("User-Agent", tuple.UserAgent)
		h.Set("x-stainless-package-version", tuple.PackageVersion)
		h.Set("x-stainless-os", tuple.OS)
		h.Set("x-stainless-arch", tuple.Arch)
		h.Set("x-stainless-runtime", tuple.Runtime)
		h.Set("x-stainless-runtime-version", tuple.RuntimeVersion)
	} else if acct != nil && acct.UseUnifiedUserAgent && acct.CapturedUserAgent != "" {
		h.Set("User-Agent", acct.CapturedUserAgent)
	}

	if isStreaming {
		h.Set("x-stainless-helper-method", "stream")
	}

	betaValue := betaheader.Select(model, cfg.ClaudeBetaHeader, clientBeta, isCountTokens)
	if betaValue != "" {
		h.Set("anthropic-beta", betaValue)
	}

	return h, betaValue
}

// RequestPath computes the final request path for a prepared request,
// appending ?beta=true when a beta header is set and rewriting to the
// count_tokens variant when requested.
func RequestPath(isCountTokens bool, betaValue string) string {
	path := "/v1/messages"
	if isCountTokens {
		path = "/v1/messages/count_tokens"
	}
	if betaValue != "" {
		path += "?beta=true"
	}
	return path
}
