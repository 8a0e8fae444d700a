// Package collab defines the narrow interfaces through which the relay core
// talks to everything that spec.md §1 calls "out of scope": the persistent
// account/session scheduler, the OAuth-backed account service, the KV store,
// and the Claude-Code request validator. The core never reaches around these
// interfaces into a concrete store or scheduler implementation.
package collab

import (
	"context"
	"net/http"
	"time"
)

// ProxyDescriptor mirrors an account's optional upstream proxy configuration.
type ProxyDescriptor struct {
	Type     string // socks5, http, https
	Host     string
	Port     int
	Username string
	Password string
}

// Account is the subset of account state the relay core reads. Everything
// else (OAuth tokens, billing, admin metadata) lives behind AccountService.
type Account struct {
	ID          string
	Name        string
	IsActive    bool
	Status      string
	Proxy       *ProxyDescriptor
	BanMode     bool
	ExtInfo     map[string]any

	UseUnifiedClientID bool
	UnifiedClientID    string // 64 hex chars

	UseUnifiedUserAgent bool
	CapturedUserAgent   string
}

// AccountSelection is returned by Scheduler.SelectAccountForAPIKey.
type AccountSelection struct {
	AccountID   string
	AccountType string
}

// CacheCreationBreakdown is the nested cache_creation usage object Anthropic
// reports alongside top-level cache_creation_input_tokens.
type CacheCreationBreakdown struct {
	Ephemeral5mInputTokens int
	Ephemeral1hInputTokens int
}

// UsageRecord is the per-request accounting record emitted once a request
// (streaming or not) has completed.
type UsageRecord struct {
	Model                     string
	InputTokens               int
	OutputTokens              int
	CacheCreationInputTokens  int
	CacheReadInputTokens      int
	CacheCreation             *CacheCreationBreakdown
	AccountID                 string
}

// Scheduler owns sticky-session routing and the account pool's
// eviction/ranking policy. The core only ever selects through it and reports
// outcomes back to it; it never inspects or mutates the pool directly.
type Scheduler interface {
	SelectAccountForAPIKey(ctx context.Context, apiKey, sessionHash, model string) (AccountSelection, error)

	MarkAccountRateLimited(ctx context.Context, accountID, accountType, sessionHash string, resetAt *int64) error
	MarkAccountBlocked(ctx context.Context, accountID, accountType, sessionHash string) error
	MarkAccountUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) error

	IsAccountRateLimited(ctx context.Context, accountID, accountType string) (bool, error)
	RemoveAccountRateLimit(ctx context.Context, accountID, accountType string) error
}

// AccountService fronts OAuth token refresh and account metadata. It owns no
// request-routing policy.
type AccountService interface {
	GetValidAccessToken(ctx context.Context, accountID string) (string, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetAllAccounts(ctx context.Context) ([]*Account, error)

	MarkAccountOverloaded(ctx context.Context, accountID string, ttl time.Duration) error
	RemoveAccountOverload(ctx context.Context, accountID string) error
	IsAccountOverloaded(ctx context.Context, accountID string) (bool, error)

	RecordServerError(ctx context.Context, accountID string) error
	GetServerErrorCount(ctx context.Context, accountID string) (int, error)
	ClearInternalErrors(ctx context.Context, accountID string) error

	UpdateSessionWindowStatus(ctx context.Context, accountID, status string) error
}

// KV is the narrow key-value contract spec.md §6 asks of the persistent
// store: atomic increment, TTL, and simple get/set/del. Readers must treat a
// missing key as zero/absent rather than an error.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Del(ctx context.Context, key string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
}

// ValidatorRequest is the input to a Claude-Code authenticity check.
type ValidatorRequest struct {
	Headers http.Header
	Body    map[string]any
	Path    string
}

// Validator decides whether an inbound request genuinely originated from the
// real Claude Code CLI (as opposed to a third-party client impersonating
// it), which gates the system-prompt injection in preparer.
type Validator interface {
	Validate(ctx context.Context, req ValidatorRequest) bool
}

// ModelPricing is the subset of a pricing-table row the preparer needs to
// clamp max_tokens.
type ModelPricing struct {
	MaxTokens       int
	MaxOutputTokens int
}

// PricingTable looks up per-model limits by full model name (no :variant
// suffix stripped — callers strip that first).
type PricingTable interface {
	Lookup(model string) (ModelPricing, bool)
}
