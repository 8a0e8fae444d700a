// Package health implements the account health state machine: it records
// 401/5xx/timeout counters with TTL in the KV store and escalates accounts
// to unauthorized/blocked/overloaded/rate-limited via the Scheduler and
// AccountService collaborators. Exactly one branch fires per non-2xx
// response, and every flag clears on the next 2xx.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

const (
	unauthorizedErrorsKey = "401_errors"
	unauthorizedWindow     = 5 * time.Minute
	unauthorizedThreshold  = 1

	serverErrorThreshold = 3

	rateLimitBodyMarker = "exceed your account's rate limit"
)

// banSignalPattern distinguishes a hard ban from a transient 403: phrasing
// vendors use when permanently disabling an account rather than merely
// rejecting one request.
var banSignalPattern = regexp.MustCompile(`(?i)(organization has been disabled|account has been disabled|too many active sessions|only authorized for use with claude code)`)

// Controller classifies upstream responses and drives collaborator
// escalation/recovery calls. One Controller is shared process-wide.
type Controller struct {
	kv        collab.KV
	scheduler collab.Scheduler
	accounts  collab.AccountService

	overloadTTL time.Duration // zero disables the 529→overloaded mark entirely
}

// New builds a Controller. overloadMinutes is read from configuration
// (overloadHandling.enabled); zero disables marking accounts overloaded.
func New(kv collab.KV, scheduler collab.Scheduler, accounts collab.AccountService, overloadMinutes int) *Controller {
	return &Controller{
		kv:          kv,
		scheduler:   scheduler,
		accounts:    accounts,
		overloadTTL: time.Duration(overloadMinutes) * time.Minute,
	}
}

// Classify runs the single branch appropriate to a non-2xx response, or the
// recovery path for a 2xx. accountType and sessionHash are passed through to
// the scheduler as-is (sessionHash may be empty for non-sticky requests).
func (c *Controller) Classify(ctx context.Context, accountID, accountType, sessionHash string, statusCode int, headers http.Header, body []byte, isOpusRequest bool) {
	if statusCode >= 200 && statusCode < 300 {
		c.onSuccess(ctx, accountID, headers)
		return
	}

	bodyStr := string(body)

	switch {
	case statusCode == 401:
		c.onUnauthorized(ctx, accountID, accountType, sessionHash)
	case statusCode == 529:
		c.onOverloaded(ctx, accountID)
	case statusCode == 429 || strings.Contains(strings.ToLower(bodyStr), rateLimitBodyMarker):
		c.onRateLimited(ctx, accountID, accountType, sessionHash, headers, isOpusRequest)
	case statusCode == 403:
		c.onBlocked(ctx, accountID, accountType, sessionHash, bodyStr)
	case statusCode >= 500 && statusCode < 600:
		c.onServerError(ctx, accountID)
	}
}

// SynthesizeConnectionTimeout records the same server-error counter a 504
// would, for a connection-level timeout that never reached the vendor.
func (c *Controller) SynthesizeConnectionTimeout(ctx context.Context, accountID string) {
	c.onServerError(ctx, accountID)
}

func (c *Controller) onSuccess(ctx context.Context, accountID string, headers http.Header) {
	if err := c.kv.Del(ctx, key(unauthorizedErrorsKey, accountID)); err != nil {
		slog.Warn("health: clear 401 counter failed", "accountId", accountID, "error", err)
	}
	if err := c.accounts.ClearInternalErrors(ctx, accountID); err != nil {
		slog.Warn("health: clear internal errors failed", "accountId", accountID, "error", err)
	}

	if limited, err := c.accounts.IsAccountOverloaded(ctx, accountID); err == nil && limited {
		if err := c.accounts.RemoveAccountOverload(ctx, accountID); err != nil {
			slog.Warn("health: remove overload failed", "accountId", accountID, "error", err)
		}
	}

	status := headerLookup(headers, "anthropic-ratelimit-unified-5h-status")
	if status != "" {
		if err := c.accounts.UpdateSessionWindowStatus(ctx, accountID, status); err != nil {
			slog.Warn("health: update session window status failed", "accountId", accountID, "error", err)
		}
	}
}

func (c *Controller) onUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) {
	k := key(unauthorizedErrorsKey, accountID)
	count, err := c.kv.Incr(ctx, k)
	if err != nil {
		slog.Error("health: incr 401 counter failed", "accountId", accountID, "error", err)
		return
	}
	if err := c.kv.Expire(ctx, k, unauthorizedWindow); err != nil {
		slog.Warn("health: expire 401 counter failed", "accountId", accountID, "error", err)
	}

	if count >= unauthorizedThreshold {
		if err := c.scheduler.MarkAccountUnauthorized(ctx, accountID, accountType, sessionHash); err != nil {
			slog.Error("health: mark unauthorized failed", "accountId", accountID, "error", err)
		}
	}
}

func (c *Controller) onServerError(ctx context.Context, accountID string) {
	if err := c.accounts.RecordServerError(ctx, accountID); err != nil {
		slog.Error("health: record server error failed", "accountId", accountID, "error", err)
		return
	}
	count, err := c.accounts.GetServerErrorCount(ctx, accountID)
	if err != nil {
		return
	}
	if count >= serverErrorThreshold {
		slog.Warn("health: server error threshold reached, operator investigation needed", "accountId", accountID, "count", count)
	}
}

func (c *Controller) onOverloaded(ctx context.Context, accountID string) {
	if c.overloadTTL <= 0 {
		return
	}
	if err := c.accounts.MarkAccountOverloaded(ctx, accountID, c.overloadTTL); err != nil {
		slog.Error("health: mark overloaded failed", "accountId", accountID, "error", err)
	}
}

func (c *Controller) onRateLimited(ctx context.Context, accountID, accountType, sessionHash string, headers http.Header, isOpusRequest bool) {
	var resetAt *int64
	if raw := headerLookup(headers, "anthropic-ratelimit-unified-reset"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resetAt = &v
		}
	}
	if err := c.scheduler.MarkAccountRateLimited(ctx, accountID, accountType, sessionHash, resetAt); err != nil {
		slog.Error("health: mark rate limited failed", "accountId", accountID, "error", err)
	}

	// Opus-specific tracking: a 429 on an Opus-model request shouldn't pull
	// the account out of rotation for cheaper models, so it is tracked in a
	// separate KV key rather than folded into the account-wide flag above.
	if isOpusRequest {
		ttl := 1 * time.Hour
		if resetAt != nil {
			if until := time.Until(time.Unix(*resetAt, 0)); until > 0 {
				ttl = until
			}
		}
		if err := c.kv.SetEx(ctx, opusRateLimitKey(accountID), "1", ttl); err != nil {
			slog.Warn("health: mark opus rate limited failed", "accountId", accountID, "error", err)
		}
	}
}

// IsOpusRateLimited reports whether accountID currently carries the
// Opus-specific rate-limit flag, independent of the account-wide flag owned
// by the scheduler.
func (c *Controller) IsOpusRateLimited(ctx context.Context, accountID string) (bool, error) {
	_, ok, err := c.kv.Get(ctx, opusRateLimitKey(accountID))
	return ok, err
}

func opusRateLimitKey(accountID string) string {
	return "opus_rate_limited:" + accountID
}

func (c *Controller) onBlocked(ctx context.Context, accountID, accountType, sessionHash, bodyStr string) {
	if banSignalPattern.MatchString(bodyStr) {
		slog.Error("health: ban signal detected in 403 body", "accountId", accountID)
	}
	if err := c.scheduler.MarkAccountBlocked(ctx, accountID, accountType, sessionHash); err != nil {
		slog.Error("health: mark blocked failed", "accountId", accountID, "error", err)
	}
}

func key(prefix, accountID string) string {
	return prefix + ":" + accountID
}

func headerLookup(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
