// Package memcollab is a minimal, non-production in-memory implementation
// of the collab interfaces (Scheduler, AccountService, Validator), for
// tests and the cmd/relaycore demo binary. A real deployment's scheduler,
// account service, and validator live in their own services, entirely
// outside this module.
package memcollab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

type entry struct {
	account *collab.Account

	overloadedUntil      time.Time
	rateLimitedUntil      time.Time
	opusRateLimitedUntil time.Time
	blocked              bool
	unauthorized         bool
	serverErrorCount     int
	sessionWindowStatus  string
	lastUsed             time.Time
}

// Store is a single in-memory pool playing both the Scheduler and
// AccountService roles, the way the teacher's account+scheduler packages
// are tightly coupled in practice even though they're separate interfaces
// here.
type Store struct {
	mu        sync.Mutex
	accounts  map[string]*entry
	sticky    map[string]string
	stickyTTL time.Duration
}

// New seeds a Store with the given accounts. stickyTTL of zero defaults to
// one hour, matching the teacher's sticky-session TTL order of magnitude.
func New(accounts []*collab.Account, stickyTTL time.Duration) *Store {
	if stickyTTL <= 0 {
		stickyTTL = time.Hour
	}
	m := make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		m[a.ID] = &entry{account: a}
	}
	return &Store{accounts: m, sticky: make(map[string]string), stickyTTL: stickyTTL}
}

// --- collab.Scheduler ---

// SelectAccountForAPIKey picks an account for apiKey/sessionHash/model:
// apiKey resolves directly to an account ID if one exists (standing in for
// the real deployment's API-key-to-account binding), then sticky session,
// then a least-recently-used pick among available accounts.
func (s *Store) SelectAccountForAPIKey(ctx context.Context, apiKey, sessionHash, model string) (collab.AccountSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isOpus := isOpusModel(model)

	if e, ok := s.accounts[apiKey]; ok {
		if s.isAvailableLocked(e, isOpus) {
			return s.bindLocked(e, sessionHash), nil
		}
		return collab.AccountSelection{}, fmt.Errorf("bound account %s unavailable", apiKey)
	}

	if sessionHash != "" {
		if accountID, ok := s.sticky[sessionHash]; ok {
			if e, ok := s.accounts[accountID]; ok && s.isAvailableLocked(e, isOpus) {
				return s.bindLocked(e, sessionHash), nil
			}
		}
	}

	var candidates []*entry
	for _, e := range s.accounts {
		if s.isAvailableLocked(e, isOpus) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return collab.AccountSelection{}, fmt.Errorf("no available accounts")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed.Before(candidates[j].lastUsed) })

	return s.bindLocked(candidates[0], sessionHash), nil
}

func (s *Store) bindLocked(e *entry, sessionHash string) collab.AccountSelection {
	e.lastUsed = time.Now()
	if sessionHash != "" {
		s.sticky[sessionHash] = e.account.ID
	}
	return collab.AccountSelection{AccountID: e.account.ID, AccountType: e.account.Status}
}

func (s *Store) isAvailableLocked(e *entry, isOpus bool) bool {
	if !e.account.IsActive || e.blocked || e.unauthorized {
		return false
	}
	now := time.Now()
	if !e.overloadedUntil.IsZero() && now.Before(e.overloadedUntil) {
		return false
	}
	if !e.rateLimitedUntil.IsZero() && now.Before(e.rateLimitedUntil) {
		return false
	}
	if isOpus && !e.opusRateLimitedUntil.IsZero() && now.Before(e.opusRateLimitedUntil) {
		return false
	}
	return true
}

func (s *Store) MarkAccountRateLimited(ctx context.Context, accountID, accountType, sessionHash string, resetAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	until := time.Now().Add(time.Hour)
	if resetAt != nil {
		until = time.Unix(*resetAt, 0)
	}
	e.rateLimitedUntil = until
	return nil
}

func (s *Store) MarkAccountBlocked(ctx context.Context, accountID, accountType, sessionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.blocked = true
	return nil
}

func (s *Store) MarkAccountUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.unauthorized = true
	return nil
}

func (s *Store) IsAccountRateLimited(ctx context.Context, accountID, accountType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("unknown account %s", accountID)
	}
	return !e.rateLimitedUntil.IsZero() && time.Now().Before(e.rateLimitedUntil), nil
}

func (s *Store) RemoveAccountRateLimit(ctx context.Context, accountID, accountType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.rateLimitedUntil = time.Time{}
	return nil
}

// --- collab.AccountService ---

// GetValidAccessToken returns a placeholder bearer token. A real
// AccountService refreshes and caches vendor OAuth tokens; this reference
// store has no OAuth client to refresh against.
func (s *Store) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return "", fmt.Errorf("unknown account %s", accountID)
	}
	return "memcollab-token-" + accountID, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*collab.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	return e.account, nil
}

func (s *Store) GetAllAccounts(ctx context.Context) ([]*collab.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*collab.Account, 0, len(s.accounts))
	for _, e := range s.accounts {
		out = append(out, e.account)
	}
	return out, nil
}

func (s *Store) MarkAccountOverloaded(ctx context.Context, accountID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.overloadedUntil = time.Now().Add(ttl)
	return nil
}

func (s *Store) RemoveAccountOverload(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.overloadedUntil = time.Time{}
	return nil
}

func (s *Store) IsAccountOverloaded(ctx context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("unknown account %s", accountID)
	}
	return !e.overloadedUntil.IsZero() && time.Now().Before(e.overloadedUntil), nil
}

func (s *Store) RecordServerError(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.serverErrorCount++
	return nil
}

func (s *Store) GetServerErrorCount(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("unknown account %s", accountID)
	}
	return e.serverErrorCount, nil
}

func (s *Store) ClearInternalErrors(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.serverErrorCount = 0
	return nil
}

func (s *Store) UpdateSessionWindowStatus(ctx context.Context, accountID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	e.sessionWindowStatus = status
	return nil
}

func isOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}
