package health

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

// memKV is a minimal in-process collab.KV double for these tests.
type memKV struct {
	mu      sync.Mutex
	vals    map[string]string
	intVals map[string]int64
}

func newMemKV() *memKV {
	return &memKV{vals: make(map[string]string), intVals: make(map[string]int64)}
}

func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intVals[key]++
	return m.intVals[key], nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *memKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	delete(m.intVals, key)
	return nil
}

func (m *memKV) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

type fakeScheduler struct {
	unauthorized []string
	blocked      []string
	rateLimited  []string
	lastResetAt  *int64
}

func (f *fakeScheduler) SelectAccountForAPIKey(ctx context.Context, apiKey, sessionHash, model string) (collab.AccountSelection, error) {
	return collab.AccountSelection{}, nil
}
func (f *fakeScheduler) MarkAccountRateLimited(ctx context.Context, accountID, accountType, sessionHash string, resetAt *int64) error {
	f.rateLimited = append(f.rateLimited, accountID)
	f.lastResetAt = resetAt
	return nil
}
func (f *fakeScheduler) MarkAccountBlocked(ctx context.Context, accountID, accountType, sessionHash string) error {
	f.blocked = append(f.blocked, accountID)
	return nil
}
func (f *fakeScheduler) MarkAccountUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) error {
	f.unauthorized = append(f.unauthorized, accountID)
	return nil
}
func (f *fakeScheduler) IsAccountRateLimited(ctx context.Context, accountID, accountType string) (bool, error) {
	return false, nil
}
func (f *fakeScheduler) RemoveAccountRateLimit(ctx context.Context, accountID, accountType string) error {
	return nil
}

type fakeAccounts struct {
	overloaded    map[string]bool
	serverErrors  map[string]int
	sessionStatus map[string]string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{overloaded: map[string]bool{}, serverErrors: map[string]int{}, sessionStatus: map[string]string{}}
}

func (f *fakeAccounts) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	return "tok", nil
}
func (f *fakeAccounts) GetAccount(ctx context.Context, accountID string) (*collab.Account, error) {
	return &collab.Account{ID: accountID}, nil
}
func (f *fakeAccounts) GetAllAccounts(ctx context.Context) ([]*collab.Account, error) { return nil, nil }
func (f *fakeAccounts) MarkAccountOverloaded(ctx context.Context, accountID string, ttl time.Duration) error {
	f.overloaded[accountID] = true
	return nil
}
func (f *fakeAccounts) RemoveAccountOverload(ctx context.Context, accountID string) error {
	f.overloaded[accountID] = false
	return nil
}
func (f *fakeAccounts) IsAccountOverloaded(ctx context.Context, accountID string) (bool, error) {
	return f.overloaded[accountID], nil
}
func (f *fakeAccounts) RecordServerError(ctx context.Context, accountID string) error {
	f.serverErrors[accountID]++
	return nil
}
func (f *fakeAccounts) GetServerErrorCount(ctx context.Context, accountID string) (int, error) {
	return f.serverErrors[accountID], nil
}
func (f *fakeAccounts) ClearInternalErrors(ctx context.Context, accountID string) error {
	f.serverErrors[accountID] = 0
	return nil
}
func (f *fakeAccounts) UpdateSessionWindowStatus(ctx context.Context, accountID, status string) error {
	f.sessionStatus[accountID] = status
	return nil
}

func TestClassifyUnauthorizedEscalatesOnFirstOccurrence(t *testing.T) {
	kv := newMemKV()
	sched := &fakeScheduler{}
	accts := newFakeAccounts()
	c := New(kv, sched, accts, 5)

	c.Classify(context.Background(), "acct-1", "shared", "", 401, nil, nil, false)

	if len(sched.unauthorized) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(sched.unauthorized))
	}
}

func TestClassify2xxClearsFlags(t *testing.T) {
	kv := newMemKV()
	sched := &fakeScheduler{}
	accts := newFakeAccounts()
	accts.overloaded["acct-1"] = true
	c := New(kv, sched, accts, 5)

	c.Classify(context.Background(), "acct-1", "shared", "", 200, nil, nil, false)

	if accts.overloaded["acct-1"] {
		t.Fatalf("expected overload cleared on 2xx")
	}
}

func TestClassifyRateLimitExtractsResetHeader(t *testing.T) {
	kv := newMemKV()
	sched := &fakeScheduler{}
	accts := newFakeAccounts()
	c := New(kv, sched, accts, 5)

	headers := http.Header{}
	headers.Set("anthropic-ratelimit-unified-reset", "1700000000")
	c.Classify(context.Background(), "acct-1", "shared", "sess-hash", 429, headers, nil, false)

	if len(sched.rateLimited) != 1 {
		t.Fatalf("expected rate limit escalation")
	}
	if sched.lastResetAt == nil || *sched.lastResetAt != 1700000000 {
		t.Fatalf("expected resetAt extracted, got %v", sched.lastResetAt)
	}
}

func TestClassifyBlockedOn403(t *testing.T) {
	kv := newMemKV()
	sched := &fakeScheduler{}
	accts := newFakeAccounts()
	c := New(kv, sched, accts, 5)

	c.Classify(context.Background(), "acct-1", "shared", "", 403, nil, []byte("organization has been disabled"), false)

	if len(sched.blocked) != 1 {
		t.Fatalf("expected block escalation")
	}
}

func TestClassifyOverloadRespectsDisabledTTL(t *testing.T) {
	kv := newMemKV()
	sched := &fakeScheduler{}
	accts := newFakeAccounts()
	c := New(kv, sched, accts, 0) // overload handling disabled

	c.Classify(context.Background(), "acct-1", "shared", "", 529, nil, nil, false)

	if accts.overloaded["acct-1"] {
		t.Fatalf("expected overload mark skipped when disabled")
	}
}
