package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

var (
	_ collab.KV = (*Memory)(nil)
	_ collab.KV = (*SQLite)(nil)
	_ collab.KV = (*Redis)(nil)
)

func TestMemoryIncrExpireGetDel(t *testing.T) {
	m := NewMemory()
	testKVContract(t, m)
}

func TestSQLiteIncrExpireGetDel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	testKVContract(t, s)
}

func testKVContract(t *testing.T, kv collab.KV) {
	t.Helper()
	ctx := context.Background()

	n, err := kv.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("incr 1: n=%d err=%v", n, err)
	}
	n, err = kv.Incr(ctx, "counter")
	if err != nil || n != 2 {
		t.Fatalf("incr 2: n=%d err=%v", n, err)
	}

	if err := kv.SetEx(ctx, "k", "v1", time.Hour); err != nil {
		t.Fatalf("setex: %v", err)
	}
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get after setex: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := kv.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	_, ok, err = kv.Get(ctx, "k")
	if err != nil || ok {
		t.Fatalf("expected miss after del, ok=%v err=%v", ok, err)
	}

	if err := kv.SetEx(ctx, "expiring", "v", time.Millisecond); err != nil {
		t.Fatalf("setex short ttl: %v", err)
	}
	if err := kv.Expire(ctx, "expiring", time.Millisecond); err != nil {
		t.Fatalf("expire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err = kv.Get(ctx, "expiring")
	if err != nil || ok {
		t.Fatalf("expected expired key to miss, ok=%v err=%v", ok, err)
	}

	_, ok, err = kv.Get(ctx, "never-set")
	if err != nil || ok {
		t.Fatalf("expected miss for unknown key, ok=%v err=%v", ok, err)
	}
}
