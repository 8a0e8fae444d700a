package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmptyTable(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := table.Lookup("claude-sonnet-4-20250514"); ok {
		t.Fatalf("expected empty table to miss every lookup")
	}
}

func TestLoadParsesModelRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_pricing.json")
	writeFile(t, path, `{
		"claude-sonnet-4-20250514": {"max_tokens": 8192},
		"claude-opus-4-20250514": {"max_output_tokens": 32000}
	}`)

	table, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p, ok := table.Lookup("claude-sonnet-4-20250514")
	if !ok || p.MaxTokens != 8192 {
		t.Fatalf("unexpected sonnet row: %+v ok=%v", p, ok)
	}

	p, ok = table.Lookup("claude-opus-4-20250514")
	if !ok || p.MaxOutputTokens != 32000 {
		t.Fatalf("unexpected opus row: %+v ok=%v", p, ok)
	}

	if _, ok := table.Lookup("claude-haiku-4-20250514"); ok {
		t.Fatalf("expected unknown model to miss")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
