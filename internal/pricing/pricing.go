// Package pricing loads the model_pricing table referenced in spec.md §4.3
// step 6: a JSON file on disk, keyed by full model name, read once at
// startup and held in memory for the lifetime of the process.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/relaycore/corerelay/internal/collab"
)

// Table implements collab.PricingTable over a fixed in-memory map loaded
// from disk. Unknown models simply miss — the preparer applies no clamp in
// that case, matching spec.md's "unknown model -> no clamping" rule.
type Table struct {
	rows map[string]collab.ModelPricing
}

type row struct {
	MaxTokens       int `json:"max_tokens"`
	MaxOutputTokens int `json:"max_output_tokens"`
}

// Load reads path as a JSON object of {model: {max_tokens, max_output_tokens}}.
// A missing file is not an error — it returns an empty table, since the
// preparer treats a pricing miss as "don't clamp" rather than a fatal error.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Table{rows: map[string]collab.ModelPricing{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pricing table %s: %w", path, err)
	}

	var raw map[string]row
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing table %s: %w", path, err)
	}

	rows := make(map[string]collab.ModelPricing, len(raw))
	for model, r := range raw {
		rows[model] = collab.ModelPricing{MaxTokens: r.MaxTokens, MaxOutputTokens: r.MaxOutputTokens}
	}
	return &Table{rows: rows}, nil
}

// Empty returns a pricing table with no rows, for callers that want to
// proceed without max_tokens clamping after a load failure rather than
// fail startup entirely.
func Empty() *Table {
	return &Table{rows: map[string]collab.ModelPricing{}}
}

// Lookup implements collab.PricingTable.
func (t *Table) Lookup(model string) (collab.ModelPricing, bool) {
	p, ok := t.rows[model]
	return p, ok
}
