package preparer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
)

// boundStainlessKeys are captured once per account and replayed on every
// subsequent request; passthroughStainlessKeys are dynamic per-request
// values that are never cached.
var boundStainlessKeys = []string{
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"x-stainless-lang",
	"x-stainless-package-version",
}

var passthroughStainlessKeys = []string{
	"x-stainless-retry-count",
	"x-stainless-read-timeout",
}

const stainlessFingerprintTTL = 365 * 24 * time.Hour

func stainlessFingerprintKey(accountID string) string {
	return "stainless_fp:" + accountID
}

// RemoveAllStainless strips all x-stainless-* headers from a header set, so
// BindStainlessHeaders controls exactly what survives into the outbound
// request.
func RemoveAllStainless(h http.Header) {
	for key := range h {
		if strings.HasPrefix(strings.ToLower(key), stainlessPrefix) {
			h.Del(key)
		}
	}
}

// BindStainlessHeaders captures x-stainless-* headers from the first request
// an account makes and replays them on every later request, so an account's
// client fingerprint stays stable across calls. Dynamic headers
// (retry-count, read-timeout) are always passed through unbound.
func BindStainlessHeaders(ctx context.Context, kv collab.KV, accountID string, reqHeaders, outHeaders http.Header) {
	key := stainlessFingerprintKey(accountID)

	stored, ok, err := kv.Get(ctx, key)
	if err != nil {
		slog.Error("get stainless fingerprint", "error", err, "account_id", accountID)
	}

	if ok && stored != "" {
		applyStoredFingerprint(stored, outHeaders)
	} else {
		captured := make(map[string]string)
		for _, k := range boundStainlessKeys {
			if v := reqHeaders.Get(k); v != "" {
				captured[k] = v
				outHeaders.Set(k, v)
			}
		}

		if len(captured) > 0 {
			data, _ := json.Marshal(captured)
			if err := kv.SetEx(ctx, key, string(data), stainlessFingerprintTTL); err != nil {
				slog.Error("set stainless fingerprint", "error", err, "account_id", accountID)
			}
			// Another request may have raced us between the Get above and
			// this SetEx; re-read so every request in the race converges on
			// the same fingerprint rather than each keeping its own.
			if race, raceOK, _ := kv.Get(ctx, key); raceOK && race != "" && race != string(data) {
				applyStoredFingerprint(race, outHeaders)
			}
		}
	}

	for _, k := range passthroughStainlessKeys {
		if v := reqHeaders.Get(k); v != "" {
			outHeaders.Set(k, v)
		}
	}
}

func applyStoredFingerprint(stored string, outHeaders http.Header) {
	var headers map[string]string
	if json.Unmarshal([]byte(stored), &headers) != nil {
		return
	}
	for k, v := range headers {
		outHeaders.Set(k, v)
	}
}
