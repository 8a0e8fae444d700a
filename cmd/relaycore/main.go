// Command relaycore is a demo process binding the core relay library to a
// minimal HTTP front end and in-memory reference collaborators. It replaces
// the teacher's cmd/relay/main.go, which wired a full admin server, OAuth
// account store, and persistent scheduler — all out of scope for this
// module per spec.md §1. A production deployment supplies its own
// collab.Scheduler/AccountService/Validator and its own ingress
// authentication; this binary exists to exercise the core end to end
// against the real vendor API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/config"
	"github.com/relaycore/corerelay/internal/dump"
	"github.com/relaycore/corerelay/internal/events"
	"github.com/relaycore/corerelay/internal/health"
	"github.com/relaycore/corerelay/internal/kvstore"
	"github.com/relaycore/corerelay/internal/memcollab"
	"github.com/relaycore/corerelay/internal/preparer"
	"github.com/relaycore/corerelay/internal/pricing"
	"github.com/relaycore/corerelay/internal/proxyagent"
	"github.com/relaycore/corerelay/internal/relay"
	"github.com/relaycore/corerelay/internal/sigcache"
	"github.com/relaycore/corerelay/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	logHandler := events.Setup(cfg.LogLevel, 1000)
	slog.Info("corerelay starting", "version", version)

	kv, err := openKV(cfg)
	if err != nil {
		slog.Error("kv backend init failed", "error", err)
		os.Exit(1)
	}
	if closer, ok := kv.(io.Closer); ok {
		defer closer.Close()
	}
	slog.Info("kv backend ready", "backend", cfg.KVBackend)

	priceTable, err := pricing.Load(cfg.PricingTablePath)
	if err != nil {
		slog.Warn("pricing table load failed, proceeding without max_tokens clamping", "path", cfg.PricingTablePath, "error", err)
		priceTable = pricing.Empty()
	}

	var archiver *dump.Archiver
	if cfg.DumpRequests {
		archiver, err = dump.New(cfg.DumpDir, cfg.DumpEncryptKey)
		if err != nil {
			slog.Error("dump archiver init failed", "error", err)
			os.Exit(1)
		}
	}

	accounts := bootstrapAccounts()
	collabStore := memcollab.New(accounts, time.Hour)
	validator := memcollab.PromptValidator{}

	sigs := sigcache.New()
	defer sigs.Close()

	prep := preparer.New(cfg, priceTable, validator, kv, sigs)
	healthCtl := health.New(kv, collabStore, collabStore, cfg.OverloadHandlingEnabledMinutes)
	tm := transport.NewManager(cfg)
	defer tm.Close()
	bus := events.NewBus(200)
	proxyAgents := proxyagent.NewFactory(cfg.ProxyUseIPv4)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	orch := relay.New(cfg, collabStore, collabStore, prep, tm, healthCtl, bus, proxyAgents, rng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tm.RunCleanup(ctx)

	front := &frontEnd{orch: orch, dumper: archiver, bus: bus, logHandler: logHandler}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", front.handleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", front.handleCountTokens)
	mux.HandleFunc("GET /health", front.handleHealth)

	httpServer := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}
}

func openKV(cfg *config.Config) (collab.KV, error) {
	switch cfg.KVBackend {
	case "redis":
		return kvstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "sqlite":
		return kvstore.NewSQLite(cfg.KVSQLitePath)
	default:
		return kvstore.NewMemory(), nil
	}
}

// bootstrapAccounts seeds a handful of demo vendor accounts from the
// environment (ACCOUNT_IDS, comma-separated). A real deployment's account
// pool is owned by its own AccountService, populated through its own admin
// surface — never read from env vars.
func bootstrapAccounts() []*collab.Account {
	ids := strings.Split(envOr("ACCOUNT_IDS", "demo-account-1"), ",")
	out := make([]*collab.Account, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, &collab.Account{
			ID:       id,
			Name:     id,
			IsActive: true,
			Status:   "active",
		})
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

type frontEnd struct {
	orch       *relay.Orchestrator
	dumper     *dump.Archiver
	bus        *events.Bus
	logHandler *events.LogHandler
}

func (f *frontEnd) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (f *frontEnd) handleMessages(w http.ResponseWriter, r *http.Request) {
	f.relay(w, r, false)
}

func (f *frontEnd) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	f.relay(w, r, true)
}

// apiKey stands in for ingress authentication, which is out of scope per
// spec.md §1 — a real deployment's auth middleware resolves this from a
// validated API key, not straight from the header.
func apiKeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (f *frontEnd) relay(w http.ResponseWriter, r *http.Request, isCountTokens bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	apiKey := apiKeyFromRequest(r)
	if f.dumper != nil {
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		f.dumper.WriteLogged(r.Context(), requestID, raw)
	}

	isStream, _ := body["stream"].(bool)
	if isStream && !isCountTokens {
		f.relayStream(w, r, body, apiKey)
		return
	}

	result, err := f.orch.RelayRequest(r.Context(), body, apiKey, r.Header, isCountTokens)
	if err != nil {
		slog.Error("relay request failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	for k, vs := range result.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func (f *frontEnd) relayStream(w http.ResponseWriter, r *http.Request, body map[string]any, apiKey string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := &flushWriter{w: w, f: flusher}

	err := f.orch.RelayStreamRequestWithUsageCapture(r.Context(), body, apiKey, r.Header, sink, func(usage collab.UsageRecord) {
		slog.Info("usage", "model", usage.Model, "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens, "account_id", usage.AccountID)
	}, nil)
	if err != nil {
		slog.Error("relay stream failed", "error", err)
	}
}

// flushWriter flushes after every write so SSE bytes reach the client as
// they arrive rather than sitting in a buffer until the handler returns.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
