package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaycore/corerelay/internal/collab"
	"github.com/relaycore/corerelay/internal/events"
	"github.com/relaycore/corerelay/internal/preparer"
	"github.com/relaycore/corerelay/internal/relayerr"
	"github.com/relaycore/corerelay/internal/ssetap"
	"github.com/relaycore/corerelay/internal/transport"
)

// RelayStreamRequestWithUsageCapture opens a live SSE upstream response and
// forwards bytes to ingress as they arrive, tapping message_start/
// message_delta usage fields concurrently with forwarding. usageCallback
// fires at most once, after the stream ends successfully; it never fires
// for a failed or canceled stream. ctx cancellation (e.g. the ingress
// connection closing) aborts the upstream stream — there is no separate
// disconnect-listener registration step in Go, ctx.Done() is that signal.
func (o *Orchestrator) RelayStreamRequestWithUsageCapture(
	ctx context.Context,
	body map[string]any,
	apiKey string,
	clientHeaders http.Header,
	ingress io.Writer,
	usageCallback func(collab.UsageRecord),
	streamTransformer func(line []byte) []byte,
) error {
	if preparer.IsWarmupRequest(body) {
		return o.relayWarmupStream(ingress, body, usageCallback)
	}

	sel, err := o.selectAndPrepare(ctx, body, apiKey, clientHeaders, false, true)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sel.prepared.Body)
	if err != nil {
		return fmt.Errorf("marshal prepared body: %w", err)
	}

	var status int
	var respHeaders http.Header
	stream, err := o.transport.StreamSSE(ctx, sel.url, transport.Options{
		Method:     http.MethodPost,
		Headers:    sel.prepared.Headers,
		Body:       payload,
		Proxy:      sel.proxy,
		PreferIPv4: sel.preferIPv4,
	}, func(s int, h http.Header) {
		status = s
		respHeaders = h
	})
	if err != nil {
		o.health.SynthesizeConnectionTimeout(ctx, sel.accountID)
		code, msg := relayerr.Classify(err)
		o.writeErrorFrame(ingress, code, msg, err.Error())
		o.publish(events.KindRequest, sel.accountID, sel.prepared.SessionHash, fmt.Sprintf("%s%s", msg, proxyLogSuffix(sel.proxy)))
		return fmt.Errorf("upstream stream failed: %w", err)
	}
	defer stream.Close()

	if status < 200 || status >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(&streamReader{s: stream}, 1<<20))
		o.health.Classify(ctx, sel.accountID, sel.accountType, sel.prepared.SessionHash, status, respHeaders, errBody, sel.prepared.IsOpus)
		if readErr != nil && len(errBody) == 0 {
			o.writeErrorFrame(ingress, 502, "Upstream error", readErr.Error())
			return fmt.Errorf("read upstream error body: %w", readErr)
		}
		_, _ = ingress.Write([]byte(relayerr.SSEFrame(status, http.StatusText(status), string(errBody), time.Now().Unix())))
		return fmt.Errorf("upstream returned status %d", status)
	}

	tap := ssetap.New(func(b []byte) error {
		_, werr := ingress.Write(b)
		return werr
	}, streamTransformer, func(thinkingText, signature string) {
		o.preparer.StoreSignature(sel.prepared.SessionHash, thinkingText, signature)
	})

	for {
		chunk, readErr := stream.Chunks()
		if len(chunk) > 0 {
			if feedErr := tap.Feed(chunk); feedErr != nil {
				return fmt.Errorf("forward stream chunk: %w", feedErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			code, msg := relayerr.Classify(readErr)
			o.writeErrorFrame(ingress, code, msg, readErr.Error())
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}

	usage, rateLimitDetected, err := tap.End()
	if err != nil {
		return fmt.Errorf("flush stream tap: %w", err)
	}

	if rateLimitDetected {
		o.health.Classify(ctx, sel.accountID, sel.accountType, sel.prepared.SessionHash, http.StatusTooManyRequests, respHeaders, nil, sel.prepared.IsOpus)
	} else {
		o.health.Classify(ctx, sel.accountID, sel.accountType, sel.prepared.SessionHash, status, respHeaders, nil, sel.prepared.IsOpus)
	}

	record := ssetap.ToUsageRecord(usage, sel.accountID)
	if record.Model == "" {
		record.Model, _ = sel.prepared.Body["model"].(string)
	}
	o.publish(events.KindRequest, sel.accountID, sel.prepared.SessionHash, "stream completed")
	if usageCallback != nil {
		usageCallback(record)
	}
	return nil
}

// relayWarmupStream answers a synthetic keep-alive ping with a canned SSE
// transcript, writing directly to ingress without ever selecting an account
// or opening an upstream connection.
func (o *Orchestrator) relayWarmupStream(ingress io.Writer, body map[string]any, usageCallback func(collab.UsageRecord)) error {
	model, _ := body["model"].(string)
	for _, event := range preparer.WarmupEvents(model) {
		if _, err := ingress.Write([]byte(event)); err != nil {
			return fmt.Errorf("write warmup frame: %w", err)
		}
	}
	o.publish(events.KindRequest, "", "", "warmup request answered without account selection")
	if usageCallback != nil {
		usageCallback(collab.UsageRecord{Model: model, InputTokens: 5, OutputTokens: 1})
	}
	return nil
}

func (o *Orchestrator) writeErrorFrame(ingress io.Writer, status int, message, details string) {
	_, _ = ingress.Write([]byte(relayerr.SSEFrame(status, message, details, time.Now().Unix())))
}

// streamReader adapts transport.Stream's Chunks method to io.Reader so the
// non-2xx error body can be drained with io.ReadAll/io.LimitReader. Chunks
// returns whole chunks with no partial-read support, so any excess over the
// caller's buffer is held back for the next Read instead of dropped.
type streamReader struct {
	s       *transport.Stream
	pending []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		chunk, err := r.s.Chunks()
		if len(chunk) == 0 {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
