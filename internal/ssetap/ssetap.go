// Package ssetap forwards SSE bytes to an ingress stream verbatim while
// concurrently parsing message_start/message_delta usage fields out of the
// same byte stream, without ever blocking forwarding on parsing.
package ssetap

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/relaycore/corerelay/internal/collab"
)

const rateLimitMarker = "exceed your account's rate limit"

// Usage accumulates token counts across one or more message_start/
// message_delta pairs observed on a single stream; Merge folds every
// completed record into one final tally.
type Usage struct {
	Model                    string
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	Ephemeral5mInputTokens   int
	Ephemeral1hInputTokens   int
}

// Tap owns the partial-line buffer and the in-flight usage accumulator for
// one streaming request. Feed is called once per received chunk; an
// optional transform rewrites what is forwarded (format adaptation) but
// never what is fed to the parser.
type Tap struct {
	lineBuf []byte

	current           *Usage
	completed         []Usage
	rateLimitDetected bool

	thinkingBlocks map[int]*thinkingBlock
	onSignature    func(thinkingText, signature string)

	transform func(line []byte) []byte
	forward   func(b []byte) error
}

// thinkingBlock accumulates a single content block's thinking text and
// signature across content_block_delta events, keyed by block index.
type thinkingBlock struct {
	text      strings.Builder
	signature strings.Builder
}

// New builds a Tap. forward writes bytes to the ingress stream; transform,
// if non-nil, rewrites each complete line before it is forwarded (the raw
// line is still fed to the usage parser regardless). onSignature, if
// non-nil, is invoked once per completed thinking content block with its
// accumulated text and signature, for callers that cache signatures for
// replay on a later turn (e.g. internal/preparer via internal/sigcache).
func New(forward func(b []byte) error, transform func(line []byte) []byte, onSignature func(thinkingText, signature string)) *Tap {
	return &Tap{forward: forward, transform: transform, onSignature: onSignature, thinkingBlocks: make(map[int]*thinkingBlock)}
}

// Feed processes one chunk of raw upstream bytes: forwards complete lines
// (transformed if a transform hook is set) and parses data: lines for usage
// telemetry. A partial trailing line is buffered until the next Feed/End.
func (t *Tap) Feed(chunk []byte) error {
	t.lineBuf = append(t.lineBuf, chunk...)

	for {
		idx := bytes.IndexByte(t.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := t.lineBuf[:idx+1]
		t.lineBuf = t.lineBuf[idx+1:]

		t.parseLine(line)

		out := line
		if t.transform != nil {
			out = t.transform(line)
		}
		if len(out) > 0 {
			if err := t.forward(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// End flushes any buffered partial line and returns the merged usage
// record for the whole stream (nil if nothing was ever parsed).
func (t *Tap) End() (*Usage, bool, error) {
	if len(t.lineBuf) > 0 {
		t.parseLine(t.lineBuf)
		out := t.lineBuf
		if t.transform != nil {
			out = t.transform(t.lineBuf)
		}
		t.lineBuf = nil
		if len(out) > 0 {
			if err := t.forward(out); err != nil {
				return nil, t.rateLimitDetected, err
			}
		}
	}

	if t.current != nil {
		t.completed = append(t.completed, *t.current)
		t.current = nil
	}

	if len(t.completed) == 0 {
		return nil, t.rateLimitDetected, nil
	}

	merged := &Usage{}
	for _, u := range t.completed {
		merged.InputTokens += u.InputTokens
		merged.OutputTokens += u.OutputTokens
		merged.CacheCreationInputTokens += u.CacheCreationInputTokens
		merged.CacheReadInputTokens += u.CacheReadInputTokens
		merged.Ephemeral5mInputTokens += u.Ephemeral5mInputTokens
		merged.Ephemeral1hInputTokens += u.Ephemeral1hInputTokens
		if u.Model != "" {
			merged.Model = u.Model
		}
	}
	return merged, t.rateLimitDetected, nil
}

// ToUsageRecord adapts a merged Usage into the collab.UsageRecord shape,
// attaching the account that served the request.
func ToUsageRecord(u *Usage, accountID string) collab.UsageRecord {
	if u == nil {
		return collab.UsageRecord{AccountID: accountID}
	}
	return collab.UsageRecord{
		Model:                    u.Model,
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreation: &collab.CacheCreationBreakdown{
			Ephemeral5mInputTokens: u.Ephemeral5mInputTokens,
			Ephemeral1hInputTokens: u.Ephemeral1hInputTokens,
		},
		AccountID: accountID,
	}
}

func (t *Tap) parseLine(line []byte) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte("data: ")) {
		return
	}
	payload := bytes.TrimPrefix(trimmed, []byte("data: "))

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}

	switch probe.Type {
	case "message_start":
		t.handleMessageStart(payload)
	case "message_delta":
		t.handleMessageDelta(payload)
	case "content_block_start":
		t.handleContentBlockStart(payload)
	case "content_block_delta":
		t.handleContentBlockDelta(payload)
	case "content_block_stop":
		t.handleContentBlockStop(payload)
	case "error":
		t.handleError(payload)
	}
}

func (t *Tap) handleContentBlockStart(payload []byte) {
	var event struct {
		Index int `json:"index"`
		Block struct {
			Type string `json:"type"`
		} `json:"content_block"`
	}
	if json.Unmarshal(payload, &event) != nil || event.Block.Type != "thinking" {
		return
	}
	t.thinkingBlocks[event.Index] = &thinkingBlock{}
}

func (t *Tap) handleContentBlockDelta(payload []byte) {
	var event struct {
		Index int `json:"index"`
		Delta struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature"`
		} `json:"delta"`
	}
	if json.Unmarshal(payload, &event) != nil {
		return
	}
	block, ok := t.thinkingBlocks[event.Index]
	if !ok {
		return
	}
	switch event.Delta.Type {
	case "thinking_delta":
		block.text.WriteString(event.Delta.Thinking)
	case "signature_delta":
		block.signature.WriteString(event.Delta.Signature)
	}
}

func (t *Tap) handleContentBlockStop(payload []byte) {
	var event struct {
		Index int `json:"index"`
	}
	if json.Unmarshal(payload, &event) != nil {
		return
	}
	block, ok := t.thinkingBlocks[event.Index]
	if !ok {
		return
	}
	delete(t.thinkingBlocks, event.Index)
	if t.onSignature == nil {
		return
	}
	text, sig := block.text.String(), block.signature.String()
	if text != "" && sig != "" {
		t.onSignature(text, sig)
	}
}

func (t *Tap) handleMessageStart(payload []byte) {
	var event struct {
		Message struct {
			Model string `json:"model"`
			Usage struct {
				InputTokens              int `json:"input_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
				CacheCreation            struct {
					Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
					Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
				} `json:"cache_creation"`
			} `json:"usage"`
		} `json:"message"`
	}
	if json.Unmarshal(payload, &event) != nil {
		return
	}

	if t.current != nil {
		// Previous record never saw its message_delta; push it as-is
		// rather than drop the tokens it did capture.
		t.completed = append(t.completed, *t.current)
	}
	t.current = &Usage{
		Model:                    event.Message.Model,
		InputTokens:              event.Message.Usage.InputTokens,
		CacheCreationInputTokens: event.Message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     event.Message.Usage.CacheReadInputTokens,
		Ephemeral5mInputTokens:   event.Message.Usage.CacheCreation.Ephemeral5mInputTokens,
		Ephemeral1hInputTokens:   event.Message.Usage.CacheCreation.Ephemeral1hInputTokens,
	}
}

func (t *Tap) handleMessageDelta(payload []byte) {
	var event struct {
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(payload, &event) != nil {
		return
	}
	if t.current == nil {
		t.current = &Usage{}
	}
	t.current.OutputTokens = event.Usage.OutputTokens
	if t.current.InputTokens > 0 || t.current.OutputTokens > 0 {
		t.completed = append(t.completed, *t.current)
		t.current = nil
	}
}

func (t *Tap) handleError(payload []byte) {
	var event struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &event) != nil {
		return
	}
	msg := event.Error.Message
	if msg == "" {
		msg = event.Message
	}
	if strings.Contains(strings.ToLower(msg), rateLimitMarker) {
		t.rateLimitDetected = true
	}
}
