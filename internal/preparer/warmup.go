package preparer

import (
	"strings"

	"github.com/google/uuid"
)

// IsWarmupRequest reports whether body is a synthetic keep-alive ping —
// a lone "Warmup" message, or one of the title-generation/
// topic-continuation system prompts Claude Code sends between turns —
// rather than a real completion request. These are answered with a canned
// transcript (WarmupEvents) instead of consuming upstream quota.
func IsWarmupRequest(body map[string]any) bool {
	if messages, ok := body["messages"].([]any); ok && len(messages) == 1 {
		if m, ok := messages[0].(map[string]any); ok {
			if content, ok := m["content"].(string); ok && content == "Warmup" {
				return true
			}
			if content, ok := m["content"].([]any); ok && len(content) == 1 {
				if block, ok := content[0].(map[string]any); ok {
					if text, ok := block["text"].(string); ok && text == "Warmup" {
						return true
					}
				}
			}
		}
	}

	systemText := extractSystemText(body)
	if strings.Contains(systemText, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(systemText, "nalyze if this message indicates a new conversation topic") {
		return true
	}

	return false
}

func extractSystemText(body map[string]any) string {
	switch s := body["system"].(type) {
	case string:
		return s
	case []any:
		var texts []string
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

// WarmupEvents returns the synthetic SSE transcript for a warmup response,
// each entry a complete "event: ...\ndata: ...\n\n" frame ready to forward
// to the ingress stream as-is.
func WarmupEvents(model string) []string {
	id := WarmupMessageID()
	return []string{
		"event: message_start\n" + `data: {"type":"message_start","message":{"id":"` + id + `","type":"message","role":"assistant","content":[],"model":"` + model + `","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}` + "\n\n",
		"event: content_block_start\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n",
		"event: content_block_delta\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"OK"}}` + "\n\n",
		"event: content_block_stop\n" + `data: {"type":"content_block_stop","index":0}` + "\n\n",
		"event: message_delta\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":1}}` + "\n\n",
		"event: message_stop\n" + `data: {"type":"message_stop"}` + "\n\n",
	}
}

// WarmupMessageID mints a synthetic message id for a canned warmup
// response, in either streaming or non-streaming form.
func WarmupMessageID() string {
	return "msg_warmup_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
