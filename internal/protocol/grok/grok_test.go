package grok

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

func TestEncodeRequestClampsEffort(t *testing.T) {
	for effort, want := range map[string]string{
		"minimum": "low",
		"low":     "low",
		"medium":  "high",
		"high":    "high",
		"xhigh":   "high",
	} {
		req := &urp.Request{
			Model:     "grok-4",
			Messages:  []urp.Message{urp.NewTextMessage(urp.RoleUser, "hi")},
			Reasoning: &urp.Reasoning{Effort: effort},
		}
		body, err := EncodeRequest(req)
		require.NoError(t, err)

		var m struct {
			ReasoningEffort string `json:"reasoning_effort"`
		}
		require.NoError(t, json.Unmarshal(body, &m))
		assert.Equal(t, want, m.ReasoningEffort, "effort %q", effort)
		// the caller's request is left untouched
		assert.Equal(t, effort, req.Reasoning.Effort)
	}
}

func TestDecodeResponseReasoningContent(t *testing.T) {
	body := []byte(`{
		"id": "r1",
		"model": "grok-4",
		"choices": [{"index": 0, "message": {"role": "assistant", "reasoning_content": "hmm", "content": "ok"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
	}`)
	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	require.Len(t, resp.Message.Parts, 2)
	assert.Equal(t, urp.PartReasoning, resp.Message.Parts[0].Kind)
	assert.Equal(t, "hmm", resp.Message.Parts[0].Content)
	assert.Equal(t, "ok", resp.Message.Text())
}

func TestStreamDecoderReasoningDeltas(t *testing.T) {
	d := NewStreamDecoder()
	var events []urp.StreamEvent
	for _, payload := range []string{
		`{"id":"r1","model":"grok-4","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"thinking"}}]}`,
		`{"id":"r1","model":"grok-4","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		"[DONE]",
	} {
		got, err := d.Decode(sse.Event{Data: payload})
		require.NoError(t, err)
		events = append(events, got...)
	}

	var kinds []urp.StreamEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []urp.StreamEventKind{
		urp.StreamStart,
		urp.StreamReasoningDelta,
		urp.StreamTextDelta,
		urp.StreamFinish,
	}, kinds)
	assert.Equal(t, urp.FinishStop, events[len(events)-1].FinishReason)
}
