package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/protocol/protocoltest"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

func TestDecodeRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "m1",
		"system": "be brief",
		"max_tokens": 256,
		"messages": [{"role": "user", "content": "hi"}],
		"stream": true
	}`)

	req, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxOutputTokens)
	assert.Equal(t, 256, *req.MaxOutputTokens)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, urp.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Text())
	assert.Equal(t, urp.RoleUser, req.Messages[1].Role)
}

func TestDecodeRequestSystemBlocks(t *testing.T) {
	body := []byte(`{
		"model": "m1",
		"system": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}],
		"messages": [{"role": "user", "content": "x"}]
	}`)
	req, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", req.Messages[0].Text())
}

func TestDecodeRequestMissingModel(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"messages":[]}`), nil)
	assert.Error(t, err)
}

func TestDecodeThinkingBlocks(t *testing.T) {
	body := []byte(`{
		"model": "m1",
		"messages": [{"role": "assistant", "content": [
			{"type": "thinking", "thinking": "hmm", "signature": "c2ln"},
			{"type": "text", "text": "answer"}
		]}]
	}`)
	req, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	parts := req.Messages[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, urp.PartReasoning, parts[0].Kind)
	assert.Equal(t, "hmm", parts[0].Content)
	assert.Equal(t, urp.PartReasoningEncrypted, parts[1].Kind)
	assert.Equal(t, "c2ln", parts[1].Data)
	assert.Equal(t, urp.PartText, parts[2].Kind)
}

func TestDecodeToolUseAndResult(t *testing.T) {
	body := []byte(`{
		"model": "m1",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "18C"}
			]}
		]
	}`)
	req, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)

	call := req.Messages[0].Parts[0]
	assert.Equal(t, urp.PartToolCall, call.Kind)
	assert.Equal(t, "toolu_1", call.CallID)
	assert.JSONEq(t, `{"city":"SF"}`, call.Arguments)

	result := req.Messages[1]
	assert.Equal(t, urp.RoleTool, result.Role)
	assert.Equal(t, "toolu_1", result.Parts[0].CallID)
	assert.Equal(t, "18C", result.Parts[1].Content)
}

func TestDecodeToolResultMissingID(t *testing.T) {
	_, err := DecodeRequest([]byte(`{
		"model": "m1",
		"messages": [{"role": "user", "content": [{"type": "tool_result", "content": "x"}]}]
	}`), nil)
	assert.Error(t, err)
}

func TestDecodeThinkingConfig(t *testing.T) {
	body := []byte(`{
		"model": "m1",
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [{"role": "user", "content": "x"}]
	}`)
	req, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	require.NotNil(t, req.Reasoning)
	assert.Equal(t, 2048, req.Reasoning.Extra["budget_tokens"])
}

func TestEncodeRequestMergesSystem(t *testing.T) {
	req := &urp.Request{
		Model: "m1",
		Messages: []urp.Message{
			urp.NewTextMessage(urp.RoleSystem, "sys"),
			urp.NewTextMessage(urp.RoleDeveloper, "dev"),
			urp.NewTextMessage(urp.RoleUser, "hi"),
		},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "sys\ndev", m["system"])
	assert.Len(t, m["messages"], 1)
	// max_tokens is mandatory on the wire.
	assert.EqualValues(t, defaultMaxTokens, m["max_tokens"])
}

func TestEncodeRequestThinkingFromEffort(t *testing.T) {
	req := &urp.Request{
		Model:     "m1",
		Messages:  []urp.Message{urp.NewTextMessage(urp.RoleUser, "x")},
		Reasoning: &urp.Reasoning{Effort: "high"},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	var m struct {
		Thinking *wireThinking `json:"thinking"`
	}
	require.NoError(t, json.Unmarshal(body, &m))
	require.NotNil(t, m.Thinking)
	assert.Equal(t, "enabled", m.Thinking.Type)
	assert.Equal(t, effortBudgets["high"], m.Thinking.BudgetTokens)
}

func TestEncodeRequestToolResult(t *testing.T) {
	req := &urp.Request{
		Model: "m1",
		Messages: []urp.Message{
			{Role: urp.RoleTool, Parts: []urp.Part{
				urp.ToolResultPart("toolu_1", true),
				urp.TextPart("boom"),
			}},
		},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	var m struct {
		Messages []wireMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &m))
	require.Len(t, m.Messages, 1)
	assert.Equal(t, "user", m.Messages[0].Role)

	var blocks []wireBlock
	require.NoError(t, json.Unmarshal(m.Messages[0].Content, &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "toolu_1", blocks[0].ToolUseID)
	assert.True(t, blocks[0].IsError)
}

func TestThinkingSignatureRoundTrip(t *testing.T) {
	req := &urp.Request{
		Model: "m1",
		Messages: []urp.Message{
			{Role: urp.RoleAssistant, Parts: []urp.Part{
				urp.ReasoningPart("hmm"),
				urp.ReasoningEncryptedPart("c2ln"),
				urp.TextPart("done"),
			}},
		},
	}
	body, err := EncodeRequest(req)
	require.NoError(t, err)

	back, err := DecodeRequest(body, nil)
	require.NoError(t, err)
	parts := back.Messages[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, urp.PartReasoning, parts[0].Kind)
	assert.Equal(t, "c2ln", parts[1].Data)
	assert.Equal(t, "done", parts[2].Content)
}

func TestDecodeResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "m1",
		"content": [{"type": "text", "text": "ok"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4, "cache_read_input_tokens": 3}
	}`)

	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, urp.FinishStop, resp.FinishReason)
	require.NotNil(t, resp.Usage)
	// cache reads fold into the prompt count
	assert.Equal(t, 13, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CachedTokens)
}

func TestEncodeResponseToolUse(t *testing.T) {
	resp := &urp.Response{
		ID:    "msg_2",
		Model: "m1",
		Message: urp.Message{
			Role:  urp.RoleAssistant,
			Parts: []urp.Part{urp.ToolCallPart("toolu_9", "lookup", `{"q":"x"}`)},
		},
		FinishReason: urp.FinishToolCalls,
	}
	out, err := EncodeResponse(resp)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "tool_use", m["stop_reason"])
	content := m["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "toolu_9", block["id"])
	assert.Equal(t, map[string]any{"q": "x"}, block["input"])
}

func decodeAll(t *testing.T, d *StreamDecoder, payloads ...string) []urp.StreamEvent {
	t.Helper()
	var out []urp.StreamEvent
	for _, p := range payloads {
		got, err := d.Decode(sse.Event{Data: p})
		require.NoError(t, err)
		out = append(out, got...)
	}
	return append(out, d.Close()...)
}

func TestStreamDecoderTextAndThinking(t *testing.T) {
	d := NewStreamDecoder()
	events := decodeAll(t, d,
		`{"type":"message_start","message":{"id":"msg_1","model":"m1","usage":{"input_tokens":9,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"c2ln"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	)

	var kinds []urp.StreamEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []urp.StreamEventKind{
		urp.StreamStart,
		urp.StreamReasoningDelta,
		urp.StreamReasoningSignatureDelta,
		urp.StreamTextDelta,
		urp.StreamFinish,
	}, kinds)

	last := events[len(events)-1]
	assert.Equal(t, urp.FinishStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 9, last.Usage.PromptTokens)
	assert.Equal(t, 5, last.Usage.CompletionTokens)
}

func TestStreamDecoderToolUse(t *testing.T) {
	d := NewStreamDecoder()
	events := decodeAll(t, d,
		`{"type":"message_start","message":{"id":"msg_1","model":"m1"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)

	var args string
	var starts, dones int
	for _, ev := range events {
		switch ev.Kind {
		case urp.StreamToolCallStart:
			starts++
			assert.Equal(t, "toolu_1", ev.CallID)
		case urp.StreamToolCallArgsDelta:
			args += ev.Args
		case urp.StreamToolCallDone:
			dones++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, dones)
	assert.Equal(t, `{"q":1}`, args)
	assert.Equal(t, urp.FinishToolCalls, events[len(events)-1].FinishReason)
}

func TestStreamDecoderError(t *testing.T) {
	d := NewStreamDecoder()
	events, err := d.Decode(sse.Event{Data: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, urp.StreamError, events[0].Kind)
	assert.Empty(t, d.Close())
}

func TestStopReasonMapping(t *testing.T) {
	// downstream stop_reason follows the live Messages vocabulary, including
	// the truncation and refusal reasons
	cases := map[urp.FinishReason]string{
		urp.FinishStop:          "end_turn",
		urp.FinishLength:        "max_tokens",
		urp.FinishToolCalls:     "tool_use",
		urp.FinishContentFilter: "refusal",
		urp.FinishOther:         "end_turn",
	}
	for in, want := range cases {
		assert.Equal(t, want, StopReasonFromURP(in))
	}

	assert.Equal(t, urp.FinishLength, StopReasonToURP("max_tokens"))
	assert.Equal(t, urp.FinishStop, StopReasonToURP("stop_sequence"))
	assert.Equal(t, urp.FinishOther, StopReasonToURP("pause_turn"))
}

// streamGrammar extracts the event type sequence from emitted output.
func streamGrammar(t *testing.T, rec *protocoltest.Recorder) []string {
	t.Helper()
	var types []string
	for _, p := range rec.Payloads(t) {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(p), &ev))
		types = append(types, ev.Type)
	}
	return types
}

func TestEmitterGrammar(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "logical-model")

	for _, ev := range []urp.StreamEvent{
		{Kind: urp.StreamStart, ID: "msg_1", Model: "upstream"},
		{Kind: urp.StreamReasoningDelta, Text: "hmm"},
		{Kind: urp.StreamTextDelta, Text: "he"},
		{Kind: urp.StreamTextDelta, Text: "llo"},
		{Kind: urp.StreamFinish, FinishReason: urp.FinishStop, Usage: &urp.Usage{PromptTokens: 4, CompletionTokens: 2}},
	} {
		require.NoError(t, e.Emit(ev))
	}

	types := streamGrammar(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	// message_start carries the logical model
	var start struct {
		Message struct {
			Model string `json:"model"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(rec.Payloads(t)[0]), &start))
	assert.Equal(t, "logical-model", start.Message.Model)
}

func TestEmitterToolUse(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "m")

	for _, ev := range []urp.StreamEvent{
		{Kind: urp.StreamStart, ID: "msg_1"},
		{Kind: urp.StreamToolCallStart, Index: 0, CallID: "toolu_1", Name: "lookup"},
		{Kind: urp.StreamToolCallArgsDelta, Index: 0, Args: `{"q":1}`},
		{Kind: urp.StreamToolCallDone, Index: 0},
		{Kind: urp.StreamFinish, FinishReason: urp.FinishToolCalls},
	} {
		require.NoError(t, e.Emit(ev))
	}

	types := streamGrammar(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	payloads := rec.Payloads(t)
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-2]), &delta))
	assert.Equal(t, "tool_use", delta.Delta.StopReason)
}

func TestEmitterInterleavedToolCalls(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "m")

	// Arg deltas for both calls arrive interleaved; the second call's block
	// must not open, and its deltas must not flow, until the first closes.
	for _, ev := range []urp.StreamEvent{
		{Kind: urp.StreamStart, ID: "msg_1"},
		{Kind: urp.StreamToolCallStart, Index: 0, CallID: "toolu_a", Name: "lookup"},
		{Kind: urp.StreamToolCallArgsDelta, Index: 0, Args: `{"q":`},
		{Kind: urp.StreamToolCallStart, Index: 1, CallID: "toolu_b", Name: "fetch"},
		{Kind: urp.StreamToolCallArgsDelta, Index: 1, Args: `{"u":`},
		{Kind: urp.StreamToolCallArgsDelta, Index: 0, Args: `1}`},
		{Kind: urp.StreamToolCallArgsDelta, Index: 1, Args: `2}`},
		{Kind: urp.StreamToolCallDone, Index: 0},
		{Kind: urp.StreamToolCallDone, Index: 1},
		{Kind: urp.StreamFinish, FinishReason: urp.FinishToolCalls},
	} {
		require.NoError(t, e.Emit(ev))
	}

	types := streamGrammar(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // toolu_a
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // toolu_b
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	// every delta targets the block that is open at that point, and each
	// call's arguments assemble completely on its own block
	open := -1
	args := map[int]string{}
	ids := map[int]string{}
	for _, p := range rec.Payloads(t) {
		var ev struct {
			Type         string `json:"type"`
			Index        int    `json:"index"`
			ContentBlock struct {
				ID string `json:"id"`
			} `json:"content_block"`
			Delta struct {
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		require.NoError(t, json.Unmarshal([]byte(p), &ev))
		switch ev.Type {
		case "content_block_start":
			open = ev.Index
			ids[ev.Index] = ev.ContentBlock.ID
		case "content_block_delta":
			require.Equal(t, open, ev.Index, "delta for a block that is not open")
			args[ev.Index] += ev.Delta.PartialJSON
		case "content_block_stop":
			require.Equal(t, open, ev.Index)
			open = -1
		}
	}
	assert.Equal(t, "toolu_a", ids[0])
	assert.Equal(t, "toolu_b", ids[1])
	assert.Equal(t, `{"q":1}`, args[0])
	assert.Equal(t, `{"u":2}`, args[1])
}

func TestEmitterToolCallUnfinishedAtStreamEnd(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "m")

	// the second call never reports done; finish must still open its block,
	// flush its buffered args, and close it before message_delta
	for _, ev := range []urp.StreamEvent{
		{Kind: urp.StreamStart, ID: "msg_1"},
		{Kind: urp.StreamToolCallStart, Index: 0, CallID: "toolu_a", Name: "lookup"},
		{Kind: urp.StreamToolCallStart, Index: 1, CallID: "toolu_b", Name: "fetch"},
		{Kind: urp.StreamToolCallArgsDelta, Index: 1, Args: `{"u":2}`},
		{Kind: urp.StreamToolCallDone, Index: 0},
		{Kind: urp.StreamFinish, FinishReason: urp.FinishToolCalls},
	} {
		require.NoError(t, e.Emit(ev))
	}

	types := streamGrammar(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)
}

func TestEmitterBalancedBlocksOnEmptyStream(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "m")
	require.NoError(t, e.Emit(urp.StreamEvent{Kind: urp.StreamStart, ID: "msg_1"}))
	require.NoError(t, e.Emit(urp.StreamEvent{Kind: urp.StreamFinish, FinishReason: urp.FinishStop}))

	types := streamGrammar(t, rec)
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, types)
}

func TestEmitterError(t *testing.T) {
	rec := protocoltest.NewRecorder(t)
	e := NewEmitter(rec.Writer, "m")
	require.NoError(t, e.Emit(urp.StreamEvent{Kind: urp.StreamStart, ID: "msg_1"}))
	require.NoError(t, e.Emit(urp.StreamEvent{Kind: urp.StreamError, Err: assert.AnError}))

	types := streamGrammar(t, rec)
	assert.Equal(t, "error", types[len(types)-1])
	// emitter is inert after the terminal event
	require.NoError(t, e.Emit(urp.StreamEvent{Kind: urp.StreamTextDelta, Text: "x"}))
	assert.Len(t, streamGrammar(t, rec), len(types))
}
