package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// StreamDecoder turns upstream chat.completion.chunk SSE into neutral
// stream events. Tool-call fragments correlate on tool_calls[*].index; the
// finish event is held until the stream ends so a trailing usage-only chunk
// (stream_options.include_usage) is still folded in.
type StreamDecoder struct {
	started bool
	closed  bool
	open    map[int]bool
	order   []int
	finish  urp.FinishReason
	usage   *urp.Usage
}

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{open: make(map[int]bool)}
}

// Decode consumes one SSE event and returns the neutral events it yields.
func (d *StreamDecoder) Decode(ev sse.Event) ([]urp.StreamEvent, error) {
	if d.closed {
		return nil, nil
	}
	if ev.IsDone() {
		return d.Close(), nil
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, fmt.Errorf("chat: decoding stream chunk: %w", err)
	}

	var out []urp.StreamEvent
	if !d.started {
		d.started = true
		out = append(out, urp.StreamEvent{Kind: urp.StreamStart, ID: chunk.ID, Model: chunk.Model})
	}

	if chunk.Usage != nil {
		d.captureUsage(chunk.Usage)
	}

	for _, choice := range chunk.Choices {
		out = append(out, d.decodeDelta(choice.Delta)...)
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finish = FinishReasonToURP(*choice.FinishReason)
		}
	}
	return out, nil
}

func (d *StreamDecoder) decodeDelta(delta wireDelta) []urp.StreamEvent {
	var out []urp.StreamEvent

	for _, det := range delta.ReasoningDetails {
		switch det.Type {
		case "reasoning.encrypted":
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningSignatureDelta, Text: string(det.Data)})
		case "reasoning.summary":
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: det.Summary})
		default:
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: det.Text})
		}
	}
	if delta.ReasoningContent != nil && *delta.ReasoningContent != "" {
		out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: *delta.ReasoningContent})
	} else if delta.Reasoning != nil && *delta.Reasoning != "" {
		out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: *delta.Reasoning})
	}
	if delta.Content != nil && *delta.Content != "" {
		out = append(out, urp.StreamEvent{Kind: urp.StreamTextDelta, Text: *delta.Content})
	}
	if delta.Refusal != nil && *delta.Refusal != "" {
		out = append(out, urp.StreamEvent{Kind: urp.StreamRefusalDelta, Text: *delta.Refusal})
	}

	for _, tc := range delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		if !d.open[idx] {
			d.open[idx] = true
			d.order = append(d.order, idx)
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out = append(out, urp.StreamEvent{
				Kind:   urp.StreamToolCallStart,
				Index:  idx,
				CallID: id,
				Name:   tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			out = append(out, urp.StreamEvent{
				Kind:  urp.StreamToolCallArgsDelta,
				Index: idx,
				Args:  tc.Function.Arguments,
			})
		}
	}
	return out
}

// captureUsage keeps the last snapshot that does not regress in
// prompt+completion terms.
func (d *StreamDecoder) captureUsage(u *wireUsage) {
	next := usageToURP(u)
	if d.usage == nil || next.Total() >= d.usage.Total() {
		d.usage = next
	}
}

// Close flushes the terminal events: one tool_call_done per announced call
// and the finish event carrying the captured usage. Idempotent.
func (d *StreamDecoder) Close() []urp.StreamEvent {
	if d.closed {
		return nil
	}
	d.closed = true

	var out []urp.StreamEvent
	sort.Ints(d.order)
	for _, idx := range d.order {
		out = append(out, urp.StreamEvent{Kind: urp.StreamToolCallDone, Index: idx})
	}

	finish := d.finish
	if finish == "" {
		if len(d.order) > 0 {
			finish = urp.FinishToolCalls
		} else {
			finish = urp.FinishStop
		}
	}
	out = append(out, urp.StreamEvent{Kind: urp.StreamFinish, FinishReason: finish, Usage: d.usage})
	return out
}

// Emitter renders neutral stream events as downstream chat.completion.chunk
// SSE, terminating with the [DONE] sentinel.
type Emitter struct {
	w       *sse.Writer
	id      string
	model   string
	created int64
	done    bool
}

// NewEmitter builds an emitter. Model overrides the upstream-reported model
// in emitted chunks when non-empty (the client sees the logical model).
func NewEmitter(w *sse.Writer, model string) *Emitter {
	return &Emitter{w: w, model: model, created: time.Now().Unix()}
}

// Emit writes the downstream rendering of one neutral event.
func (e *Emitter) Emit(ev urp.StreamEvent) error {
	if e.done {
		return nil
	}
	switch ev.Kind {
	case urp.StreamStart:
		e.id = ev.ID
		if e.id == "" {
			e.id = "chatcmpl-" + uuid.NewString()
		}
		if e.model == "" {
			e.model = ev.Model
		}
		return e.writeChunk(map[string]any{"role": "assistant", "content": ""}, nil, nil)

	case urp.StreamTextDelta:
		return e.writeChunk(map[string]any{"content": ev.Text}, nil, nil)

	case urp.StreamReasoningDelta:
		return e.writeChunk(map[string]any{"reasoning_content": ev.Text}, nil, nil)

	case urp.StreamReasoningSignatureDelta:
		return e.writeChunk(map[string]any{
			"reasoning_details": []any{map[string]any{"type": "reasoning.encrypted", "data": ev.Text}},
		}, nil, nil)

	case urp.StreamRefusalDelta:
		return e.writeChunk(map[string]any{"refusal": ev.Text}, nil, nil)

	case urp.StreamToolCallStart:
		return e.writeChunk(map[string]any{"tool_calls": []any{map[string]any{
			"index": ev.Index,
			"id":    ev.CallID,
			"type":  "function",
			"function": map[string]any{
				"name":      ev.Name,
				"arguments": "",
			},
		}}}, nil, nil)

	case urp.StreamToolCallArgsDelta:
		return e.writeChunk(map[string]any{"tool_calls": []any{map[string]any{
			"index":    ev.Index,
			"function": map[string]any{"arguments": ev.Args},
		}}}, nil, nil)

	case urp.StreamToolCallDone:
		return nil

	case urp.StreamFinish:
		reason := FinishReasonFromURP(ev.FinishReason)
		var usage map[string]any
		if ev.Usage != nil {
			usage = encodeUsage(ev.Usage)
		}
		if err := e.writeChunk(map[string]any{}, &reason, usage); err != nil {
			return err
		}
		e.done = true
		return e.w.WriteDone()

	case urp.StreamError:
		e.done = true
		env := apierror.From(ev.Err).ToEnvelope()
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := e.w.WriteEvent("", data); err != nil {
			return err
		}
		return e.w.WriteDone()
	}
	return nil
}

func (e *Emitter) writeChunk(delta map[string]any, finish *string, usage map[string]any) error {
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	chunk := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{choice},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("chat: marshaling chunk: %w", err)
	}
	return e.w.WriteEvent("", data)
}
