package responses

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// wireStreamEvent is the upstream Responses SSE payload. Some relays wrap
// the inner object as {"sequence_number":N,"data":{...}}; decode handles
// both layouts.
type wireStreamEvent struct {
	Type        string          `json:"type"`
	OutputIndex int             `json:"output_index"`
	Delta       string          `json:"delta"`
	Text        string          `json:"text"`
	Arguments   string          `json:"arguments"`
	Item        *wireItem       `json:"item,omitempty"`
	Response    *wireResponse   `json:"response,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// StreamDecoder turns upstream Responses SSE into neutral stream events.
// Tool calls correlate on output_index.
type StreamDecoder struct {
	started  bool
	closed   bool
	finished bool
	open     map[int]bool
	done     map[int]bool
	usage    *urp.Usage
	toolSeen bool
}

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{open: make(map[int]bool), done: make(map[int]bool)}
}

// Decode consumes one SSE event and returns the neutral events it yields.
func (d *StreamDecoder) Decode(ev sse.Event) ([]urp.StreamEvent, error) {
	if d.closed {
		return nil, nil
	}
	if ev.IsDone() {
		return d.Close(), nil
	}

	var wire wireStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("responses: decoding stream event: %w", err)
	}
	// Unwrap the {"sequence_number":N,"data":{...}} envelope.
	if wire.Type == "" && len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, &wire); err != nil {
			return nil, fmt.Errorf("responses: decoding wrapped stream event: %w", err)
		}
	}

	var out []urp.StreamEvent
	switch wire.Type {
	case "response.created", "response.in_progress":
		if !d.started && wire.Response != nil {
			d.started = true
			out = append(out, urp.StreamEvent{
				Kind:  urp.StreamStart,
				ID:    wire.Response.ID,
				Model: wire.Response.Model,
			})
		}

	case "response.output_item.added":
		if wire.Item != nil && wire.Item.Type == "function_call" && !d.open[wire.OutputIndex] {
			d.open[wire.OutputIndex] = true
			d.toolSeen = true
			out = append(out, urp.StreamEvent{
				Kind:   urp.StreamToolCallStart,
				Index:  wire.OutputIndex,
				CallID: wire.Item.CallID,
				Name:   wire.Item.Name,
			})
			if wire.Item.Arguments != "" {
				out = append(out, urp.StreamEvent{
					Kind:  urp.StreamToolCallArgsDelta,
					Index: wire.OutputIndex,
					Args:  wire.Item.Arguments,
				})
			}
		}

	case "response.output_text.delta":
		out = append(out, urp.StreamEvent{Kind: urp.StreamTextDelta, Text: wire.Delta})

	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: wire.Delta})

	case "response.reasoning_signature.delta":
		out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningSignatureDelta, Text: wire.Delta})

	case "response.refusal.delta":
		out = append(out, urp.StreamEvent{Kind: urp.StreamRefusalDelta, Text: wire.Delta})

	case "response.function_call_arguments.delta":
		out = append(out, urp.StreamEvent{
			Kind:  urp.StreamToolCallArgsDelta,
			Index: wire.OutputIndex,
			Args:  wire.Delta,
		})

	case "response.function_call_arguments.done", "response.output_item.done":
		if wire.Type == "response.output_item.done" && (wire.Item == nil || wire.Item.Type != "function_call") {
			break
		}
		if d.open[wire.OutputIndex] && !d.done[wire.OutputIndex] {
			d.done[wire.OutputIndex] = true
			out = append(out, urp.StreamEvent{Kind: urp.StreamToolCallDone, Index: wire.OutputIndex})
		}

	case "response.completed", "response.incomplete":
		if wire.Response != nil && wire.Response.Usage != nil {
			d.captureUsage(wire.Response.Usage)
		}
		out = append(out, d.finishEvents(wire.Response)...)

	case "error":
		d.closed = true
		msg := wire.Message
		if msg == "" {
			msg = "upstream stream error"
		}
		out = append(out, urp.StreamEvent{
			Kind: urp.StreamError,
			Err:  apierror.New(apierror.UpstreamError, "%s", msg),
		})
	}
	return out, nil
}

func (d *StreamDecoder) captureUsage(u *wireUsage) {
	next := usageToURP(u)
	if d.usage == nil || next.Total() >= d.usage.Total() {
		d.usage = next
	}
}

func (d *StreamDecoder) finishEvents(resp *wireResponse) []urp.StreamEvent {
	if d.finished {
		return nil
	}
	d.finished = true

	var out []urp.StreamEvent
	var pending []int
	for idx := range d.open {
		if !d.done[idx] {
			pending = append(pending, idx)
		}
	}
	sort.Ints(pending)
	for _, idx := range pending {
		d.done[idx] = true
		out = append(out, urp.StreamEvent{Kind: urp.StreamToolCallDone, Index: idx})
	}

	reason := urp.FinishStop
	if d.toolSeen {
		reason = urp.FinishToolCalls
	}
	if resp != nil {
		reason = finishReasonFromStatus(resp.Status, resp.IncompleteDetails, d.toolSeen)
	}
	out = append(out, urp.StreamEvent{Kind: urp.StreamFinish, FinishReason: reason, Usage: d.usage})
	return out
}

// Close flushes terminal events if the stream ended without a
// response.completed. Idempotent.
func (d *StreamDecoder) Close() []urp.StreamEvent {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.finished {
		return nil
	}
	return d.finishEvents(nil)
}

// Emitter renders neutral stream events as downstream Responses SSE. Every
// emitted event carries a strictly increasing sequence_number in a
// {"sequence_number":N,"data":{...}} payload.
type Emitter struct {
	w     *sse.Writer
	model string

	seq         int
	id          string
	done        bool
	msgOpen     bool
	msgIndex    int
	reasonOpen  bool
	reasonIndex int
	nextIndex   int
	text        string

	calls map[int]*callState
	order []int
}

type callState struct {
	outputIndex int
	callID      string
	name        string
	args        string
}

// NewEmitter builds an emitter; model overrides the upstream model in
// emitted payloads when non-empty.
func NewEmitter(w *sse.Writer, model string) *Emitter {
	return &Emitter{w: w, model: model, calls: make(map[int]*callState)}
}

func (e *Emitter) write(name string, inner map[string]any) error {
	e.seq++
	payload := map[string]any{"sequence_number": e.seq, "data": inner}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("responses: marshaling event: %w", err)
	}
	return e.w.WriteEvent(name, data)
}

func (e *Emitter) responseObject(status string, usage *urp.Usage) map[string]any {
	obj := map[string]any{
		"id":     e.id,
		"object": "response",
		"status": status,
		"model":  e.model,
	}
	if usage != nil {
		obj["usage"] = encodeUsage(usage)
	}
	return obj
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
			e.id = "resp_" + uuid.NewString()
		}
		if e.model == "" {
			e.model = ev.Model
		}
		if err := e.write("response.created", map[string]any{
			"type":     "response.created",
			"response": e.responseObject("in_progress", nil),
		}); err != nil {
			return err
		}
		return e.write("response.in_progress", map[string]any{
			"type":     "response.in_progress",
			"response": e.responseObject("in_progress", nil),
		})

	case urp.StreamTextDelta:
		if err := e.ensureMessageItem(); err != nil {
			return err
		}
		e.text += ev.Text
		return e.write("response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"output_index": e.msgIndex,
			"delta":        ev.Text,
		})

	case urp.StreamReasoningDelta:
		if err := e.ensureReasoningItem(); err != nil {
			return err
		}
		return e.write("response.reasoning_text.delta", map[string]any{
			"type":         "response.reasoning_text.delta",
			"output_index": e.reasonIndex,
			"delta":        ev.Text,
		})

	case urp.StreamReasoningSignatureDelta:
		if err := e.ensureReasoningItem(); err != nil {
			return err
		}
		return e.write("response.reasoning_signature.delta", map[string]any{
			"type":         "response.reasoning_signature.delta",
			"output_index": e.reasonIndex,
			"delta":        ev.Text,
		})

	case urp.StreamRefusalDelta:
		if err := e.ensureMessageItem(); err != nil {
			return err
		}
		return e.write("response.refusal.delta", map[string]any{
			"type":         "response.refusal.delta",
			"output_index": e.msgIndex,
			"delta":        ev.Text,
		})

	case urp.StreamToolCallStart:
		cs := &callState{
			outputIndex: e.nextIndex,
			callID:      ev.CallID,
			name:        ev.Name,
		}
		e.nextIndex++
		e.calls[ev.Index] = cs
		e.order = append(e.order, ev.Index)
		return e.write("response.output_item.added", map[string]any{
			"type":         "response.output_item.added",
			"output_index": cs.outputIndex,
			"item": map[string]any{
				"type":      "function_call",
				"id":        "fc_" + uuid.NewString(),
				"call_id":   cs.callID,
				"name":      cs.name,
				"arguments": "",
			},
		})

	case urp.StreamToolCallArgsDelta:
		cs, ok := e.calls[ev.Index]
		if !ok {
			return nil
		}
		cs.args += ev.Args
		return e.write("response.function_call_arguments.delta", map[string]any{
			"type":         "response.function_call_arguments.delta",
			"output_index": cs.outputIndex,
			"delta":        ev.Args,
		})

	case urp.StreamToolCallDone:
		cs, ok := e.calls[ev.Index]
		if !ok {
			return nil
		}
		if err := e.write("response.function_call_arguments.done", map[string]any{
			"type":         "response.function_call_arguments.done",
			"output_index": cs.outputIndex,
			"arguments":    cs.args,
		}); err != nil {
			return err
		}
		return e.write("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": cs.outputIndex,
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   cs.callID,
				"name":      cs.name,
				"arguments": cs.args,
			},
		})

	case urp.StreamFinish:
		return e.finish(ev)

	case urp.StreamError:
		e.done = true
		ae := apierror.From(ev.Err)
		return e.write("error", map[string]any{
			"type":    "error",
			"code":    ae.Code(),
			"message": ae.Message,
		})
	}
	return nil
}

func (e *Emitter) ensureMessageItem() error {
	if e.msgOpen {
		return nil
	}
	e.msgOpen = true
	e.msgIndex = e.nextIndex
	e.nextIndex++
	return e.write("response.output_item.added", map[string]any{
		"type":         "response.output_item.added",
		"output_index": e.msgIndex,
		"item": map[string]any{
			"type":    "message",
			"id":      "msg_" + uuid.NewString(),
			"role":    "assistant",
			"content": []any{},
		},
	})
}

func (e *Emitter) ensureReasoningItem() error {
	if e.reasonOpen {
		return nil
	}
	e.reasonOpen = true
	e.reasonIndex = e.nextIndex
	e.nextIndex++
	return e.write("response.output_item.added", map[string]any{
		"type":         "response.output_item.added",
		"output_index": e.reasonIndex,
		"item": map[string]any{
			"type":    "reasoning",
			"id":      "rs_" + uuid.NewString(),
			"summary": []any{},
		},
	})
}

func (e *Emitter) finish(ev urp.StreamEvent) error {
	if !e.msgOpen && len(e.calls) == 0 {
		if err := e.ensureMessageItem(); err != nil {
			return err
		}
	}
	if e.msgOpen || len(e.calls) == 0 {
		// output_text.done goes out even for empty streams.
		if err := e.write("response.output_text.done", map[string]any{
			"type":         "response.output_text.done",
			"output_index": e.msgIndex,
			"text":         e.text,
		}); err != nil {
			return err
		}
		if err := e.write("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": e.msgIndex,
			"item": map[string]any{
				"type": "message",
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "output_text", "text": e.text},
				},
			},
		}); err != nil {
			return err
		}
	}

	status := "completed"
	eventType := "response.completed"
	if ev.FinishReason == urp.FinishLength {
		status = "incomplete"
		eventType = "response.incomplete"
	}
	e.done = true
	return e.write(eventType, map[string]any{
		"type":     eventType,
		"response": e.responseObject(status, ev.Usage),
	})
}
