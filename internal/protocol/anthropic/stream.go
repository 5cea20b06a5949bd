package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

type wireStreamEvent struct {
	Type         string     `json:"type"`
	Index        int        `json:"index"`
	Message      *wireStart `json:"message,omitempty"`
	ContentBlock *wireBlock `json:"content_block,omitempty"`
	Delta        *wireDelta `json:"delta,omitempty"`
	Usage        *wireUsage `json:"usage,omitempty"`
	Error        *wireError `json:"error,omitempty"`
}

type wireStart struct {
	ID    string     `json:"id"`
	Model string     `json:"model"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamDecoder turns upstream Messages SSE into neutral stream events.
// Tool calls correlate on the content_block index.
type StreamDecoder struct {
	closed   bool
	finished bool
	blocks   map[int]string // index -> block type
	usage    *urp.Usage
	finish   urp.FinishReason
	toolSeen bool
}

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{blocks: make(map[int]string)}
}

// Decode consumes one SSE event and returns the neutral events it yields.
// The event name is ignored; the payload's type field is authoritative.
func (d *StreamDecoder) Decode(ev sse.Event) ([]urp.StreamEvent, error) {
	if d.closed {
		return nil, nil
	}
	if ev.IsDone() {
		return d.Close(), nil
	}

	var wire wireStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("anthropic: decoding stream event: %w", err)
	}

	var out []urp.StreamEvent
	switch wire.Type {
	case "message_start":
		if wire.Message != nil {
			out = append(out, urp.StreamEvent{
				Kind:  urp.StreamStart,
				ID:    wire.Message.ID,
				Model: wire.Message.Model,
			})
			if wire.Message.Usage != nil {
				d.captureUsage(wire.Message.Usage)
			}
		}

	case "content_block_start":
		if wire.ContentBlock == nil {
			break
		}
		d.blocks[wire.Index] = wire.ContentBlock.Type
		if wire.ContentBlock.Type == "tool_use" {
			d.toolSeen = true
			out = append(out, urp.StreamEvent{
				Kind:   urp.StreamToolCallStart,
				Index:  wire.Index,
				CallID: wire.ContentBlock.ID,
				Name:   wire.ContentBlock.Name,
			})
		}

	case "content_block_delta":
		if wire.Delta == nil {
			break
		}
		switch wire.Delta.Type {
		case "text_delta":
			out = append(out, urp.StreamEvent{Kind: urp.StreamTextDelta, Text: wire.Delta.Text})
		case "thinking_delta":
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: wire.Delta.Thinking})
		case "signature_delta":
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningSignatureDelta, Text: wire.Delta.Signature})
		case "input_json_delta":
			out = append(out, urp.StreamEvent{
				Kind:  urp.StreamToolCallArgsDelta,
				Index: wire.Index,
				Args:  wire.Delta.PartialJSON,
			})
		}

	case "content_block_stop":
		if d.blocks[wire.Index] == "tool_use" {
			out = append(out, urp.StreamEvent{Kind: urp.StreamToolCallDone, Index: wire.Index})
		}
		delete(d.blocks, wire.Index)

	case "message_delta":
		if wire.Delta != nil && wire.Delta.StopReason != "" {
			d.finish = StopReasonToURP(wire.Delta.StopReason)
		}
		if wire.Usage != nil {
			d.captureUsage(wire.Usage)
		}

	case "message_stop":
		out = append(out, d.finishEvents()...)

	case "error":
		d.closed = true
		msg := "upstream stream error"
		if wire.Error != nil && wire.Error.Message != "" {
			msg = wire.Error.Message
		}
		out = append(out, urp.StreamEvent{
			Kind: urp.StreamError,
			Err:  apierror.New(apierror.UpstreamError, "%s", msg),
		})

	case "ping":
		// keepalive
	}
	return out, nil
}

// captureUsage merges partial usage reports; message_start carries input
// tokens and message_delta carries output tokens.
func (d *StreamDecoder) captureUsage(u *wireUsage) {
	next := usageToURP(u)
	if d.usage == nil {
		d.usage = next
		return
	}
	if next.PromptTokens > d.usage.PromptTokens {
		d.usage.PromptTokens = next.PromptTokens
		d.usage.CachedTokens = next.CachedTokens
	}
	if next.CompletionTokens > d.usage.CompletionTokens {
		d.usage.CompletionTokens = next.CompletionTokens
	}
}

func (d *StreamDecoder) finishEvents() []urp.StreamEvent {
	if d.finished {
		return nil
	}
	d.finished = true

	var out []urp.StreamEvent
	for idx, typ := range d.blocks {
		if typ == "tool_use" {
			out = append(out, urp.StreamEvent{Kind: urp.StreamToolCallDone, Index: idx})
		}
	}

	finish := d.finish
	if finish == "" {
		if d.toolSeen {
			finish = urp.FinishToolCalls
		} else {
			finish = urp.FinishStop
		}
	}
	out = append(out, urp.StreamEvent{Kind: urp.StreamFinish, FinishReason: finish, Usage: d.usage})
	return out
}

// Close flushes terminal events if the stream ended without a message_stop.
// Idempotent.
func (d *StreamDecoder) Close() []urp.StreamEvent {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.finished {
		return nil
	}
	return d.finishEvents()
}

// Emitter renders neutral stream events as downstream Messages SSE,
// honoring the event grammar: message_start, balanced content_block
// start/stop pairs with increasing indices, one message_delta carrying the
// terminal stop_reason, then message_stop.
type Emitter struct {
	w     *sse.Writer
	model string

	done      bool
	id        string
	nextIndex int

	// open block state; kind is "" when no block is open
	openKind  string // "text", "thinking", "tool_use"
	openIndex int

	calls map[int]*toolState // neutral index -> tool call state
	queue []int              // neutral indices waiting for a block
}

// toolState tracks one tool call. A call whose block cannot open yet (another
// tool block is still streaming) buffers its argument deltas in pending until
// the emitter reaches it in queue order.
type toolState struct {
	blockIndex int
	callID     string
	name       string
	started    bool
	done       bool
	pending    string
}

// NewEmitter builds an emitter; model overrides the upstream model in the
// message_start payload when non-empty.
func NewEmitter(w *sse.Writer, model string) *Emitter {
	return &Emitter{w: w, model: model, calls: make(map[int]*toolState)}
}

func (e *Emitter) write(name string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("anthropic: marshaling event: %w", err)
	}
	return e.w.WriteEvent(name, data)
}

// openBlock closes any current block and starts a new one of the given
// kind, returning its index.
func (e *Emitter) openBlock(kind string, block map[string]any) (int, error) {
	if e.openKind == kind && kind != "tool_use" {
		return e.openIndex, nil
	}
	if err := e.closeBlock(); err != nil {
		return 0, err
	}
	idx := e.nextIndex
	e.nextIndex++
	e.openKind = kind
	e.openIndex = idx
	block["type"] = kind
	return idx, e.write("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	})
}

func (e *Emitter) closeBlock() error {
	if e.openKind == "" {
		return nil
	}
	idx := e.openIndex
	e.openKind = ""
	return e.write("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

// startToolBlock opens the content block for a tool call and flushes any
// buffered argument deltas.
func (e *Emitter) startToolBlock(cs *toolState) error {
	idx, err := e.openBlock("tool_use", map[string]any{
		"id":    cs.callID,
		"name":  cs.name,
		"input": map[string]any{},
	})
	if err != nil {
		return err
	}
	cs.started = true
	cs.blockIndex = idx
	if cs.pending != "" {
		pending := cs.pending
		cs.pending = ""
		return e.argsDelta(idx, pending)
	}
	return nil
}

// drainQueue opens blocks for queued tool calls in arrival order, closing the
// ones already finished, until it reaches one still streaming.
func (e *Emitter) drainQueue() error {
	for len(e.queue) > 0 {
		cs := e.calls[e.queue[0]]
		e.queue = e.queue[1:]
		if err := e.startToolBlock(cs); err != nil {
			return err
		}
		if !cs.done {
			return nil
		}
		if err := e.closeBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) argsDelta(idx int, args string) error {
	return e.write("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
	})
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
			e.id = "msg_" + uuid.NewString()
		}
		if e.model == "" {
			e.model = ev.Model
		}
		return e.write("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})

	case urp.StreamTextDelta:
		idx, err := e.openBlock("text", map[string]any{"text": ""})
		if err != nil {
			return err
		}
		return e.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})

	case urp.StreamReasoningDelta:
		idx, err := e.openBlock("thinking", map[string]any{"thinking": ""})
		if err != nil {
			return err
		}
		return e.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		})

	case urp.StreamReasoningSignatureDelta:
		idx, err := e.openBlock("thinking", map[string]any{"thinking": ""})
		if err != nil {
			return err
		}
		return e.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "signature_delta", "signature": ev.Text},
		})

	case urp.StreamRefusalDelta:
		idx, err := e.openBlock("text", map[string]any{"text": ""})
		if err != nil {
			return err
		}
		return e.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})

	case urp.StreamToolCallStart:
		callID := ev.CallID
		if callID == "" {
			callID = "toolu_" + uuid.NewString()
		}
		cs := &toolState{callID: callID, name: ev.Name}
		e.calls[ev.Index] = cs
		if e.openKind == "tool_use" || len(e.queue) > 0 {
			// Another tool block is still streaming; deltas for this call
			// buffer until its turn.
			e.queue = append(e.queue, ev.Index)
			return nil
		}
		return e.startToolBlock(cs)

	case urp.StreamToolCallArgsDelta:
		cs, ok := e.calls[ev.Index]
		if !ok {
			return nil
		}
		if cs.started && e.openKind == "tool_use" && e.openIndex == cs.blockIndex {
			return e.argsDelta(cs.blockIndex, ev.Args)
		}
		cs.pending += ev.Args
		return nil

	case urp.StreamToolCallDone:
		cs, ok := e.calls[ev.Index]
		if !ok {
			return nil
		}
		cs.done = true
		if cs.started && e.openKind == "tool_use" && e.openIndex == cs.blockIndex {
			if err := e.closeBlock(); err != nil {
				return err
			}
			return e.drainQueue()
		}
		return nil

	case urp.StreamFinish:
		if err := e.closeBlock(); err != nil {
			return err
		}
		for len(e.queue) > 0 {
			if err := e.drainQueue(); err != nil {
				return err
			}
			if err := e.closeBlock(); err != nil {
				return err
			}
		}
		usage := map[string]any{"output_tokens": 0}
		if ev.Usage != nil {
			usage = map[string]any{
				"input_tokens":  ev.Usage.PromptTokens - ev.Usage.CachedTokens,
				"output_tokens": ev.Usage.CompletionTokens,
			}
			if ev.Usage.CachedTokens > 0 {
				usage["cache_read_input_tokens"] = ev.Usage.CachedTokens
			}
		}
		if err := e.write("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   StopReasonFromURP(ev.FinishReason),
				"stop_sequence": nil,
			},
			"usage": usage,
		}); err != nil {
			return err
		}
		e.done = true
		return e.write("message_stop", map[string]any{"type": "message_stop"})

	case urp.StreamError:
		e.done = true
		ae := apierror.From(ev.Err)
		return e.write("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    ae.Code(),
				"message": ae.Message,
			},
		})
	}
	return nil
}
