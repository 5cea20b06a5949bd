// Package stream pumps upstream SSE through a shape decoder into a
// downstream emitter, with bounded buffering between producer and consumer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/protocol/anthropic"
	"github.com/howard-nolan/llmgateway/internal/protocol/chat"
	"github.com/howard-nolan/llmgateway/internal/protocol/gemini"
	"github.com/howard-nolan/llmgateway/internal/protocol/grok"
	"github.com/howard-nolan/llmgateway/internal/protocol/responses"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// eventBuffer is the forward-channel capacity. A slow client fills it and
// suspends the producer, which throttles upstream reads in turn.
const eventBuffer = 64

// Decoder turns upstream SSE events into neutral stream events.
type Decoder interface {
	Decode(ev sse.Event) ([]urp.StreamEvent, error)
	Close() []urp.StreamEvent
}

// Emitter renders neutral stream events in a downstream shape.
type Emitter interface {
	Emit(ev urp.StreamEvent) error
}

// NewDecoder picks the decoder for an upstream provider kind.
func NewDecoder(kind store.ProviderKind) (Decoder, error) {
	switch kind {
	case store.KindResponses:
		return responses.NewStreamDecoder(), nil
	case store.KindChat:
		return chat.NewStreamDecoder(), nil
	case store.KindMessages:
		return anthropic.NewStreamDecoder(), nil
	case store.KindGemini:
		return gemini.NewStreamDecoder(), nil
	case store.KindGrok:
		return grok.NewStreamDecoder(), nil
	}
	return nil, fmt.Errorf("stream: no decoder for provider kind %q", kind)
}

// NewEmitter picks the emitter for a downstream shape. Model overrides the
// upstream-reported model so clients see the logical name they asked for.
func NewEmitter(shape protocol.Shape, w *sse.Writer, model string) (Emitter, error) {
	switch shape {
	case protocol.ShapeResponses:
		return responses.NewEmitter(w, model), nil
	case protocol.ShapeChat, protocol.ShapeGrok:
		return chat.NewEmitter(w, model), nil
	case protocol.ShapeMessages:
		return anthropic.NewEmitter(w, model), nil
	}
	return nil, fmt.Errorf("stream: no emitter for shape %q", shape)
}

// Result summarizes one completed transcode for billing and logging.
type Result struct {
	Usage        *urp.Usage
	FinishReason urp.FinishReason
	TTFB         time.Duration
}

// Transcode reads the upstream SSE body to completion, decoding into neutral
// events and emitting them downstream. The producer goroutine exits when the
// consumer stops (emit failure or ctx cancellation), which closes the
// upstream body via the caller's defer.
func Transcode(ctx context.Context, body io.Reader, dec Decoder, emit Emitter) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan urp.StreamEvent, eventBuffer)
	go produce(ctx, body, dec, events)

	res := &Result{}
	start := time.Now()
	first := true
	sniff := usageSniffer{}

	for ev := range events {
		if first {
			res.TTFB = time.Since(start)
			first = false
		}
		switch ev.Kind {
		case urp.StreamFinish:
			res.FinishReason = ev.FinishReason
			if ev.Usage != nil {
				res.Usage = ev.Usage
			}
		case urp.StreamError:
			if err := emit.Emit(ev); err != nil {
				return res, err
			}
			return res, ev.Err
		}
		if ev.Kind == sniffEventKind {
			sniff.consume(ev.Text)
			continue
		}
		if err := emit.Emit(ev); err != nil {
			// Client gone. Cancel the producer and drain.
			cancel()
			for range events {
			}
			return res, err
		}
	}

	if res.Usage == nil {
		res.Usage = sniff.usage
	}
	return res, nil
}

// sniffEventKind is an internal marker: the producer forwards each raw event
// payload once so usage can be recovered even when the decoder's shape
// parsing missed it.
const sniffEventKind urp.StreamEventKind = "raw_sniff"

func produce(ctx context.Context, body io.Reader, dec Decoder, out chan<- urp.StreamEvent) {
	defer close(out)

	send := func(ev urp.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := sse.NewScanner(body)
	for {
		raw, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(urp.StreamEvent{Kind: urp.StreamError, Err: err})
			return
		}

		if !send(urp.StreamEvent{Kind: sniffEventKind, Text: raw.Data}) {
			return
		}
		decoded, err := dec.Decode(raw)
		if err != nil {
			send(urp.StreamEvent{Kind: urp.StreamError, Err: err})
			return
		}
		for _, ev := range decoded {
			if !send(ev) {
				return
			}
		}
	}
	for _, ev := range dec.Close() {
		if !send(ev) {
			return
		}
	}
}

// usageSniffer pulls usage counters out of raw event payloads across the
// three field vocabularies, keeping the last non-decreasing snapshot.
type usageSniffer struct {
	usage *urp.Usage
}

func (s *usageSniffer) consume(data string) {
	if data == "" || data == sse.Done {
		return
	}
	var u urp.Usage
	switch {
	case gjson.Get(data, "usage.prompt_tokens").Exists() || gjson.Get(data, "response.usage.input_tokens").Exists():
		root := "usage"
		if gjson.Get(data, "response.usage.input_tokens").Exists() {
			root = "response.usage"
		}
		u.PromptTokens = int(gjson.Get(data, root+".prompt_tokens").Int())
		if u.PromptTokens == 0 {
			u.PromptTokens = int(gjson.Get(data, root+".input_tokens").Int())
		}
		u.CompletionTokens = int(gjson.Get(data, root+".completion_tokens").Int())
		if u.CompletionTokens == 0 {
			u.CompletionTokens = int(gjson.Get(data, root+".output_tokens").Int())
		}
		u.CachedTokens = int(gjson.Get(data, root+".prompt_tokens_details.cached_tokens").Int())
		u.ReasoningTokens = int(gjson.Get(data, root+".completion_tokens_details.reasoning_tokens").Int())
	case gjson.Get(data, "usage.input_tokens").Exists():
		u.PromptTokens = int(gjson.Get(data, "usage.input_tokens").Int())
		u.CompletionTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		u.CachedTokens = int(gjson.Get(data, "usage.cache_read_input_tokens").Int())
		u.PromptTokens += u.CachedTokens
	case gjson.Get(data, "usageMetadata.promptTokenCount").Exists():
		u.PromptTokens = int(gjson.Get(data, "usageMetadata.promptTokenCount").Int())
		u.CompletionTokens = int(gjson.Get(data, "usageMetadata.candidatesTokenCount").Int()) +
			int(gjson.Get(data, "usageMetadata.thoughtsTokenCount").Int())
		u.ReasoningTokens = int(gjson.Get(data, "usageMetadata.thoughtsTokenCount").Int())
		u.CachedTokens = int(gjson.Get(data, "usageMetadata.cachedContentTokenCount").Int())
	default:
		return
	}
	if s.usage == nil || u.PromptTokens+u.CompletionTokens >= s.usage.PromptTokens+s.usage.CompletionTokens {
		s.usage = &u
	}
}

// Replay renders a unary response as a synthetic stream. Used when a
// response-phase transform forces the non-streaming upstream path for a
// streaming client.
func Replay(resp *urp.Response, emit Emitter) error {
	if err := emit.Emit(urp.StreamEvent{Kind: urp.StreamStart, ID: resp.ID, Model: resp.Model}); err != nil {
		return err
	}

	nextIndex := 0
	for _, part := range resp.Message.Parts {
		var err error
		switch part.Kind {
		case urp.PartText:
			err = emit.Emit(urp.StreamEvent{Kind: urp.StreamTextDelta, Text: part.Content})
		case urp.PartReasoning:
			err = emit.Emit(urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: part.Content})
		case urp.PartReasoningEncrypted:
			if sig, ok := part.Data.(string); ok {
				err = emit.Emit(urp.StreamEvent{Kind: urp.StreamReasoningSignatureDelta, Text: sig})
			}
		case urp.PartRefusal:
			err = emit.Emit(urp.StreamEvent{Kind: urp.StreamRefusalDelta, Text: part.Content})
		case urp.PartToolCall:
			idx := nextIndex
			nextIndex++
			events := []urp.StreamEvent{
				{Kind: urp.StreamToolCallStart, Index: idx, CallID: part.CallID, Name: part.Name},
				{Kind: urp.StreamToolCallArgsDelta, Index: idx, Args: part.Arguments},
				{Kind: urp.StreamToolCallDone, Index: idx},
			}
			for _, ev := range events {
				if err = emit.Emit(ev); err != nil {
					break
				}
			}
		}
		if err != nil {
			return err
		}
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = urp.FinishStop
	}
	var usage *urp.Usage
	if resp.Usage != nil && resp.Usage.Total() > 0 {
		usage = resp.Usage
	}
	return emit.Emit(urp.StreamEvent{Kind: urp.StreamFinish, FinishReason: finish, Usage: usage})
}
