// Package grok implements the upstream Grok shape. The wire format is Chat
// Completions with two deviations: reasoning_effort only accepts low and
// high, and thinking traces come back in reasoning_content. Everything else
// delegates to the chat codec.
package grok

import (
	"github.com/howard-nolan/llmgateway/internal/protocol/chat"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// EncodeRequest converts a URP request into a Grok request body, clamping
// the reasoning effort to the values Grok accepts.
func EncodeRequest(req *urp.Request) ([]byte, error) {
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		clamped := *req
		r := *req.Reasoning
		r.Effort = clampEffort(r.Effort)
		clamped.Reasoning = &r
		req = &clamped
	}
	return chat.EncodeRequest(req)
}

func clampEffort(effort string) string {
	switch effort {
	case "minimum", "low", "none":
		return "low"
	default:
		return "high"
	}
}

// DecodeResponse converts an upstream Grok response to URP. The chat decoder
// already folds reasoning_content into reasoning parts.
func DecodeResponse(body []byte) (*urp.Response, error) {
	return chat.DecodeResponse(body)
}

// StreamDecoder decodes Grok SSE, which follows the chat.completion.chunk
// grammar including reasoning_content deltas and the [DONE] sentinel.
type StreamDecoder = chat.StreamDecoder

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return chat.NewStreamDecoder()
}
