package relay

import (
	"fmt"

	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/protocol/anthropic"
	"github.com/howard-nolan/llmgateway/internal/protocol/chat"
	"github.com/howard-nolan/llmgateway/internal/protocol/gemini"
	"github.com/howard-nolan/llmgateway/internal/protocol/grok"
	"github.com/howard-nolan/llmgateway/internal/protocol/responses"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// decodeRequest splits unknown fields per the active policy and decodes the
// downstream body into URP.
func decodeRequest(shape protocol.Shape, body []byte, policy protocol.FieldPolicy) (*urp.Request, error) {
	var keys []string
	switch shape {
	case protocol.ShapeResponses:
		keys = responses.RequestKeys
	case protocol.ShapeChat, protocol.ShapeGrok:
		keys = chat.RequestKeys
	case protocol.ShapeMessages:
		keys = anthropic.RequestKeys
	default:
		return nil, fmt.Errorf("relay: no request decoder for shape %q", shape)
	}

	extras, err := protocol.SplitUnknown(body, protocol.KnownKeys(keys...), policy)
	if err != nil {
		return nil, err
	}
	switch shape {
	case protocol.ShapeResponses:
		return responses.DecodeRequest(body, extras)
	case protocol.ShapeMessages:
		return anthropic.DecodeRequest(body, extras)
	default:
		return chat.DecodeRequest(body, extras)
	}
}

// encodeResponse renders a URP response in the downstream shape.
func encodeResponse(shape protocol.Shape, resp *urp.Response) ([]byte, error) {
	switch shape {
	case protocol.ShapeResponses:
		return responses.EncodeResponse(resp)
	case protocol.ShapeChat, protocol.ShapeGrok:
		return chat.EncodeResponse(resp)
	case protocol.ShapeMessages:
		return anthropic.EncodeResponse(resp)
	}
	return nil, fmt.Errorf("relay: no response encoder for shape %q", shape)
}

// encodeUpstream renders a URP request in an upstream provider's shape.
func encodeUpstream(kind store.ProviderKind, req *urp.Request) ([]byte, error) {
	switch kind {
	case store.KindResponses:
		return responses.EncodeRequest(req)
	case store.KindChat:
		return chat.EncodeRequest(req)
	case store.KindMessages:
		return anthropic.EncodeRequest(req)
	case store.KindGemini:
		return gemini.EncodeRequest(req)
	case store.KindGrok:
		return grok.EncodeRequest(req)
	}
	return nil, fmt.Errorf("relay: no request encoder for provider kind %q", kind)
}

// decodeUpstream parses an upstream unary response body into URP.
func decodeUpstream(kind store.ProviderKind, body []byte) (*urp.Response, error) {
	switch kind {
	case store.KindResponses:
		return responses.DecodeResponse(body)
	case store.KindChat:
		return chat.DecodeResponse(body)
	case store.KindMessages:
		return anthropic.DecodeResponse(body)
	case store.KindGemini:
		return gemini.DecodeResponse(body)
	case store.KindGrok:
		return grok.DecodeResponse(body)
	}
	return nil, fmt.Errorf("relay: no response decoder for provider kind %q", kind)
}
