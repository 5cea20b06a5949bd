// Package protocol holds what the wire-shape adapters share: the shape
// enumeration, the unknown-field policy split applied at ingress, and the
// helpers adapters use to preserve fields they do not recognize.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Shape identifies a wire protocol.
type Shape string

const (
	ShapeResponses Shape = "responses" // OpenAI Responses
	ShapeChat      Shape = "chat"      // OpenAI Chat Completions
	ShapeMessages  Shape = "messages"  // Anthropic Messages
	ShapeGemini    Shape = "gemini"    // Google Gemini generateContent
	ShapeGrok      Shape = "grok"      // xAI Grok (Chat-compatible surface)
)

// FieldPolicy controls what happens to unknown top-level request fields.
type FieldPolicy string

const (
	// FieldPreserve keeps unknown fields: they travel in urp.Request
	// ExtraBody and are re-emitted when encoding to the same shape.
	FieldPreserve FieldPolicy = "preserve"
	// FieldReject aborts the request when any unknown field is present.
	FieldReject FieldPolicy = "reject"
	// FieldIgnore drops unknown fields silently.
	FieldIgnore FieldPolicy = "ignore"
)

// ParseFieldPolicy validates a configured policy string.
func ParseFieldPolicy(s string) (FieldPolicy, error) {
	switch FieldPolicy(s) {
	case FieldPreserve, FieldReject, FieldIgnore:
		return FieldPolicy(s), nil
	case "":
		return FieldPreserve, nil
	}
	return "", fmt.Errorf("protocol: unknown field policy %q", s)
}

// SplitUnknown partitions the top-level keys of a request body into known
// and unknown per the downstream shape's schema, and applies the policy.
// The returned extras are nil unless the policy is preserve.
func SplitUnknown(body []byte, known map[string]bool, policy FieldPolicy) (urp.Extra, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed request body")
	}

	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}
	sort.Strings(unknown)

	switch policy {
	case FieldReject:
		return nil, apierror.New(apierror.UnknownField,
			"unknown field(s): %s", strings.Join(unknown, ", "))
	case FieldIgnore:
		return nil, nil
	}

	extras := make(urp.Extra, len(unknown))
	for _, k := range unknown {
		var v any
		if err := json.Unmarshal(raw[k], &v); err != nil {
			return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed field "+k)
		}
		extras[k] = v
	}
	return extras, nil
}

// KnownKeys builds a key set from a list of field names.
func KnownKeys(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// ExtrasFromRaw decodes every raw key not in known into an Extra map.
// Adapters use this to stash unrecognized scalar fields per construct.
func ExtrasFromRaw(raw map[string]json.RawMessage, known map[string]bool) urp.Extra {
	var extras urp.Extra
	for k, v := range raw {
		if known[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if extras == nil {
			extras = make(urp.Extra)
		}
		extras[k] = val
	}
	return extras
}

// MergeExtras copies preserved fields into an encoder's output object
// without overwriting keys the encoder set itself.
func MergeExtras(dst map[string]any, extra urp.Extra) {
	for k, v := range extra {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// Placeholder renders an unsupported part as the textual placeholder the
// destination shape receives instead.
func Placeholder(p urp.Part) string {
	ref := ""
	if p.Ref != nil {
		switch {
		case p.Ref.URL != "":
			ref = p.Ref.URL
		case p.Ref.Filename != "":
			ref = p.Ref.Filename
		default:
			ref = "base64"
		}
	}
	switch p.Kind {
	case urp.PartImage:
		return "[image:" + ref + "]"
	case urp.PartFile:
		return "[file:" + ref + "]"
	}
	return ""
}

// DetectRequestShape guesses the wire shape of a request body. The HTTP
// path normally decides; this backs the path-less entry points (probes,
// tests) and prefers the most distinctive markers first.
func DetectRequestShape(body []byte) Shape {
	var probe struct {
		Input    json.RawMessage `json:"input"`
		Contents json.RawMessage `json:"contents"`
		Messages json.RawMessage `json:"messages"`
		System   json.RawMessage `json:"system"`
	}
	_ = json.Unmarshal(body, &probe)
	switch {
	case probe.Contents != nil:
		return ShapeGemini
	case probe.Input != nil:
		return ShapeResponses
	case probe.Messages != nil && probe.System != nil:
		return ShapeMessages
	default:
		return ShapeChat
	}
}

// DataURL renders base64 content as a data: URL, the chat-family inline
// image encoding.
func DataURL(mime, b64 string) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + b64
}

// ParseDataURL splits a data: URL into mime and base64 payload. The ok
// result is false for regular URLs.
func ParseDataURL(s string) (mime, b64 string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	return mime, payload, true
}
