// Package urp defines the Universal Representation Protocol: the neutral,
// lossless intermediate form every wire shape is decoded into and encoded
// from.
//
// Every construct carries an Extra map. Adapters stash unrecognized scalar
// fields there on decode and re-emit them verbatim when encoding back to the
// same shape, so the gateway never destroys information it does not
// understand.
package urp

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Extra holds unrecognized wire fields keyed by their original name.
type Extra map[string]any

// Clone returns a shallow copy of the map, nil-safe.
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// PartKind discriminates the Part union.
type PartKind string

const (
	PartText               PartKind = "text"
	PartImage              PartKind = "image"
	PartFile               PartKind = "file"
	PartReasoning          PartKind = "reasoning"
	PartReasoningEncrypted PartKind = "reasoning_encrypted"
	PartRefusal            PartKind = "refusal"
	PartToolCall           PartKind = "tool_call"
	PartToolResult         PartKind = "tool_result"
)

// Ref points at binary content either by URL or as inline base64 data.
type Ref struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Part is one ordered piece of a message. Only the fields relevant to its
// Kind are populated; the flattened-union layout keeps ordering and JSON
// handling simple.
type Part struct {
	Kind PartKind `json:"kind"`

	// PartText, PartReasoning, PartRefusal
	Content string `json:"content,omitempty"`

	// PartImage, PartFile
	Ref *Ref `json:"ref,omitempty"`

	// PartReasoningEncrypted: opaque signature/ciphertext from the model.
	Data any `json:"data,omitempty"`

	// PartToolCall
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // always stringified JSON

	// PartToolResult; the textual payload follows as sibling parts.
	IsError bool `json:"is_error,omitempty"`

	Extra Extra `json:"extra,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(s string) Part { return Part{Kind: PartText, Content: s} }

// ReasoningPart builds a plaintext thinking-trace part.
func ReasoningPart(s string) Part { return Part{Kind: PartReasoning, Content: s} }

// ReasoningEncryptedPart builds an opaque thinking-signature part.
func ReasoningEncryptedPart(data any) Part {
	return Part{Kind: PartReasoningEncrypted, Data: data}
}

// RefusalPart builds a refusal part.
func RefusalPart(s string) Part { return Part{Kind: PartRefusal, Content: s} }

// ImagePart builds an image part.
func ImagePart(ref Ref) Part { return Part{Kind: PartImage, Ref: &ref} }

// FilePart builds a file part.
func FilePart(ref Ref) Part { return Part{Kind: PartFile, Ref: &ref} }

// ToolCallPart builds an assistant tool-call part.
func ToolCallPart(callID, name, arguments string) Part {
	return Part{Kind: PartToolCall, CallID: callID, Name: name, Arguments: arguments}
}

// ToolResultPart builds a tool-result marker part.
func ToolResultPart(callID string, isError bool) Part {
	return Part{Kind: PartToolResult, CallID: callID, IsError: isError}
}

// Message is one conversation turn: an ordered sequence of parts.
// Reasoning blocks precede the text or tool calls they justify.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Extra Extra  `json:"extra,omitempty"`
}

// NewTextMessage builds a single-text-part message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text concatenates the message's plain text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Content
		}
	}
	return s
}

// ToolCalls returns the message's tool-call parts in order.
func (m Message) ToolCalls() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// Tool describes one function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
	Extra       Extra           `json:"extra,omitempty"`
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is either a bare mode or a specific function by name.
type ToolChoice struct {
	Mode  ToolChoiceMode `json:"mode"`
	Name  string         `json:"name,omitempty"` // set when Mode == ToolChoiceFunction
	Extra Extra          `json:"extra,omitempty"`
}

// ResponseFormatType enumerates the supported output format requests.
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// JSONSchemaSpec carries a structured-output schema request.
type JSONSchemaSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ResponseFormat asks the model for a particular output format.
type ResponseFormat struct {
	Type       ResponseFormatType `json:"type"`
	JSONSchema *JSONSchemaSpec    `json:"json_schema,omitempty"`
}

// Reasoning carries the requested thinking effort.
type Reasoning struct {
	Effort string `json:"effort,omitempty"`
	Extra  Extra  `json:"extra,omitempty"`
}

// Request is the neutral form of an inference request.
type Request struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Reasoning       *Reasoning      `json:"reasoning,omitempty"`
	Tools           []Tool          `json:"tools,omitempty"`
	ToolChoice      *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseFormat  *ResponseFormat `json:"response_format,omitempty"`
	User            string          `json:"user,omitempty"`

	// ExtraBody preserves unknown top-level request fields under the
	// "preserve" policy.
	ExtraBody Extra `json:"extra_body,omitempty"`
}

// FinishReason is the neutral termination cause.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// Usage counts tokens consumed by a call. All values are non-negative;
// ReasoningTokens and CachedTokens are zero when the upstream does not
// report them.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	ReasoningTokens  int   `json:"reasoning_tokens,omitempty"`
	CachedTokens     int   `json:"cached_tokens,omitempty"`
	Extra            Extra `json:"extra,omitempty"`
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Response is the neutral form of a completed inference response.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Extra        Extra        `json:"extra,omitempty"`
}
