// Package chat implements the OpenAI Chat Completions wire shape: request
// and response codecs between the wire form and URP, plus the streaming
// decoder and emitter for chat.completion.chunk SSE.
package chat

import "encoding/json"

// RequestKeys is the shape's known top-level request schema, used by the
// ingress unknown-field split.
var RequestKeys = []string{
	"model", "messages", "stream", "stream_options", "temperature", "top_p",
	"max_tokens", "max_completion_tokens", "n", "stop", "tools", "tool_choice",
	"parallel_tool_calls", "response_format", "user", "reasoning_effort",
	"frequency_penalty", "presence_penalty", "logprobs", "top_logprobs",
	"logit_bias", "seed",
}

type wireRequest struct {
	Model               string              `json:"model"`
	Messages            []json.RawMessage   `json:"messages"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       json.RawMessage     `json:"stream_options,omitempty"`
	Temperature         *float64            `json:"temperature,omitempty"`
	TopP                *float64            `json:"top_p,omitempty"`
	MaxTokens           *int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                `json:"max_completion_tokens,omitempty"`
	Tools               []wireTool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage     `json:"tool_choice,omitempty"`
	ResponseFormat      *wireResponseFormat `json:"response_format,omitempty"`
	User                string              `json:"user,omitempty"`
	ReasoningEffort     string              `json:"reasoning_effort,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type wireResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

type wireContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *wireImageURL  `json:"image_url,omitempty"`
	File     *wireFilePart  `json:"file,omitempty"`
	Raw      map[string]any `json:"-"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireFilePart struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type wireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireCallFunc `json:"function"`
}

type wireCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// wireReasoningDetail is one entry of message.reasoning_details.
type wireReasoningDetail struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wireUsage struct {
	PromptTokens            int              `json:"prompt_tokens"`
	CompletionTokens        int              `json:"completion_tokens"`
	TotalTokens             int              `json:"total_tokens"`
	PromptTokensDetails     *wirePromptDet   `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *wireComplDet    `json:"completion_tokens_details,omitempty"`
	Extra                   map[string]any   `json:"-"`
}

type wirePromptDet struct {
	CachedTokens int `json:"cached_tokens"`
}

type wireComplDet struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type wireResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []wireChoice    `json:"choices"`
	Usage   *wireUsage      `json:"usage,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type wireChoice struct {
	Index        int             `json:"index"`
	Message      json.RawMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// Streaming chunk shapes.

type wireChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []wireChunkChoice `json:"choices"`
	Usage   *wireUsage        `json:"usage,omitempty"`
}

type wireChunkChoice struct {
	Index        int           `json:"index"`
	Delta        wireDelta     `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type wireDelta struct {
	Role             string                `json:"role,omitempty"`
	Content          *string               `json:"content,omitempty"`
	Refusal          *string               `json:"refusal,omitempty"`
	Reasoning        *string               `json:"reasoning,omitempty"`
	ReasoningContent *string               `json:"reasoning_content,omitempty"`
	ReasoningDetails []wireReasoningDetail `json:"reasoning_details,omitempty"`
	ToolCalls        []wireToolCall        `json:"tool_calls,omitempty"`
}
