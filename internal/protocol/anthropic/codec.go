// Package anthropic implements the Anthropic Messages wire shape: request
// and response codecs between the wire form and URP, plus the streaming
// decoder and emitter for the Messages event grammar.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Version is the anthropic-version header value sent upstream.
const Version = "2023-06-01"

// defaultMaxTokens fills the required max_tokens field when the caller did
// not bound the output.
const defaultMaxTokens = 4096

// RequestKeys is the shape's known top-level request schema.
var RequestKeys = []string{
	"model", "messages", "system", "max_tokens", "temperature", "top_p",
	"top_k", "stream", "stop_sequences", "tools", "tool_choice", "thinking",
	"metadata", "service_tier",
}

type wireRequest struct {
	Model         string          `json:"model"`
	Messages      []wireMessage   `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
	Thinking      *wireThinking   `json:"thinking,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// wireBlock is the content block union.
type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image / document
	Source *wireSource `json:"source,omitempty"`
	Title  string      `json:"title,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      *wireUsage  `json:"usage,omitempty"`
}

// DecodeRequest converts a Messages request body to URP.
func DecodeRequest(body []byte, extras urp.Extra) (*urp.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed messages request")
	}
	if wire.Model == "" {
		return nil, apierror.New(apierror.InvalidRequest, "missing model")
	}

	req := &urp.Request{
		Model:           wire.Model,
		Stream:          wire.Stream,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		MaxOutputTokens: wire.MaxTokens,
		ExtraBody:       extras,
	}
	if wire.Thinking != nil && wire.Thinking.Type == "enabled" {
		req.Reasoning = &urp.Reasoning{
			Extra: urp.Extra{"budget_tokens": wire.Thinking.BudgetTokens},
		}
	}

	if sys := decodeSystem(wire.System); sys != "" {
		req.Messages = append(req.Messages, urp.NewTextMessage(urp.RoleSystem, sys))
	}

	for _, m := range wire.Messages {
		msgs, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, urp.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if wire.ToolChoice != nil {
		tc, err := decodeToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}
	return req, nil
}

// decodeSystem accepts both the string and the block-array form.
func decodeSystem(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeToolChoice(tc *wireToolChoice) (*urp.ToolChoice, error) {
	switch tc.Type {
	case "auto":
		return &urp.ToolChoice{Mode: urp.ToolChoiceAuto}, nil
	case "any":
		return &urp.ToolChoice{Mode: urp.ToolChoiceRequired}, nil
	case "none":
		return &urp.ToolChoice{Mode: urp.ToolChoiceNone}, nil
	case "tool":
		return &urp.ToolChoice{Mode: urp.ToolChoiceFunction, Name: tc.Name}, nil
	}
	return nil, apierror.New(apierror.InvalidRequest, "invalid tool_choice type %q", tc.Type)
}

// decodeMessage converts one wire message. A user message carrying
// tool_result blocks splits into tool-role messages, one per result.
func decodeMessage(m wireMessage) ([]urp.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []urp.Message{urp.NewTextMessage(urp.Role(m.Role), text)}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed message content")
	}

	var (
		msgs []urp.Message
		cur  urp.Message
	)
	cur.Role = urp.Role(m.Role)
	flush := func() {
		if len(cur.Parts) > 0 {
			msgs = append(msgs, cur)
		}
		cur = urp.Message{Role: urp.Role(m.Role)}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			cur.Parts = append(cur.Parts, urp.TextPart(b.Text))
		case "thinking":
			cur.Parts = append(cur.Parts, urp.ReasoningPart(b.Thinking))
			if b.Signature != "" {
				cur.Parts = append(cur.Parts, urp.ReasoningEncryptedPart(b.Signature))
			}
		case "redacted_thinking":
			cur.Parts = append(cur.Parts, urp.ReasoningEncryptedPart(b.Data))
		case "image":
			cur.Parts = append(cur.Parts, urp.ImagePart(refFromSource(b.Source)))
		case "document":
			ref := refFromSource(b.Source)
			ref.Filename = b.Title
			cur.Parts = append(cur.Parts, urp.FilePart(ref))
		case "tool_use":
			if b.ID == "" || b.Name == "" {
				return nil, apierror.New(apierror.InvalidRequest, "tool_use missing id or name")
			}
			cur.Parts = append(cur.Parts, urp.ToolCallPart(b.ID, b.Name, string(b.Input)))
		case "tool_result":
			if b.ToolUseID == "" {
				return nil, apierror.New(apierror.InvalidRequest, "tool_result missing tool_use_id")
			}
			flush()
			msgs = append(msgs, urp.Message{
				Role: urp.RoleTool,
				Parts: []urp.Part{
					urp.ToolResultPart(b.ToolUseID, b.IsError),
					urp.TextPart(decodeToolResultContent(b.Content)),
				},
			})
		default:
			return nil, apierror.New(apierror.InvalidRequest, "unsupported content block %q", b.Type)
		}
	}
	flush()
	return msgs, nil
}

func refFromSource(src *wireSource) urp.Ref {
	if src == nil {
		return urp.Ref{}
	}
	if src.Type == "url" {
		return urp.Ref{URL: src.URL}
	}
	return urp.Ref{MIME: src.MediaType, Base64: src.Data}
}

func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// EncodeRequest converts a URP request into a Messages request body for an
// upstream call. System and developer turns merge into the synthetic system
// field.
func EncodeRequest(req *urp.Request) ([]byte, error) {
	maxTokens := defaultMaxTokens
	if req.MaxOutputTokens != nil {
		maxTokens = *req.MaxOutputTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
	}
	if req.Stream {
		body["stream"] = true
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}

	var system []string
	var messages []any
	for _, m := range req.Messages {
		switch m.Role {
		case urp.RoleSystem, urp.RoleDeveloper:
			system = append(system, m.Text())
		case urp.RoleTool:
			messages = append(messages, encodeToolResultMessage(m))
		default:
			messages = append(messages, map[string]any{
				"role":    string(m.Role),
				"content": encodeBlocks(m.Parts),
			})
		}
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n")
	}
	if messages == nil {
		messages = []any{}
	}
	body["messages"] = messages

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := map[string]any{"name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				tool["input_schema"] = json.RawMessage(t.Parameters)
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = encodeToolChoice(req.ToolChoice)
	}
	if req.Reasoning != nil {
		if thinking := encodeThinking(req.Reasoning); thinking != nil {
			body["thinking"] = thinking
		}
	}
	protocol.MergeExtras(body, req.ExtraBody)
	return json.Marshal(body)
}

func encodeToolChoice(tc *urp.ToolChoice) map[string]any {
	switch tc.Mode {
	case urp.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case urp.ToolChoiceFunction:
		return map[string]any{"type": "tool", "name": tc.Name}
	case urp.ToolChoiceNone:
		return map[string]any{"type": "none"}
	default:
		return map[string]any{"type": "auto"}
	}
}

// effortBudgets maps reasoning effort to a thinking budget when the caller
// gave no explicit budget_tokens.
var effortBudgets = map[string]int{
	"minimum": 1024,
	"low":     2048,
	"medium":  8192,
	"high":    16384,
	"xhigh":   32768,
	"max":     32768,
}

func encodeThinking(r *urp.Reasoning) map[string]any {
	if v, ok := r.Extra["budget_tokens"]; ok {
		switch b := v.(type) {
		case int:
			return map[string]any{"type": "enabled", "budget_tokens": b}
		case float64:
			return map[string]any{"type": "enabled", "budget_tokens": int(b)}
		}
	}
	if r.Effort == "none" {
		return nil
	}
	if budget, ok := effortBudgets[r.Effort]; ok {
		return map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	return nil
}

func encodeToolResultMessage(m urp.Message) map[string]any {
	var callID, payload string
	isError := false
	for _, p := range m.Parts {
		switch p.Kind {
		case urp.PartToolResult:
			callID = p.CallID
			isError = p.IsError
		case urp.PartText:
			payload += p.Content
		}
	}
	block := map[string]any{
		"type":        "tool_result",
		"tool_use_id": callID,
		"content":     payload,
	}
	if isError {
		block["is_error"] = true
	}
	return map[string]any{"role": "user", "content": []any{block}}
}

func encodeBlocks(parts []urp.Part) []any {
	var out []any
	var pendingThinking map[string]any
	flushThinking := func() {
		if pendingThinking != nil {
			out = append(out, pendingThinking)
			pendingThinking = nil
		}
	}
	for _, p := range parts {
		switch p.Kind {
		case urp.PartReasoning:
			flushThinking()
			pendingThinking = map[string]any{"type": "thinking", "thinking": p.Content}
		case urp.PartReasoningEncrypted:
			// A signature immediately following a thinking block belongs to it.
			if s, ok := p.Data.(string); ok {
				if pendingThinking != nil {
					pendingThinking["signature"] = s
					flushThinking()
				} else {
					out = append(out, map[string]any{"type": "redacted_thinking", "data": s})
				}
			}
		case urp.PartText:
			flushThinking()
			out = append(out, map[string]any{"type": "text", "text": p.Content})
		case urp.PartToolCall:
			flushThinking()
			args := json.RawMessage(p.Arguments)
			if p.Arguments == "" {
				args = json.RawMessage("{}")
			}
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    p.CallID,
				"name":  p.Name,
				"input": args,
			})
		case urp.PartImage:
			flushThinking()
			out = append(out, map[string]any{"type": "image", "source": encodeSource(p.Ref)})
		case urp.PartFile:
			flushThinking()
			block := map[string]any{"type": "document", "source": encodeSource(p.Ref)}
			if p.Ref.Filename != "" {
				block["title"] = p.Ref.Filename
			}
			out = append(out, block)
		case urp.PartRefusal:
			flushThinking()
			out = append(out, map[string]any{"type": "text", "text": p.Content})
		}
	}
	flushThinking()
	if out == nil {
		out = []any{}
	}
	return out
}

func encodeSource(ref *urp.Ref) map[string]any {
	if ref == nil {
		return map[string]any{}
	}
	if ref.URL != "" {
		return map[string]any{"type": "url", "url": ref.URL}
	}
	return map[string]any{
		"type":       "base64",
		"media_type": ref.MIME,
		"data":       ref.Base64,
	}
}

// DecodeResponse converts an upstream Messages response to URP.
func DecodeResponse(body []byte) (*urp.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: decoding response: %w", err)
	}

	msg := urp.Message{Role: urp.RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, urp.TextPart(b.Text))
		case "thinking":
			msg.Parts = append(msg.Parts, urp.ReasoningPart(b.Thinking))
			if b.Signature != "" {
				msg.Parts = append(msg.Parts, urp.ReasoningEncryptedPart(b.Signature))
			}
		case "redacted_thinking":
			msg.Parts = append(msg.Parts, urp.ReasoningEncryptedPart(b.Data))
		case "tool_use":
			msg.Parts = append(msg.Parts, urp.ToolCallPart(b.ID, b.Name, string(b.Input)))
		}
	}

	resp := &urp.Response{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: StopReasonToURP(wire.StopReason),
	}
	if wire.Usage != nil {
		resp.Usage = usageToURP(wire.Usage)
	}
	return resp, nil
}

// usageToURP folds cache reads into the prompt count so billing can split
// them back out with the cached rate.
func usageToURP(u *wireUsage) *urp.Usage {
	return &urp.Usage{
		PromptTokens:     u.InputTokens + u.CacheReadInputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadInputTokens,
	}
}

// StopReasonToURP maps a Messages stop_reason to the neutral form.
func StopReasonToURP(reason string) urp.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return urp.FinishStop
	case "max_tokens":
		return urp.FinishLength
	case "tool_use":
		return urp.FinishToolCalls
	case "refusal":
		return urp.FinishContentFilter
	default:
		return urp.FinishOther
	}
}

// StopReasonFromURP maps a neutral finish reason onto a Messages stop_reason.
func StopReasonFromURP(reason urp.FinishReason) string {
	switch reason {
	case urp.FinishLength:
		return "max_tokens"
	case urp.FinishToolCalls:
		return "tool_use"
	case urp.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// EncodeResponse converts a URP response into a Messages response body for
// the downstream client.
func EncodeResponse(resp *urp.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	content := encodeBlocks(resp.Message.Parts)
	body := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   StopReasonFromURP(resp.FinishReason),
		"stop_sequence": nil,
	}
	if resp.Usage != nil {
		body["usage"] = encodeUsage(resp.Usage)
	}
	protocol.MergeExtras(body, resp.Extra)
	return json.Marshal(body)
}

func encodeUsage(u *urp.Usage) map[string]any {
	out := map[string]any{
		"input_tokens":  u.PromptTokens - u.CachedTokens,
		"output_tokens": u.CompletionTokens,
	}
	if u.CachedTokens > 0 {
		out["cache_read_input_tokens"] = u.CachedTokens
	}
	return out
}
