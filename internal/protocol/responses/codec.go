// Package responses implements the OpenAI Responses wire shape: request and
// response codecs between the wire form and URP, plus the streaming decoder
// and the sequence-numbered event emitter.
package responses

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// RequestKeys is the shape's known top-level request schema.
var RequestKeys = []string{
	"model", "input", "instructions", "stream", "temperature", "top_p",
	"max_output_tokens", "reasoning", "tools", "tool_choice", "text",
	"parallel_tool_calls", "user", "metadata", "store",
	"previous_response_id", "include", "truncation", "service_tier",
	"background", "prompt_cache_key",
}

type wireRequest struct {
	Model             string          `json:"model"`
	Input             json.RawMessage `json:"input"`
	Instructions      string          `json:"instructions,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	MaxOutputTokens   *int            `json:"max_output_tokens,omitempty"`
	Reasoning         *wireReasoning  `json:"reasoning,omitempty"`
	Tools             []wireTool      `json:"tools,omitempty"`
	ToolChoice        json.RawMessage `json:"tool_choice,omitempty"`
	Text              *wireText       `json:"text,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	User              string          `json:"user,omitempty"`
}

type wireReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type wireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type wireText struct {
	Format *wireTextFormat `json:"format,omitempty"`
}

type wireTextFormat struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// wireItem is the input/output item union.
type wireItem struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Status  string          `json:"status,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`

	// reasoning
	Summary          []wireSummaryPart `json:"summary,omitempty"`
	EncryptedContent string            `json:"encrypted_content,omitempty"`
	Signature        string            `json:"signature,omitempty"`
}

type wireSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Refusal  string `json:"refusal,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type wireUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type wireResponse struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"`
	Status            string          `json:"status"`
	Model             string          `json:"model"`
	Output            []wireItem      `json:"output"`
	Usage             *wireUsage      `json:"usage,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details,omitempty"`
}

// DecodeRequest converts a Responses request body to URP.
func DecodeRequest(body []byte, extras urp.Extra) (*urp.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed responses request")
	}
	if wire.Model == "" {
		return nil, apierror.New(apierror.InvalidRequest, "missing model")
	}

	req := &urp.Request{
		Model:           wire.Model,
		Stream:          wire.Stream,
		Temperature:     wire.Temperature,
		TopP:            wire.TopP,
		MaxOutputTokens: wire.MaxOutputTokens,
		User:            wire.User,
		ExtraBody:       extras,
	}
	if wire.Reasoning != nil && wire.Reasoning.Effort != "" {
		req.Reasoning = &urp.Reasoning{Effort: wire.Reasoning.Effort}
	}
	if wire.ParallelToolCalls != nil {
		if req.ExtraBody == nil {
			req.ExtraBody = urp.Extra{}
		}
		req.ExtraBody["parallel_tool_calls"] = *wire.ParallelToolCalls
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, urp.NewTextMessage(urp.RoleSystem, wire.Instructions))
	}

	msgs, err := decodeInput(wire.Input)
	if err != nil {
		return nil, err
	}
	req.Messages = append(req.Messages, msgs...)

	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, urp.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict != nil && *t.Strict,
		})
	}

	if len(wire.ToolChoice) > 0 {
		tc, err := decodeToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}
	if wire.Text != nil && wire.Text.Format != nil {
		req.ResponseFormat = decodeTextFormat(wire.Text.Format)
	}
	return req, nil
}

func decodeToolChoice(raw json.RawMessage) (*urp.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto", "none", "required":
			return &urp.ToolChoice{Mode: urp.ToolChoiceMode(mode)}, nil
		}
		return nil, apierror.New(apierror.InvalidRequest, "invalid tool_choice %q", mode)
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "invalid tool_choice")
	}
	return &urp.ToolChoice{Mode: urp.ToolChoiceFunction, Name: obj.Name}, nil
}

func decodeTextFormat(f *wireTextFormat) *urp.ResponseFormat {
	out := &urp.ResponseFormat{Type: urp.ResponseFormatType(f.Type)}
	if f.Type == "json_schema" {
		out.JSONSchema = &urp.JSONSchemaSpec{
			Name:        f.Name,
			Description: f.Description,
			Schema:      f.Schema,
			Strict:      f.Strict,
		}
	}
	return out
}

// decodeInput walks the input items, folding reasoning and function_call
// items into the assistant turn they belong to.
func decodeInput(raw json.RawMessage) ([]urp.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []urp.Message{urp.NewTextMessage(urp.RoleUser, text)}, nil
	}

	var items []wireItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed input")
	}

	var (
		msgs []urp.Message
		cur  *urp.Message // open assistant turn
	)
	flush := func() {
		if cur != nil {
			msgs = append(msgs, *cur)
			cur = nil
		}
	}
	openAssistant := func() *urp.Message {
		if cur == nil {
			cur = &urp.Message{Role: urp.RoleAssistant}
		}
		return cur
	}

	for _, item := range items {
		switch itemType(item) {
		case "message":
			parts, err := decodeMessageContent(item.Content, urp.Role(item.Role))
			if err != nil {
				return nil, err
			}
			if urp.Role(item.Role) == urp.RoleAssistant {
				m := openAssistant()
				m.Parts = append(m.Parts, parts...)
				continue
			}
			flush()
			msgs = append(msgs, urp.Message{Role: urp.Role(item.Role), Parts: parts})

		case "reasoning":
			m := openAssistant()
			for _, s := range item.Summary {
				m.Parts = append(m.Parts, urp.ReasoningPart(s.Text))
			}
			if sig := firstNonEmpty(item.EncryptedContent, item.Signature); sig != "" {
				m.Parts = append(m.Parts, urp.ReasoningEncryptedPart(sig))
			}

		case "function_call":
			if item.CallID == "" || item.Name == "" {
				return nil, apierror.New(apierror.InvalidRequest, "function_call missing call_id or name")
			}
			m := openAssistant()
			m.Parts = append(m.Parts, urp.ToolCallPart(item.CallID, item.Name, item.Arguments))

		case "function_call_output":
			flush()
			msgs = append(msgs, urp.Message{
				Role: urp.RoleTool,
				Parts: []urp.Part{
					urp.ToolResultPart(item.CallID, false),
					urp.TextPart(item.Output),
				},
			})

		default:
			return nil, apierror.New(apierror.InvalidRequest, "unsupported input item type %q", item.Type)
		}
	}
	flush()
	return msgs, nil
}

// itemType normalizes the item discriminator; a bare role+content object is
// a message.
func itemType(item wireItem) string {
	if item.Type == "" && item.Role != "" {
		return "message"
	}
	return item.Type
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeMessageContent(raw json.RawMessage, role urp.Role) ([]urp.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []urp.Part{urp.TextPart(text)}, nil
	}

	var wireParts []wireContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed message content")
	}

	var parts []urp.Part
	for _, p := range wireParts {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, urp.TextPart(p.Text))
		case "refusal":
			parts = append(parts, urp.RefusalPart(p.Refusal))
		case "input_image":
			ref := urp.Ref{URL: p.ImageURL}
			if mime, b64, ok := protocol.ParseDataURL(p.ImageURL); ok {
				ref = urp.Ref{MIME: mime, Base64: b64}
			}
			parts = append(parts, urp.ImagePart(ref))
		case "input_file":
			ref := urp.Ref{URL: p.FileURL, Filename: p.Filename}
			if mime, b64, ok := protocol.ParseDataURL(p.FileData); ok {
				ref.MIME = mime
				ref.Base64 = b64
				ref.URL = ""
			}
			parts = append(parts, urp.FilePart(ref))
		default:
			return nil, apierror.New(apierror.InvalidRequest, "unsupported content part %q for role %s", p.Type, role)
		}
	}
	return parts, nil
}

// EncodeRequest converts a URP request into a Responses request body for an
// upstream call.
func EncodeRequest(req *urp.Request) ([]byte, error) {
	body := map[string]any{
		"model": req.Model,
		"input": encodeInput(req.Messages),
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
	if req.MaxOutputTokens != nil {
		body["max_output_tokens"] = *req.MaxOutputTokens
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		body["reasoning"] = map[string]any{"effort": req.Reasoning.Effort}
	}
	if req.User != "" {
		body["user"] = req.User
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := map[string]any{"type": "function", "name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				tool["parameters"] = json.RawMessage(t.Parameters)
			}
			if t.Strict {
				tool["strict"] = true
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		if req.ToolChoice.Mode == urp.ToolChoiceFunction {
			body["tool_choice"] = map[string]any{"type": "function", "name": req.ToolChoice.Name}
		} else {
			body["tool_choice"] = string(req.ToolChoice.Mode)
		}
	}
	if req.ResponseFormat != nil {
		format := map[string]any{"type": string(req.ResponseFormat.Type)}
		if js := req.ResponseFormat.JSONSchema; js != nil {
			format["name"] = js.Name
			if js.Description != "" {
				format["description"] = js.Description
			}
			if len(js.Schema) > 0 {
				format["schema"] = json.RawMessage(js.Schema)
			}
			if js.Strict {
				format["strict"] = true
			}
		}
		body["text"] = map[string]any{"format": format}
	}
	protocol.MergeExtras(body, req.ExtraBody)
	return json.Marshal(body)
}

func encodeInput(msgs []urp.Message) []any {
	var items []any
	for _, m := range msgs {
		switch m.Role {
		case urp.RoleAssistant:
			items = append(items, encodeAssistantItems(m)...)
		case urp.RoleTool:
			items = append(items, encodeToolResultItem(m))
		default:
			items = append(items, map[string]any{
				"type":    "message",
				"role":    string(m.Role),
				"content": encodeContentParts(m.Parts, "input"),
			})
		}
	}
	if items == nil {
		items = []any{}
	}
	return items
}

// encodeAssistantItems splits one assistant turn into its reasoning,
// message, and function_call items, preserving part order at the item level.
func encodeAssistantItems(m urp.Message) []any {
	var (
		items    []any
		summary  []any
		sig      string
		content  []any
	)
	flushReasoning := func() {
		if len(summary) == 0 && sig == "" {
			return
		}
		item := map[string]any{"type": "reasoning", "summary": summary}
		if summary == nil {
			item["summary"] = []any{}
		}
		if sig != "" {
			item["encrypted_content"] = sig
		}
		items = append(items, item)
		summary, sig = nil, ""
	}
	flushContent := func() {
		if len(content) == 0 {
			return
		}
		items = append(items, map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": content,
		})
		content = nil
	}

	for _, p := range m.Parts {
		switch p.Kind {
		case urp.PartReasoning:
			summary = append(summary, map[string]any{"type": "summary_text", "text": p.Content})
		case urp.PartReasoningEncrypted:
			if s, ok := p.Data.(string); ok {
				sig = s
			}
		case urp.PartText:
			flushReasoning()
			content = append(content, map[string]any{"type": "output_text", "text": p.Content})
		case urp.PartRefusal:
			flushReasoning()
			content = append(content, map[string]any{"type": "refusal", "refusal": p.Content})
		case urp.PartToolCall:
			flushReasoning()
			flushContent()
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   p.CallID,
				"name":      p.Name,
				"arguments": p.Arguments,
			})
		case urp.PartImage, urp.PartFile:
			flushReasoning()
			content = append(content, map[string]any{"type": "output_text", "text": protocol.Placeholder(p)})
		}
	}
	flushReasoning()
	flushContent()
	return items
}

func encodeToolResultItem(m urp.Message) map[string]any {
	var callID, output string
	for _, p := range m.Parts {
		switch p.Kind {
		case urp.PartToolResult:
			callID = p.CallID
		case urp.PartText:
			output += p.Content
		}
	}
	return map[string]any{
		"type":    "function_call_output",
		"call_id": callID,
		"output":  output,
	}
}

func encodeContentParts(parts []urp.Part, direction string) []any {
	var out []any
	for _, p := range parts {
		switch p.Kind {
		case urp.PartText:
			out = append(out, map[string]any{"type": direction + "_text", "text": p.Content})
		case urp.PartImage:
			url := p.Ref.URL
			if url == "" {
				url = protocol.DataURL(p.Ref.MIME, p.Ref.Base64)
			}
			out = append(out, map[string]any{"type": "input_image", "image_url": url})
		case urp.PartFile:
			file := map[string]any{"type": "input_file"}
			if p.Ref.Filename != "" {
				file["filename"] = p.Ref.Filename
			}
			if p.Ref.Base64 != "" {
				file["file_data"] = protocol.DataURL(p.Ref.MIME, p.Ref.Base64)
			} else if p.Ref.URL != "" {
				file["file_url"] = p.Ref.URL
			}
			out = append(out, file)
		case urp.PartToolResult:
			// handled at the item level
		default:
			if ph := protocol.Placeholder(p); ph != "" {
				out = append(out, map[string]any{"type": direction + "_text", "text": ph})
			}
		}
	}
	if out == nil {
		out = []any{}
	}
	return out
}

// DecodeResponse converts an upstream Responses response to URP.
func DecodeResponse(body []byte) (*urp.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("responses: decoding response: %w", err)
	}

	msg := urp.Message{Role: urp.RoleAssistant}
	hasToolCall := false
	for _, item := range wire.Output {
		switch item.Type {
		case "reasoning":
			for _, s := range item.Summary {
				msg.Parts = append(msg.Parts, urp.ReasoningPart(s.Text))
			}
			if sig := firstNonEmpty(item.EncryptedContent, item.Signature); sig != "" {
				msg.Parts = append(msg.Parts, urp.ReasoningEncryptedPart(sig))
			}
		case "message":
			parts, err := decodeMessageContent(item.Content, urp.RoleAssistant)
			if err != nil {
				return nil, fmt.Errorf("responses: %w", err)
			}
			msg.Parts = append(msg.Parts, parts...)
		case "function_call":
			hasToolCall = true
			msg.Parts = append(msg.Parts, urp.ToolCallPart(item.CallID, item.Name, item.Arguments))
		}
	}

	resp := &urp.Response{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: finishReasonFromStatus(wire.Status, wire.IncompleteDetails, hasToolCall),
	}
	if wire.Usage != nil {
		resp.Usage = usageToURP(wire.Usage)
	}
	return resp, nil
}

func usageToURP(u *wireUsage) *urp.Usage {
	return &urp.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.InputTokensDetails.CachedTokens,
		ReasoningTokens:  u.OutputTokensDetails.ReasoningTokens,
	}
}

func finishReasonFromStatus(status string, inc *struct {
	Reason string `json:"reason"`
}, hasToolCall bool) urp.FinishReason {
	switch status {
	case "incomplete":
		if inc != nil && inc.Reason == "max_output_tokens" {
			return urp.FinishLength
		}
		if inc != nil && inc.Reason == "content_filter" {
			return urp.FinishContentFilter
		}
		return urp.FinishOther
	case "completed", "":
		if hasToolCall {
			return urp.FinishToolCalls
		}
		return urp.FinishStop
	default:
		return urp.FinishOther
	}
}

// EncodeResponse converts a URP response into a Responses response body for
// the downstream client.
func EncodeResponse(resp *urp.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}

	output := encodeAssistantItems(resp.Message)
	if output == nil {
		output = []any{}
	}

	status := "completed"
	if resp.FinishReason == urp.FinishLength {
		status = "incomplete"
	}

	body := map[string]any{
		"id":     id,
		"object": "response",
		"status": status,
		"model":  resp.Model,
		"output": output,
	}
	if resp.FinishReason == urp.FinishLength {
		body["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	if resp.Usage != nil {
		body["usage"] = encodeUsage(resp.Usage)
	}
	protocol.MergeExtras(body, resp.Extra)
	return json.Marshal(body)
}

func encodeUsage(u *urp.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.PromptTokens,
		"output_tokens": u.CompletionTokens,
		"total_tokens":  u.Total(),
		"input_tokens_details": map[string]any{
			"cached_tokens": u.CachedTokens,
		},
		"output_tokens_details": map[string]any{
			"reasoning_tokens": u.ReasoningTokens,
		},
	}
}
