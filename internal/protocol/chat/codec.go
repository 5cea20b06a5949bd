package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

var messageKeys = protocol.KnownKeys(
	"role", "content", "name", "tool_calls", "tool_call_id", "refusal",
	"reasoning", "reasoning_content", "reasoning_opaque", "reasoning_details",
)

// DecodeRequest converts a Chat Completions request body to URP. The
// unknown-field policy has already been applied by the caller; extras holds
// preserved top-level fields (nil otherwise).
func DecodeRequest(body []byte, extras urp.Extra) (*urp.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed chat request")
	}
	if wire.Model == "" {
		return nil, apierror.New(apierror.InvalidRequest, "missing model")
	}

	req := &urp.Request{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		User:        wire.User,
		ExtraBody:   extras,
	}
	switch {
	case wire.MaxCompletionTokens != nil:
		req.MaxOutputTokens = wire.MaxCompletionTokens
	case wire.MaxTokens != nil:
		req.MaxOutputTokens = wire.MaxTokens
	}
	if wire.ReasoningEffort != "" {
		req.Reasoning = &urp.Reasoning{Effort: wire.ReasoningEffort}
	}

	for _, raw := range wire.Messages {
		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue
		}
		strict := t.Function.Strict != nil && *t.Function.Strict
		req.Tools = append(req.Tools, urp.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      strict,
		})
	}

	if len(wire.ToolChoice) > 0 {
		tc, err := decodeToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}

	if wire.ResponseFormat != nil {
		req.ResponseFormat = decodeResponseFormat(wire.ResponseFormat)
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
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "invalid tool_choice")
	}
	return &urp.ToolChoice{Mode: urp.ToolChoiceFunction, Name: obj.Function.Name}, nil
}

func decodeResponseFormat(rf *wireResponseFormat) *urp.ResponseFormat {
	out := &urp.ResponseFormat{Type: urp.ResponseFormatType(rf.Type)}
	if rf.JSONSchema != nil {
		out.JSONSchema = &urp.JSONSchemaSpec{
			Name:        rf.JSONSchema.Name,
			Description: rf.JSONSchema.Description,
			Schema:      rf.JSONSchema.Schema,
			Strict:      rf.JSONSchema.Strict,
		}
	}
	return out
}

// decodeMessage maps one wire message to a URP message. Unrecognized
// message-level fields land in the message's Extra.
func decodeMessage(raw json.RawMessage) (urp.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return urp.Message{}, apierror.Wrap(apierror.InvalidRequest, err, "malformed message")
	}

	var role string
	if err := json.Unmarshal(fields["role"], &role); err != nil {
		return urp.Message{}, apierror.New(apierror.InvalidRequest, "message missing role")
	}

	msg := urp.Message{
		Role:  urp.Role(role),
		Extra: protocol.ExtrasFromRaw(fields, messageKeys),
	}

	// Reasoning blocks come first: a rendered assistant turn thinks before
	// it speaks or calls tools.
	if rawDetails, ok := fields["reasoning_details"]; ok {
		var details []wireReasoningDetail
		if err := json.Unmarshal(rawDetails, &details); err == nil {
			for _, d := range details {
				msg.Parts = append(msg.Parts, reasoningDetailToPart(d))
			}
		}
	} else {
		for _, key := range []string{"reasoning", "reasoning_content"} {
			if rawText, ok := fields[key]; ok {
				var text string
				if err := json.Unmarshal(rawText, &text); err == nil && text != "" {
					msg.Parts = append(msg.Parts, urp.ReasoningPart(text))
					break
				}
			}
		}
		if rawOpaque, ok := fields["reasoning_opaque"]; ok {
			var data any
			if err := json.Unmarshal(rawOpaque, &data); err == nil && data != nil {
				msg.Parts = append(msg.Parts, urp.ReasoningEncryptedPart(data))
			}
		}
	}

	// Tool role carries exactly one ToolResult marker followed by the
	// textual payload.
	if msg.Role == urp.RoleTool {
		var callID string
		if rawID, ok := fields["tool_call_id"]; ok {
			_ = json.Unmarshal(rawID, &callID)
		}
		if callID == "" {
			return urp.Message{}, apierror.New(apierror.InvalidRequest, "tool message missing tool_call_id")
		}
		msg.Parts = append(msg.Parts, urp.ToolResultPart(callID, false))
	}

	if rawContent, ok := fields["content"]; ok {
		parts, err := decodeContent(rawContent)
		if err != nil {
			return urp.Message{}, err
		}
		msg.Parts = append(msg.Parts, parts...)
	}

	if rawRefusal, ok := fields["refusal"]; ok {
		var refusal string
		if err := json.Unmarshal(rawRefusal, &refusal); err == nil && refusal != "" {
			msg.Parts = append(msg.Parts, urp.RefusalPart(refusal))
		}
	}

	if rawCalls, ok := fields["tool_calls"]; ok {
		var calls []wireToolCall
		if err := json.Unmarshal(rawCalls, &calls); err != nil {
			return urp.Message{}, apierror.Wrap(apierror.InvalidRequest, err, "malformed tool_calls")
		}
		for _, c := range calls {
			if c.ID == "" || c.Function.Name == "" {
				return urp.Message{}, apierror.New(apierror.InvalidRequest, "tool call missing id or name")
			}
			msg.Parts = append(msg.Parts, urp.ToolCallPart(c.ID, c.Function.Name, c.Function.Arguments))
		}
	}

	return msg, nil
}

func reasoningDetailToPart(d wireReasoningDetail) urp.Part {
	switch d.Type {
	case "reasoning.encrypted":
		var data any
		_ = json.Unmarshal(d.Data, &data)
		return urp.ReasoningEncryptedPart(data)
	case "reasoning.summary":
		return urp.ReasoningPart(d.Summary)
	default: // reasoning.text
		return urp.ReasoningPart(d.Text)
	}
}

func decodeContent(raw json.RawMessage) ([]urp.Part, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []urp.Part{urp.TextPart(text)}, nil
	}
	if string(raw) == "null" {
		return nil, nil
	}

	var rawParts []json.RawMessage
	if err := json.Unmarshal(raw, &rawParts); err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed content")
	}

	var parts []urp.Part
	for _, rp := range rawParts {
		var cp wireContentPart
		if err := json.Unmarshal(rp, &cp); err != nil {
			return nil, apierror.Wrap(apierror.InvalidRequest, err, "malformed content part")
		}
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(rp, &fields)

		switch cp.Type {
		case "text":
			p := urp.TextPart(cp.Text)
			p.Extra = protocol.ExtrasFromRaw(fields, protocol.KnownKeys("type", "text"))
			parts = append(parts, p)
		case "image_url":
			if cp.ImageURL == nil {
				return nil, apierror.New(apierror.InvalidRequest, "image_url part missing image_url")
			}
			ref := urp.Ref{URL: cp.ImageURL.URL}
			if mime, b64, ok := protocol.ParseDataURL(cp.ImageURL.URL); ok {
				ref = urp.Ref{Base64: b64, MIME: mime}
			}
			p := urp.ImagePart(ref)
			p.Extra = protocol.ExtrasFromRaw(fields, protocol.KnownKeys("type", "image_url"))
			parts = append(parts, p)
		case "file":
			if cp.File == nil {
				return nil, apierror.New(apierror.InvalidRequest, "file part missing file")
			}
			ref := urp.Ref{Filename: cp.File.Filename}
			if mime, b64, ok := protocol.ParseDataURL(cp.File.FileData); ok {
				ref.MIME = mime
				ref.Base64 = b64
			}
			p := urp.FilePart(ref)
			p.Extra = protocol.ExtrasFromRaw(fields, protocol.KnownKeys("type", "file"))
			parts = append(parts, p)
		default:
			// Unknown part types survive as text placeholders of their JSON.
			var val any
			_ = json.Unmarshal(rp, &val)
			p := urp.TextPart("")
			p.Extra = urp.Extra{cp.Type: val}
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// EncodeRequest converts a URP request into a Chat Completions request body
// for an upstream call. Preserved extra_body fields are merged back without
// overriding encoder-owned keys.
func EncodeRequest(req *urp.Request) ([]byte, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": encodeMessages(req.Messages),
	}
	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.MaxOutputTokens != nil {
		body["max_tokens"] = *req.MaxOutputTokens
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		body["reasoning_effort"] = req.Reasoning.Effort
	}
	if req.User != "" {
		body["user"] = req.User
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				fn["parameters"] = json.RawMessage(t.Parameters)
			}
			if t.Strict {
				fn["strict"] = true
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = encodeToolChoice(req.ToolChoice)
	}
	if req.ResponseFormat != nil {
		body["response_format"] = encodeResponseFormat(req.ResponseFormat)
	}
	protocol.MergeExtras(body, req.ExtraBody)
	return json.Marshal(body)
}

func encodeToolChoice(tc *urp.ToolChoice) any {
	if tc.Mode == urp.ToolChoiceFunction {
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	}
	return string(tc.Mode)
}

func encodeResponseFormat(rf *urp.ResponseFormat) map[string]any {
	out := map[string]any{"type": string(rf.Type)}
	if rf.JSONSchema != nil {
		schema := map[string]any{"name": rf.JSONSchema.Name}
		if rf.JSONSchema.Description != "" {
			schema["description"] = rf.JSONSchema.Description
		}
		if len(rf.JSONSchema.Schema) > 0 {
			schema["schema"] = json.RawMessage(rf.JSONSchema.Schema)
		}
		if rf.JSONSchema.Strict {
			schema["strict"] = true
		}
		out["json_schema"] = schema
	}
	return out
}

func encodeMessages(msgs []urp.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, encodeMessage(m))
	}
	return out
}

func encodeMessage(m urp.Message) map[string]any {
	msg := map[string]any{"role": string(m.Role)}

	if m.Role == urp.RoleTool {
		for _, p := range m.Parts {
			if p.Kind == urp.PartToolResult {
				msg["tool_call_id"] = p.CallID
				break
			}
		}
	}

	var (
		contentParts []any
		textOnly     = true
		details      []any
		toolCalls    []any
		refusal      string
	)
	for _, p := range m.Parts {
		switch p.Kind {
		case urp.PartText:
			part := map[string]any{"type": "text", "text": p.Content}
			protocol.MergeExtras(part, p.Extra)
			contentParts = append(contentParts, part)
		case urp.PartImage:
			url := p.Ref.URL
			if url == "" {
				url = protocol.DataURL(p.Ref.MIME, p.Ref.Base64)
			}
			part := map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}}
			protocol.MergeExtras(part, p.Extra)
			contentParts = append(contentParts, part)
			textOnly = false
		case urp.PartFile:
			if p.Ref.Base64 == "" {
				// Chat has no file-by-URL encoding.
				contentParts = append(contentParts, map[string]any{"type": "text", "text": protocol.Placeholder(p)})
				continue
			}
			part := map[string]any{"type": "file", "file": map[string]any{
				"filename":  p.Ref.Filename,
				"file_data": protocol.DataURL(p.Ref.MIME, p.Ref.Base64),
			}}
			protocol.MergeExtras(part, p.Extra)
			contentParts = append(contentParts, part)
			textOnly = false
		case urp.PartReasoning:
			details = append(details, map[string]any{"type": "reasoning.text", "text": p.Content})
		case urp.PartReasoningEncrypted:
			details = append(details, map[string]any{"type": "reasoning.encrypted", "data": p.Data})
		case urp.PartRefusal:
			refusal = p.Content
		case urp.PartToolCall:
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.CallID,
				"type": "function",
				"function": map[string]any{
					"name":      p.Name,
					"arguments": p.Arguments,
				},
			})
		case urp.PartToolResult:
			// tool_call_id set above; payload follows as sibling parts.
		}
	}

	switch {
	case len(contentParts) == 0:
		if len(toolCalls) == 0 && refusal == "" {
			msg["content"] = ""
		} else {
			msg["content"] = nil
		}
	case textOnly:
		var text string
		for _, cp := range contentParts {
			text += cp.(map[string]any)["text"].(string)
		}
		msg["content"] = text
	default:
		msg["content"] = contentParts
	}

	if len(details) > 0 {
		msg["reasoning_details"] = details
	}
	if refusal != "" {
		msg["refusal"] = refusal
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	protocol.MergeExtras(msg, m.Extra)
	return msg
}

// DecodeResponse converts an upstream Chat Completions response to URP.
func DecodeResponse(body []byte) (*urp.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("chat: decoding response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("chat: response has no choices")
	}

	msg, err := decodeMessage(wire.Choices[0].Message)
	if err != nil {
		return nil, fmt.Errorf("chat: decoding response message: %w", err)
	}

	resp := &urp.Response{
		ID:           wire.ID,
		Model:        wire.Model,
		Message:      msg,
		FinishReason: FinishReasonToURP(wire.Choices[0].FinishReason),
	}
	if wire.Usage != nil {
		resp.Usage = usageToURP(wire.Usage)
	}
	return resp, nil
}

func usageToURP(u *wireUsage) *urp.Usage {
	out := &urp.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// FinishReasonToURP maps a chat finish_reason string to the neutral form.
func FinishReasonToURP(s string) urp.FinishReason {
	switch s {
	case "stop":
		return urp.FinishStop
	case "length":
		return urp.FinishLength
	case "tool_calls":
		return urp.FinishToolCalls
	case "content_filter":
		return urp.FinishContentFilter
	case "":
		return ""
	default:
		return urp.FinishOther
	}
}

// FinishReasonFromURP maps a neutral finish reason to the chat vocabulary.
func FinishReasonFromURP(fr urp.FinishReason) string {
	switch fr {
	case urp.FinishLength:
		return "length"
	case urp.FinishToolCalls:
		return "tool_calls"
	case urp.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// EncodeResponse converts a URP response into a Chat Completions response
// body for the downstream client.
func EncodeResponse(resp *urp.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	msg := encodeMessage(resp.Message)
	// Assistant replies with no text render content as null, matching the
	// upstream convention for pure tool-call turns.
	if s, ok := msg["content"].(string); ok && s == "" {
		if _, hasCalls := msg["tool_calls"]; hasCalls {
			msg["content"] = nil
		}
	}

	body := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       msg,
			"finish_reason": FinishReasonFromURP(resp.FinishReason),
		}},
	}
	if resp.Usage != nil {
		body["usage"] = encodeUsage(resp.Usage)
	}
	protocol.MergeExtras(body, resp.Extra)
	return json.Marshal(body)
}

func encodeUsage(u *urp.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.Total(),
	}
	if u.CachedTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CachedTokens}
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	protocol.MergeExtras(out, u.Extra)
	return out
}
