// Package gemini implements the upstream Gemini generateContent shape:
// request encoding, response decoding, and the streaming decoder. Gemini is
// never a downstream shape, so there is no request decoder or emitter.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// GeneratePath returns the non-streaming request path for a model.
func GeneratePath(model string) string {
	return "/v1beta/models/" + model + ":generateContent"
}

// StreamPath returns the SSE request path for a model.
func StreamPath(model string) string {
	return "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *wireBlob         `json:"inlineData,omitempty"`
	FileData         *wireFileData     `json:"fileData,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
}

type wireBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

type wireCandidate struct {
	Content      *wireContent `json:"content,omitempty"`
	FinishReason string       `json:"finishReason,omitempty"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string          `json:"modelVersion,omitempty"`
	ResponseID    string          `json:"responseId,omitempty"`
	Error         *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// EncodeRequest converts a URP request into a generateContent body. System
// and developer turns merge into systemInstruction; tool results correlate
// back to their call's function name via the preceding tool calls.
func EncodeRequest(req *urp.Request) ([]byte, error) {
	body := map[string]any{}

	callNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, p := range m.ToolCalls() {
			callNames[p.CallID] = p.Name
		}
	}

	var system []string
	var contents []any
	for _, m := range req.Messages {
		switch m.Role {
		case urp.RoleSystem, urp.RoleDeveloper:
			system = append(system, m.Text())
		case urp.RoleAssistant:
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": encodeParts(m.Parts, callNames),
			})
		case urp.RoleTool:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": encodeParts(m.Parts, callNames),
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": encodeParts(m.Parts, callNames),
			})
		}
	}
	if len(system) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": strings.Join(system, "\n")}},
		}
	}
	if contents == nil {
		contents = []any{}
	}
	body["contents"] = contents

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxOutputTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxOutputTokens
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case urp.ResponseFormatJSONObject:
			genConfig["responseMimeType"] = "application/json"
		case urp.ResponseFormatJSONSchema:
			genConfig["responseMimeType"] = "application/json"
			if js := req.ResponseFormat.JSONSchema; js != nil && len(js.Schema) > 0 {
				genConfig["responseSchema"] = json.RawMessage(js.Schema)
			}
		}
	}
	if req.Reasoning != nil {
		if tc := thinkingConfig(req.Reasoning); tc != nil {
			genConfig["thinkingConfig"] = tc
		}
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				decl["parameters"] = json.RawMessage(t.Parameters)
			}
			decls = append(decls, decl)
		}
		body["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	if req.ToolChoice != nil {
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": functionCallingConfig(req.ToolChoice),
		}
	}
	protocol.MergeExtras(body, req.ExtraBody)
	return json.Marshal(body)
}

// effortBudgets maps reasoning effort to a thinking budget.
var effortBudgets = map[string]int{
	"minimum": 512,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
	"xhigh":   32768,
	"max":     32768,
}

func thinkingConfig(r *urp.Reasoning) map[string]any {
	if r.Effort == "none" {
		return map[string]any{"thinkingBudget": 0}
	}
	if budget, ok := effortBudgets[r.Effort]; ok {
		return map[string]any{"thinkingBudget": budget, "includeThoughts": true}
	}
	return nil
}

func functionCallingConfig(tc *urp.ToolChoice) map[string]any {
	switch tc.Mode {
	case urp.ToolChoiceNone:
		return map[string]any{"mode": "NONE"}
	case urp.ToolChoiceRequired:
		return map[string]any{"mode": "ANY"}
	case urp.ToolChoiceFunction:
		return map[string]any{"mode": "ANY", "allowedFunctionNames": []string{tc.Name}}
	default:
		return map[string]any{"mode": "AUTO"}
	}
}

func encodeParts(parts []urp.Part, callNames map[string]string) []any {
	var out []any
	var toolResult *urp.Part
	var resultText string
	for i := range parts {
		p := parts[i]
		switch p.Kind {
		case urp.PartText:
			if toolResult != nil {
				resultText += p.Content
				continue
			}
			out = append(out, map[string]any{"text": p.Content})
		case urp.PartReasoning:
			out = append(out, map[string]any{"text": p.Content, "thought": true})
		case urp.PartReasoningEncrypted:
			if s, ok := p.Data.(string); ok {
				out = append(out, map[string]any{"text": "", "thought": true, "thoughtSignature": s})
			}
		case urp.PartToolCall:
			args := json.RawMessage(p.Arguments)
			if p.Arguments == "" {
				args = json.RawMessage("{}")
			}
			out = append(out, map[string]any{
				"functionCall": map[string]any{"name": p.Name, "args": args},
			})
		case urp.PartToolResult:
			toolResult = &parts[i]
		case urp.PartImage:
			out = append(out, encodeRefPart(p.Ref))
		case urp.PartFile:
			out = append(out, encodeRefPart(p.Ref))
		case urp.PartRefusal:
			out = append(out, map[string]any{"text": p.Content})
		}
	}
	if toolResult != nil {
		out = append(out, map[string]any{
			"functionResponse": map[string]any{
				"name":     callNames[toolResult.CallID],
				"response": map[string]any{"result": resultText},
			},
		})
	}
	if out == nil {
		out = []any{}
	}
	return out
}

func encodeRefPart(ref *urp.Ref) map[string]any {
	if ref == nil {
		return map[string]any{"text": ""}
	}
	if ref.Base64 != "" {
		return map[string]any{"inlineData": map[string]any{
			"mimeType": ref.MIME,
			"data":     ref.Base64,
		}}
	}
	return map[string]any{"fileData": map[string]any{
		"mimeType": ref.MIME,
		"fileUri":  ref.URL,
	}}
}

// DecodeResponse converts a generateContent response to URP. Gemini does not
// assign tool-call ids, so one is synthesized per functionCall part.
func DecodeResponse(body []byte) (*urp.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	if wire.Error != nil {
		return nil, apierror.New(apierror.UpstreamError, "%s", wire.Error.Message)
	}
	if len(wire.Candidates) == 0 {
		return nil, apierror.New(apierror.UpstreamError, "gemini response has no candidates")
	}

	cand := wire.Candidates[0]
	msg := urp.Message{Role: urp.RoleAssistant}
	hasToolCall := false
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			parts, isCall, err := decodePart(p)
			if err != nil {
				return nil, err
			}
			hasToolCall = hasToolCall || isCall
			msg.Parts = append(msg.Parts, parts...)
		}
	}

	resp := &urp.Response{
		ID:           wire.ResponseID,
		Model:        wire.ModelVersion,
		Message:      msg,
		FinishReason: finishReasonToURP(cand.FinishReason, hasToolCall),
	}
	if wire.UsageMetadata != nil {
		resp.Usage = usageToURP(wire.UsageMetadata)
	}
	return resp, nil
}

func decodePart(p wirePart) ([]urp.Part, bool, error) {
	switch {
	case p.FunctionCall != nil:
		args := "{}"
		if len(p.FunctionCall.Args) > 0 {
			args = string(p.FunctionCall.Args)
		}
		return []urp.Part{
			urp.ToolCallPart("call_"+uuid.NewString(), p.FunctionCall.Name, args),
		}, true, nil
	case p.Thought:
		parts := []urp.Part{}
		if p.Text != "" {
			parts = append(parts, urp.ReasoningPart(p.Text))
		}
		if p.ThoughtSignature != "" {
			parts = append(parts, urp.ReasoningEncryptedPart(p.ThoughtSignature))
		}
		return parts, false, nil
	case p.InlineData != nil:
		return []urp.Part{urp.ImagePart(urp.Ref{MIME: p.InlineData.MimeType, Base64: p.InlineData.Data})}, false, nil
	case p.FileData != nil:
		return []urp.Part{urp.FilePart(urp.Ref{MIME: p.FileData.MimeType, URL: p.FileData.FileURI})}, false, nil
	default:
		parts := []urp.Part{urp.TextPart(p.Text)}
		if p.ThoughtSignature != "" {
			parts = append(parts, urp.ReasoningEncryptedPart(p.ThoughtSignature))
		}
		return parts, false, nil
	}
}

func usageToURP(u *wireUsage) *urp.Usage {
	return &urp.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
		CachedTokens:     u.CachedContentTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
	}
}

func finishReasonToURP(reason string, hasToolCall bool) urp.FinishReason {
	if hasToolCall {
		return urp.FinishToolCalls
	}
	switch reason {
	case "STOP", "":
		return urp.FinishStop
	case "MAX_TOKENS":
		return urp.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return urp.FinishContentFilter
	default:
		return urp.FinishOther
	}
}

// StreamDecoder turns streamGenerateContent SSE into neutral stream events.
// Chunks are whole response objects with no event names and no terminator
// sentinel; the finish event is held until the connection closes so the last
// usageMetadata snapshot wins.
type StreamDecoder struct {
	started  bool
	closed   bool
	usage    *urp.Usage
	finish   urp.FinishReason
	toolSeen bool
	nextTool int
}

// NewStreamDecoder returns a decoder for one upstream stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Decode consumes one SSE event and returns the neutral events it yields.
func (d *StreamDecoder) Decode(ev sse.Event) ([]urp.StreamEvent, error) {
	if d.closed {
		return nil, nil
	}
	if ev.IsDone() {
		return d.Close(), nil
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("gemini: decoding stream chunk: %w", err)
	}
	if wire.Error != nil {
		d.closed = true
		return []urp.StreamEvent{{
			Kind: urp.StreamError,
			Err:  apierror.New(apierror.UpstreamError, "%s", wire.Error.Message),
		}}, nil
	}

	var out []urp.StreamEvent
	if !d.started {
		d.started = true
		out = append(out, urp.StreamEvent{
			Kind:  urp.StreamStart,
			ID:    wire.ResponseID,
			Model: wire.ModelVersion,
		})
	}
	if wire.UsageMetadata != nil {
		d.captureUsage(wire.UsageMetadata)
	}

	for _, cand := range wire.Candidates {
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				out = append(out, d.decodeStreamPart(p)...)
			}
		}
		if cand.FinishReason != "" {
			d.finish = finishReasonToURP(cand.FinishReason, d.toolSeen)
		}
	}
	return out, nil
}

// decodeStreamPart emits a complete tool-call triple per functionCall part;
// Gemini sends whole calls, never argument fragments.
func (d *StreamDecoder) decodeStreamPart(p wirePart) []urp.StreamEvent {
	switch {
	case p.FunctionCall != nil:
		idx := d.nextTool
		d.nextTool++
		d.toolSeen = true
		args := "{}"
		if len(p.FunctionCall.Args) > 0 {
			args = string(p.FunctionCall.Args)
		}
		return []urp.StreamEvent{
			{Kind: urp.StreamToolCallStart, Index: idx, CallID: "call_" + uuid.NewString(), Name: p.FunctionCall.Name},
			{Kind: urp.StreamToolCallArgsDelta, Index: idx, Args: args},
			{Kind: urp.StreamToolCallDone, Index: idx},
		}
	case p.Thought:
		var out []urp.StreamEvent
		if p.Text != "" {
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningDelta, Text: p.Text})
		}
		if p.ThoughtSignature != "" {
			out = append(out, urp.StreamEvent{Kind: urp.StreamReasoningSignatureDelta, Text: p.ThoughtSignature})
		}
		return out
	case p.Text != "":
		return []urp.StreamEvent{{Kind: urp.StreamTextDelta, Text: p.Text}}
	}
	return nil
}

func (d *StreamDecoder) captureUsage(u *wireUsage) {
	next := usageToURP(u)
	if d.usage == nil || next.Total() >= d.usage.Total() {
		d.usage = next
	}
}

// Close flushes the terminal finish event. Idempotent.
func (d *StreamDecoder) Close() []urp.StreamEvent {
	if d.closed {
		return nil
	}
	d.closed = true

	finish := d.finish
	if finish == "" {
		if d.toolSeen {
			finish = urp.FinishToolCalls
		} else {
			finish = urp.FinishStop
		}
	}
	return []urp.StreamEvent{{Kind: urp.StreamFinish, FinishReason: finish, Usage: d.usage}}
}
