package transform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

func TestRuleMatches(t *testing.T) {
	rule := store.TransformRule{TransformID: "strip_reasoning", Enabled: true, Phase: PhaseResponse}

	assert.True(t, RuleMatches(rule, PhaseResponse, "gpt-4o"), "empty models list matches all")
	assert.False(t, RuleMatches(rule, PhaseRequest, "gpt-4o"))

	rule.Models = []string{"gpt-*"}
	assert.True(t, RuleMatches(rule, PhaseResponse, "gpt-4o"))
	assert.False(t, RuleMatches(rule, PhaseResponse, "claude-3"))

	rule.Models = []string{"o?"}
	assert.True(t, RuleMatches(rule, PhaseResponse, "o3"))
	assert.False(t, RuleMatches(rule, PhaseResponse, "o3-mini"))

	rule.Enabled = false
	rule.Models = nil
	assert.False(t, RuleMatches(rule, PhaseResponse, "gpt-4o"))
}

func TestStripReasoning(t *testing.T) {
	reg := NewRegistry()
	p := NewPipeline(reg, nil, []store.TransformRule{
		{TransformID: "strip_reasoning", Enabled: true, Phase: PhaseResponse},
	})

	resp := &urp.Response{Message: urp.Message{
		Role: urp.RoleAssistant,
		Parts: []urp.Part{
			urp.ReasoningPart("thinking..."),
			urp.TextPart("answer"),
			urp.ReasoningEncryptedPart("opaque"),
			urp.ToolCallPart("c1", "f", "{}"),
		},
	}}
	require.NoError(t, p.ApplyResponse(resp, "gpt-4o"))
	require.Len(t, resp.Message.Parts, 2)
	assert.Equal(t, urp.PartText, resp.Message.Parts[0].Kind)
	assert.Equal(t, urp.PartToolCall, resp.Message.Parts[1].Kind)
}

func TestHasResponsePhase(t *testing.T) {
	reg := NewRegistry()
	p := NewPipeline(reg,
		[]store.TransformRule{{TransformID: "strip_reasoning", Enabled: true, Phase: PhaseResponse, Models: []string{"claude-*"}}},
		nil)

	assert.True(t, p.HasResponsePhase("claude-3-opus"))
	assert.False(t, p.HasResponsePhase("gpt-4o"))

	empty := NewPipeline(reg, nil, nil)
	assert.False(t, empty.HasResponsePhase("claude-3-opus"))
}

type recording struct {
	id    string
	calls *[]string
}

func (r recording) ID() string { return r.id }
func (r recording) ApplyRequest(req *urp.Request, _ map[string]any) error {
	*r.calls = append(*r.calls, r.id+":req")
	return nil
}
func (r recording) ApplyResponse(resp *urp.Response, _ map[string]any) error {
	*r.calls = append(*r.calls, r.id+":resp")
	return nil
}

func TestPipelineOrdering(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(recording{id: "user_tf", calls: &calls})
	reg.Register(recording{id: "provider_tf", calls: &calls})

	p := NewPipeline(reg,
		[]store.TransformRule{{TransformID: "user_tf", Enabled: true, Phase: PhaseRequest}, {TransformID: "user_tf", Enabled: true, Phase: PhaseResponse}},
		[]store.TransformRule{{TransformID: "provider_tf", Enabled: true, Phase: PhaseRequest}, {TransformID: "provider_tf", Enabled: true, Phase: PhaseResponse}})

	require.NoError(t, p.ApplyRequest(&urp.Request{Model: "m1"}, "m1"))
	assert.Equal(t, []string{"user_tf:req", "provider_tf:req"}, calls)

	calls = nil
	require.NoError(t, p.ApplyResponse(&urp.Response{}, "m1"))
	assert.Equal(t, []string{"provider_tf:resp", "user_tf:resp"}, calls)
}

func TestUnknownTransform(t *testing.T) {
	p := NewPipeline(NewRegistry(), []store.TransformRule{
		{TransformID: "nope", Enabled: true, Phase: PhaseRequest},
	}, nil)

	err := p.ApplyRequest(&urp.Request{Model: "m1"}, "m1")
	assert.True(t, apierror.IsKind(err, apierror.TransformInitFailed))
}

type failing struct{}

func (failing) ID() string                                        { return "boom" }
func (failing) ApplyRequest(*urp.Request, map[string]any) error   { return errors.New("nope") }
func (failing) ApplyResponse(*urp.Response, map[string]any) error { return errors.New("nope") }

func TestApplyErrorWrapped(t *testing.T) {
	reg := NewRegistry()
	reg.Register(failing{})
	p := NewPipeline(reg, nil, []store.TransformRule{
		{TransformID: "boom", Enabled: true, Phase: PhaseResponse},
	})

	err := p.ApplyResponse(&urp.Response{}, "m1")
	assert.True(t, apierror.IsKind(err, apierror.TransformApplyError))
}
