// Package transform runs configurable request/response rewrites on URP data.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Phase names which half of the exchange a rule rewrites.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
)

// Transform is one registered rewrite. Implementations mutate the passed
// value in place.
type Transform interface {
	ID() string
	ApplyRequest(req *urp.Request, config map[string]any) error
	ApplyResponse(resp *urp.Response, config map[string]any) error
}

// Registry maps transform ids to implementations.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewRegistry returns a registry with the built-in transforms installed.
func NewRegistry() *Registry {
	r := &Registry{transforms: make(map[string]Transform)}
	r.Register(stripReasoning{})
	return r
}

// Register adds or replaces a transform.
func (r *Registry) Register(t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[t.ID()] = t
}

// Get looks up a transform by id.
func (r *Registry) Get(id string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[id]
	return t, ok
}

// IDs lists registered transform ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.transforms))
	for id := range r.transforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RuleMatches reports whether a rule fires for the given phase and model.
// An empty models list matches every model; globs use * and ? wildcards.
func RuleMatches(rule store.TransformRule, phase, model string) bool {
	if !rule.Enabled || rule.Phase != phase {
		return false
	}
	if len(rule.Models) == 0 {
		return true
	}
	for _, pattern := range rule.Models {
		if ok, err := doublestar.Match(pattern, model); err == nil && ok {
			return true
		}
	}
	return false
}

// Pipeline is the ordered rule lists of one request: the API key's rules and
// the selected provider's rules.
type Pipeline struct {
	registry *Registry
	user     []store.TransformRule
	provider []store.TransformRule
}

// NewPipeline builds a pipeline from per-key and per-provider rule lists.
func NewPipeline(registry *Registry, user, provider []store.TransformRule) *Pipeline {
	return &Pipeline{registry: registry, user: user, provider: provider}
}

// HasResponsePhase reports whether any rule would fire on the response for
// model. Streams with a live response transform fall back to a synthetic
// replay of the unary response.
func (p *Pipeline) HasResponsePhase(model string) bool {
	for _, rule := range p.provider {
		if RuleMatches(rule, PhaseResponse, model) {
			return true
		}
	}
	for _, rule := range p.user {
		if RuleMatches(rule, PhaseResponse, model) {
			return true
		}
	}
	return false
}

// ApplyRequest runs matching request-phase rules: user rules first, then
// provider rules.
func (p *Pipeline) ApplyRequest(req *urp.Request, model string) error {
	for _, rules := range [][]store.TransformRule{p.user, p.provider} {
		for _, rule := range rules {
			if !RuleMatches(rule, PhaseRequest, model) {
				continue
			}
			t, err := p.resolve(rule)
			if err != nil {
				return err
			}
			if err := t.ApplyRequest(req, rule.Config); err != nil {
				return apierror.Wrap(apierror.TransformApplyError, err, fmt.Sprintf("transform %s failed", rule.TransformID))
			}
		}
	}
	return nil
}

// ApplyResponse runs matching response-phase rules: provider rules first,
// then user rules.
func (p *Pipeline) ApplyResponse(resp *urp.Response, model string) error {
	for _, rules := range [][]store.TransformRule{p.provider, p.user} {
		for _, rule := range rules {
			if !RuleMatches(rule, PhaseResponse, model) {
				continue
			}
			t, err := p.resolve(rule)
			if err != nil {
				return err
			}
			if err := t.ApplyResponse(resp, rule.Config); err != nil {
				return apierror.Wrap(apierror.TransformApplyError, err, fmt.Sprintf("transform %s failed", rule.TransformID))
			}
		}
	}
	return nil
}

func (p *Pipeline) resolve(rule store.TransformRule) (Transform, error) {
	t, ok := p.registry.Get(rule.TransformID)
	if !ok {
		return nil, apierror.New(apierror.TransformInitFailed, "unknown transform: %s", rule.TransformID)
	}
	return t, nil
}

// stripReasoning removes Reasoning and ReasoningEncrypted parts from the
// response message.
type stripReasoning struct{}

func (stripReasoning) ID() string { return "strip_reasoning" }

func (stripReasoning) ApplyRequest(req *urp.Request, _ map[string]any) error { return nil }

func (stripReasoning) ApplyResponse(resp *urp.Response, _ map[string]any) error {
	kept := resp.Message.Parts[:0]
	for _, part := range resp.Message.Parts {
		if part.Kind == urp.PartReasoning || part.Kind == urp.PartReasoningEncrypted {
			continue
		}
		kept = append(kept, part)
	}
	resp.Message.Parts = kept
	return nil
}
