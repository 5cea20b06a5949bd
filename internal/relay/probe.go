package relay

import (
	"context"
	"io"

	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/upstream"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Probe issues a minimal one-token completion through a channel to verify
// connectivity. Wired into the active prober.
func (e *Engine) Probe(ctx context.Context, p *store.Provider, ch store.Channel, model string) error {
	upstreamModel := model
	if entry, ok := p.Models[model]; ok {
		upstreamModel = entry.UpstreamModel(model)
	}
	one := 1
	req := &urp.Request{
		Model:           upstreamModel,
		Messages:        []urp.Message{{Role: urp.RoleUser, Parts: []urp.Part{urp.TextPart("ping")}}},
		MaxOutputTokens: &one,
	}
	body, err := encodeUpstream(p.Kind, req)
	if err != nil {
		return err
	}
	resp, err := e.deps.Client.Do(ctx, upstream.Call{
		Kind:    p.Kind,
		BaseURL: ch.BaseURL,
		APIKey:  ch.APIKey,
		Model:   upstreamModel,
		Body:    body,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
