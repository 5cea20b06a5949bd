package health

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmgateway/internal/store"
)

// ProbeFunc sends one minimal completion through the given channel and
// reports whether it succeeded. Implemented by the relay engine.
type ProbeFunc func(ctx context.Context, p *store.Provider, ch store.Channel, model string) error

// LogFunc records a probe outcome as a request-log row.
type LogFunc func(ctx context.Context, l *store.RequestLog)

// Prober periodically re-checks unhealthy channels of probe-enabled
// providers.
type Prober struct {
	store    *store.Store
	tracker  *Tracker
	probe    ProbeFunc
	logProbe LogFunc
	logger   *slog.Logger

	tick       time.Duration
	probeModel string // global default, overridable per provider
}

// NewProber builds the prober. tick is clamped to at least one second.
func NewProber(st *store.Store, tracker *Tracker, probe ProbeFunc, logProbe LogFunc, probeModel string, tick time.Duration, logger *slog.Logger) *Prober {
	if tick < time.Second {
		tick = time.Second
	}
	return &Prober{
		store:      st,
		tracker:    tracker,
		probe:      probe,
		logProbe:   logProbe,
		logger:     logger,
		tick:       tick,
		probeModel: probeModel,
	}
}

// Run blocks until ctx is canceled, sweeping on every tick.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	providers, err := p.store.ListProviders(ctx)
	if err != nil {
		p.logger.Warn("prober: listing providers", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, prov := range providers {
		if !prov.Enabled || !prov.Probe.Enabled {
			continue
		}
		model := p.resolveModel(prov)
		if model == "" {
			continue
		}
		for _, ch := range prov.Channels {
			if !ch.Enabled || !p.tracker.dueForProbe(prov.ID, ch.ID) {
				continue
			}
			prov, ch := prov, ch
			g.Go(func() error {
				p.probeChannel(ctx, prov, ch, model)
				return nil
			})
		}
	}
	g.Wait()
}

// resolveModel picks the probe model: provider override, then the global
// default, then the provider's first model.
func (p *Prober) resolveModel(prov *store.Provider) string {
	if prov.Probe.Model != "" {
		return prov.Probe.Model
	}
	if p.probeModel != "" {
		if _, ok := prov.Models[p.probeModel]; ok {
			return p.probeModel
		}
	}
	names := make([]string, 0, len(prov.Models))
	for name := range prov.Models {
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

func (p *Prober) probeChannel(ctx context.Context, prov *store.Provider, ch store.Channel, model string) {
	start := time.Now()
	err := p.probe(ctx, prov, ch, model)
	elapsed := time.Since(start)

	l := &store.RequestLog{
		UserID:        store.SystemUserID,
		ProviderID:    prov.ID,
		ChannelID:     ch.ID,
		Model:         model,
		UpstreamModel: prov.Models[model].UpstreamModel(model),
		RequestKind:   store.RequestKindActiveProbe,
		DurationMs:    elapsed.Milliseconds(),
	}
	if err != nil {
		p.tracker.markProbeFailure(prov.ID, ch.ID)
		l.Status = store.LogStatusError
		l.ErrorMessage = err.Error()
		p.logger.Info("probe failed", "provider", prov.ID, "channel", ch.ID, "model", model, "error", err)
	} else {
		p.tracker.markProbeSuccess(prov.ID, ch.ID)
		l.Status = store.LogStatusSuccess
		p.logger.Info("probe succeeded", "provider", prov.ID, "channel", ch.ID, "model", model)
	}
	p.logProbe(ctx, l)
}
