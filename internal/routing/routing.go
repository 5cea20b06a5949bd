// Package routing enumerates upstream attempts for a model and walks them
// with retry classification.
package routing

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/health"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// Attempt is one (provider, channel) pair to try, with the model entry
// already resolved.
type Attempt struct {
	Provider      *store.Provider
	Channel       store.Channel
	Entry         store.ModelEntry
	UpstreamModel string
}

// Builder turns the provider list into ordered attempt lists. The rand source
// is injected so tests fix the seed.
type Builder struct {
	tracker *health.Tracker

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBuilder constructs a builder over the given health tracker.
func NewBuilder(tracker *health.Tracker, rng *rand.Rand) *Builder {
	return &Builder{tracker: tracker, rng: rng}
}

// Attempts builds the ordered attempt list for model. maxMultiplier, when
// non-nil, drops providers whose model multiplier exceeds it. Provider order
// follows the input slice; channels within a provider are weighted-shuffled
// and truncated to 1+max_retries (all when max_retries is -1).
func (b *Builder) Attempts(providers []*store.Provider, model string, maxMultiplier *float64) []Attempt {
	var out []Attempt
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		entry, ok := p.Models[model]
		if !ok {
			continue
		}
		if maxMultiplier != nil && entry.Multiplier > *maxMultiplier {
			continue
		}

		var eligible []store.Channel
		for _, ch := range p.Channels {
			if !ch.Enabled || ch.Weight < 0 {
				continue
			}
			if !b.tracker.Eligible(p.ID, ch.ID) {
				continue
			}
			eligible = append(eligible, ch)
		}
		if len(eligible) == 0 {
			continue
		}

		ordered := b.weightedShuffle(eligible)
		limit := len(ordered)
		if p.MaxRetries >= 0 && p.MaxRetries+1 < limit {
			limit = p.MaxRetries + 1
		}
		for _, ch := range ordered[:limit] {
			out = append(out, Attempt{
				Provider:      p,
				Channel:       ch,
				Entry:         entry,
				UpstreamModel: entry.UpstreamModel(model),
			})
		}
	}
	return out
}

// weightedShuffle orders channels by repeated weighted draws without
// replacement. Weight 0 counts as 1 so zero-weight channels in a non-empty
// set still get picked.
func (b *Builder) weightedShuffle(channels []store.Channel) []store.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool := make([]store.Channel, len(channels))
	copy(pool, channels)
	out := make([]store.Channel, 0, len(pool))
	for len(pool) > 0 {
		total := 0.0
		for _, ch := range pool {
			total += effectiveWeight(ch)
		}
		r := b.rng.Float64() * total
		idx := len(pool) - 1
		for i, ch := range pool {
			r -= effectiveWeight(ch)
			if r < 0 {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func effectiveWeight(ch store.Channel) float64 {
	if ch.Weight <= 0 {
		return 1
	}
	return ch.Weight
}

// RetryableError is implemented by upstream call errors that may be retried
// on another channel (network errors, 408, 429, 5xx).
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err allows falling through to the next attempt.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re) && re.Retryable()
}

// RetryableStatus is the HTTP-status half of the retry rule.
func RetryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// Execute walks the attempt list. Retryable failures record a TriedProvider
// entry and a passive health failure, then fall through; anything else
// terminates. Success marks the channel healthy. The tried trace is returned
// in both cases so the request log can carry it.
func (b *Builder) Execute(ctx context.Context, model string, attempts []Attempt, call func(context.Context, Attempt) error) (Attempt, []store.TriedProvider, error) {
	var tried []store.TriedProvider
	for _, a := range attempts {
		err := call(ctx, a)
		if err == nil {
			b.tracker.MarkSuccess(a.Provider.ID, a.Channel.ID)
			return a, tried, nil
		}
		if !IsRetryable(err) {
			return a, tried, err
		}
		tried = append(tried, store.TriedProvider{
			ProviderID:   a.Provider.ID,
			ChannelID:    a.Channel.ID,
			ErrorMessage: err.Error(),
		})
		b.tracker.MarkFailure(a.Provider.ID, a.Channel.ID)
	}
	return Attempt{}, tried, apierror.New(apierror.UpstreamError, "no available upstream provider for model: %s", model)
}
