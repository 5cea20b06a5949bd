package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/store"
)

func newTestTracker(threshold int, cooldown time.Duration) (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t := NewTracker(Settings{
		PassiveFailureThreshold: threshold,
		PassiveCooldown:         cooldown,
		ActiveInterval:          time.Second,
		ActiveSuccessThreshold:  2,
	})
	t.now = func() time.Time { return now }
	return t, &now
}

func TestTrackerStartsHealthy(t *testing.T) {
	tr, _ := newTestTracker(3, 30*time.Second)
	assert.True(t, tr.Eligible("p1", "c1"))
	h := tr.Snapshot("p1", "c1")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.FailureCount)
}

func TestTrackerPassiveThreshold(t *testing.T) {
	tr, now := newTestTracker(3, 30*time.Second)

	tr.MarkFailure("p1", "c1")
	tr.MarkFailure("p1", "c1")
	assert.True(t, tr.Eligible("p1", "c1"), "below threshold stays healthy")

	tr.MarkFailure("p1", "c1")
	assert.False(t, tr.Eligible("p1", "c1"))
	assert.False(t, tr.Snapshot("p1", "c1").Healthy)

	*now = now.Add(31 * time.Second)
	assert.True(t, tr.Eligible("p1", "c1"), "cooldown elapsed re-admits the channel")
	assert.False(t, tr.Snapshot("p1", "c1").Healthy, "eligibility does not flip health")
}

func TestTrackerSuccessResets(t *testing.T) {
	tr, _ := newTestTracker(1, 30*time.Second)

	tr.MarkFailure("p1", "c1")
	require.False(t, tr.Eligible("p1", "c1"))

	tr.MarkSuccess("p1", "c1")
	h := tr.Snapshot("p1", "c1")
	assert.True(t, h.Healthy)
	assert.Zero(t, h.FailureCount)
	assert.True(t, tr.Eligible("p1", "c1"))
}

func TestTrackerChannelsIndependent(t *testing.T) {
	tr, _ := newTestTracker(1, 30*time.Second)
	tr.MarkFailure("p1", "c1")
	assert.False(t, tr.Eligible("p1", "c1"))
	assert.True(t, tr.Eligible("p1", "c2"))
	assert.True(t, tr.Eligible("p2", "c1"))
}

func TestProbeSuccessThreshold(t *testing.T) {
	tr, now := newTestTracker(1, 10*time.Second)

	tr.MarkFailure("p1", "c1")
	*now = now.Add(11 * time.Second)
	require.True(t, tr.dueForProbe("p1", "c1"))

	tr.markProbeSuccess("p1", "c1")
	assert.False(t, tr.Snapshot("p1", "c1").Healthy, "one success below threshold")

	*now = now.Add(2 * time.Second)
	tr.markProbeSuccess("p1", "c1")
	assert.True(t, tr.Snapshot("p1", "c1").Healthy)
}

func TestProbeFailureRearmsCooldown(t *testing.T) {
	tr, now := newTestTracker(1, 10*time.Second)

	tr.MarkFailure("p1", "c1")
	*now = now.Add(11 * time.Second)
	tr.markProbeSuccess("p1", "c1")

	tr.markProbeFailure("p1", "c1")
	h := tr.Snapshot("p1", "c1")
	assert.Zero(t, h.ProbeSuccessCount)
	assert.False(t, tr.Eligible("p1", "c1"), "fresh cooldown blocks routing again")
}

func TestDueForProbeRespectsInterval(t *testing.T) {
	tr, now := newTestTracker(1, time.Second)
	tr.settings.ActiveInterval = 60 * time.Second

	tr.MarkFailure("p1", "c1")
	*now = now.Add(2 * time.Second)
	require.True(t, tr.dueForProbe("p1", "c1"))

	tr.markProbeFailure("p1", "c1")
	*now = now.Add(30 * time.Second)
	assert.False(t, tr.dueForProbe("p1", "c1"), "probed too recently")

	*now = now.Add(31 * time.Second)
	assert.True(t, tr.dueForProbe("p1", "c1"))
}

func TestProberSweep(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/gateway.db")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateProvider(ctx, &store.Provider{
		ID:      "p1",
		Kind:    store.KindChat,
		Enabled: true,
		Models:  map[string]store.ModelEntry{"m1": {Multiplier: 1}},
		Channels: []store.Channel{
			{ID: "c1", BaseURL: "https://a.example", Weight: 1, Enabled: true},
		},
		Probe: store.ProbeConfig{Enabled: true},
	}))

	tr, now := newTestTracker(1, time.Second)
	tr.MarkFailure("p1", "c1")
	*now = now.Add(2 * time.Second)

	var (
		mu     sync.Mutex
		probed []string
		logged []*store.RequestLog
	)
	probe := func(ctx context.Context, p *store.Provider, ch store.Channel, model string) error {
		mu.Lock()
		probed = append(probed, p.ID+"/"+ch.ID+"/"+model)
		mu.Unlock()
		return errors.New("still down")
	}
	logFn := func(ctx context.Context, l *store.RequestLog) {
		mu.Lock()
		logged = append(logged, l)
		mu.Unlock()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pr := NewProber(s, tr, probe, logFn, "", time.Second, logger)

	pr.sweep(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"p1/c1/m1"}, probed)
	require.Len(t, logged, 1)
	assert.Equal(t, store.SystemUserID, logged[0].UserID)
	assert.Equal(t, store.RequestKindActiveProbe, logged[0].RequestKind)
	assert.Equal(t, store.LogStatusError, logged[0].Status)
	assert.False(t, tr.Snapshot("p1", "c1").Healthy)
}

func TestProberResolveModel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pr := NewProber(nil, nil, nil, nil, "global-model", time.Second, logger)

	prov := &store.Provider{
		Models: map[string]store.ModelEntry{"b-model": {}, "a-model": {}},
	}
	assert.Equal(t, "a-model", pr.resolveModel(prov), "falls back to first model by name")

	prov.Models["global-model"] = store.ModelEntry{}
	assert.Equal(t, "global-model", pr.resolveModel(prov))

	prov.Probe.Model = "override"
	assert.Equal(t, "override", pr.resolveModel(prov))

	assert.Equal(t, "", pr.resolveModel(&store.Provider{}))
}
