package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/money"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCanonicalModelID(t *testing.T) {
	cases := map[string]string{
		"openai/gpt-4o":        "gpt-4o",
		"anthropic--claude-3":  "claude-3",
		"google.gemini-pro":    "gemini-pro",
		"gpt-4.1":              "gpt-4.1", // digit in prefix: not a provider namespace
		"claude-3.5-sonnet":    "claude-3.5-sonnet",
		"gemini-pro":           "gemini-pro",
		"provider/sub/model-x": "sub/model-x",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalModelID(in), "input %q", in)
	}
}

func TestSystemUserMigration(t *testing.T) {
	s := openTestStore(t)
	u, err := s.GetUser(context.Background(), SystemUserID)
	require.NoError(t, err)
	assert.True(t, u.BalanceUnlimited)
	assert.True(t, u.Admissible())
}

func TestUserBalanceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{
		ID:          "u1",
		Name:        "alice",
		Role:        "user",
		Enabled:     true,
		BalanceNano: money.FromNano(5_000_000_000),
	}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "5000000000", u.BalanceNano.NanoString())
	assert.True(t, u.Admissible())

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeyLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Enabled: true}))
	maxMult := 2.5
	require.NoError(t, s.CreateAPIKey(ctx, &APIKey{
		ID:            "k1",
		UserID:        "u1",
		KeyHash:       HashAPIKey("sk-test"),
		Enabled:       true,
		AllowedModels: []string{"m1"},
		MaxMultiplier: &maxMult,
	}))

	k, err := s.LookupAPIKey(ctx, HashAPIKey("sk-test"))
	require.NoError(t, err)
	assert.Equal(t, "u1", k.UserID)
	assert.Equal(t, []string{"m1"}, k.AllowedModels)
	require.NotNil(t, k.MaxMultiplier)
	assert.InDelta(t, 2.5, *k.MaxMultiplier, 1e-9)

	_, err = s.LookupAPIKey(ctx, HashAPIKey("sk-wrong"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Provider{
		ID:         "p1",
		Name:       "upstream one",
		Kind:       KindResponses,
		Enabled:    true,
		Priority:   10,
		MaxRetries: -1,
		Models: map[string]ModelEntry{
			"m1": {Redirect: "m1-upstream", Multiplier: 1.5},
		},
		Channels: []Channel{
			{ID: "c1", BaseURL: "https://a.example", APIKey: "sk-a", Weight: 2, Enabled: true},
			{ID: "c2", BaseURL: "https://b.example", APIKey: "sk-b", Weight: 1, Enabled: true},
		},
		Probe: ProbeConfig{Enabled: true, Model: "m1"},
	}
	require.NoError(t, s.CreateProvider(ctx, p))

	got, err := s.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, KindResponses, got.Kind)
	assert.Equal(t, "m1-upstream", got.Models["m1"].UpstreamModel("m1"))
	require.Len(t, got.Channels, 2)
	assert.Equal(t, 2.0, got.Channels[0].Weight)
	assert.True(t, got.Probe.Enabled)

	got.Enabled = false
	require.NoError(t, s.UpdateProvider(ctx, got))
	got, err = s.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestListProvidersOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProvider(ctx, &Provider{ID: "low", Kind: KindChat, Priority: 1}))
	require.NoError(t, s.CreateProvider(ctx, &Provider{ID: "high", Kind: KindChat, Priority: 5}))

	providers, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "high", providers[0].ID)
}

func TestModelPricingCanonicalLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cached := money.FromNano(100)
	require.NoError(t, s.UpsertModelPricing(ctx, &ModelPricing{
		ModelID:    "gpt-4o",
		InputRate:  money.FromNano(1000),
		OutputRate: money.FromNano(2000),
		CachedRate: &cached,
	}))

	mp, err := s.GetModelPricing(ctx, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "1000", mp.InputRate.NanoString())
	require.NotNil(t, mp.CachedRate)
	assert.Equal(t, "100", mp.CachedRate.NanoString())

	_, err = s.GetModelPricing(ctx, "unpriced-model")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerAppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Enabled: true, BalanceNano: money.FromNano(1000)}))
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AppendLedgerTx(ctx, tx, &LedgerEntry{
			UserID:           "u1",
			Kind:             LedgerRequestCharge,
			DeltaNano:        money.FromNano(-250),
			BalanceAfterNano: money.FromNano(750),
			Meta:             map[string]any{"model": "m1"},
		})
	}))

	entries, err := s.LedgerEntries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "-250", entries[0].DeltaNano.NanoString())
	assert.Equal(t, "m1", entries[0].Meta["model"])
}

func TestRequestLogPendingFinalize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := &RequestLog{
		RequestID:   "req-1",
		UserID:      "u1",
		Model:       "m1",
		RequestKind: RequestKindCompletion,
		IsStream:    true,
	}
	require.NoError(t, s.InsertPendingLog(ctx, pending))

	got, err := s.GetLogByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, LogStatusPending, got.Status)

	charge := money.FromNano(20000)
	require.NoError(t, s.FinalizeLog(ctx, &RequestLog{
		RequestID:        "req-1",
		UserID:           "u1",
		Model:            "m1",
		RequestKind:      RequestKindCompletion,
		IsStream:         true,
		Status:           LogStatusSuccess,
		PromptTokens:     12,
		CompletionTokens: 8,
		ChargeNano:       &charge,
		TTFBMs:           42,
	}))

	got, err = s.GetLogByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, LogStatusSuccess, got.Status)
	assert.Equal(t, 12, got.PromptTokens)
	require.NotNil(t, got.ChargeNano)
	assert.Equal(t, "20000", got.ChargeNano.NanoString())
	assert.EqualValues(t, 42, got.TTFBMs)
	require.NotNil(t, got.FinalizedAt)
}

func TestFinalizeLogWithoutPendingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.FinalizeLog(ctx, &RequestLog{
		UserID:       "u1",
		Model:        "m1",
		Status:       LogStatusError,
		ErrorCode:    "upstream_error",
		ErrorMessage: "boom",
		TriedProviders: []TriedProvider{
			{ProviderID: "p1", ChannelID: "c1", ErrorMessage: "503"},
			{ProviderID: "p1", ChannelID: "c2", ErrorMessage: "network"},
		},
	}))

	logs, err := s.ListLogsByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogStatusError, logs[0].Status)
	assert.Len(t, logs[0].TriedProviders, 2)
	assert.Nil(t, logs[0].ChargeNano)
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "unknown_field_policy")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "unknown_field_policy", "preserve"))
	require.NoError(t, s.SetSetting(ctx, "unknown_field_policy", "reject"))
	v, err := s.GetSetting(ctx, "unknown_field_policy")
	require.NoError(t, err)
	assert.Equal(t, "reject", v)
}
