package store

import (
	"time"

	"github.com/howard-nolan/llmgateway/internal/money"
)

// ProviderKind names the upstream wire shape a provider speaks.
type ProviderKind string

const (
	KindResponses ProviderKind = "responses"
	KindChat      ProviderKind = "chat"
	KindMessages  ProviderKind = "messages"
	KindGemini    ProviderKind = "gemini"
	KindGrok      ProviderKind = "grok"
)

// SystemUserID is the reserved unlimited-balance user that active probes are
// logged against. Created by migration.
const SystemUserID = "system"

// User is a billing principal.
type User struct {
	ID               string
	Name             string
	Role             string
	Enabled          bool
	BalanceNano      money.Money
	BalanceUnlimited bool
	CreatedAt        time.Time
}

// Admissible reports whether the user may start a request at all.
func (u *User) Admissible() bool {
	return u.BalanceUnlimited || u.BalanceNano.Sign() > 0
}

// APIKey is a credential bound to a user, with optional per-key constraints.
type APIKey struct {
	ID            string
	UserID        string
	Name          string
	KeyHash       string
	Enabled       bool
	ExpiresAt     *time.Time
	AllowedModels []string // empty = all models
	IPWhitelist   []string // empty = any ip
	MaxMultiplier *float64
	Transforms    []TransformRule
	CreatedAt     time.Time
}

// ModelEntry is one logical model a provider serves.
type ModelEntry struct {
	Redirect   string  `json:"redirect,omitempty"` // upstream model when it differs
	Multiplier float64 `json:"multiplier"`
}

// UpstreamModel resolves the model name sent upstream.
func (e ModelEntry) UpstreamModel(logical string) string {
	if e.Redirect != "" {
		return e.Redirect
	}
	return logical
}

// Channel is one upstream endpoint+credential of a provider.
type Channel struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	BaseURL string  `json:"base_url"`
	APIKey  string  `json:"api_key"`
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// ProbeConfig overrides the global active-probe settings per provider.
type ProbeConfig struct {
	Enabled          bool   `json:"enabled"`
	Model            string `json:"model,omitempty"`
	IntervalSeconds  int    `json:"interval_seconds,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
}

// TransformRule configures one pipeline entry.
type TransformRule struct {
	TransformID string         `json:"transform_id"`
	Enabled     bool           `json:"enabled"`
	Phase       string         `json:"phase"` // "request" | "response"
	Models      []string       `json:"models,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Provider groups channels serving a set of logical models behind one
// upstream shape.
type Provider struct {
	ID         string
	Name       string
	Kind       ProviderKind
	Enabled    bool
	Priority   int
	MaxRetries int // -1 = all channels
	Models     map[string]ModelEntry
	Channels   []Channel
	Probe      ProbeConfig
	Transforms []TransformRule
	CreatedAt  time.Time
}

// ModelPricing is the per-token rate card for one canonical model id, in
// nano-USD per token.
type ModelPricing struct {
	ModelID       string
	InputRate     money.Money
	OutputRate    money.Money
	CachedRate    *money.Money
	ReasoningRate *money.Money
}

// Ledger entry kinds.
const (
	LedgerRequestCharge   = "request_charge"
	LedgerAdminAdjustment = "admin_adjustment"
)

// LedgerEntry is one append-only balance movement.
type LedgerEntry struct {
	ID               string
	UserID           string
	Kind             string
	DeltaNano        money.Money
	BalanceAfterNano money.Money
	Meta             map[string]any
	CreatedAt        time.Time
}

// Request log statuses and kinds.
const (
	LogStatusPending = "pending"
	LogStatusSuccess = "success"
	LogStatusError   = "error"

	RequestKindCompletion  = "completion"
	RequestKindEmbeddings  = "embeddings"
	RequestKindActiveProbe = "active_probe_connectivity"
)

// TriedProvider records one failed attempt in the retry trace.
type TriedProvider struct {
	ProviderID   string `json:"provider_id"`
	ChannelID    string `json:"channel_id"`
	ErrorMessage string `json:"error_message"`
}

// RequestLog is one logical request row. A pending row may exist before the
// terminal outcome; Finalize overwrites it exactly once.
type RequestLog struct {
	ID            string
	RequestID     string
	UserID        string
	APIKeyID      string
	ProviderID    string
	ChannelID     string
	Model         string
	UpstreamModel string
	RequestKind   string
	IsStream      bool
	Status        string

	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	ReasoningTokens  int

	ChargeNano      *money.Money // nil = not billed
	BillingJSON     string
	UsageJSON       string
	TriedProviders  []TriedProvider
	ReasoningEffort string
	DurationMs      int64
	TTFBMs          int64
	RequestIP       string

	ErrorCode       string
	ErrorHTTPStatus int
	ErrorMessage    string

	CreatedAt   time.Time
	FinalizedAt *time.Time
}
