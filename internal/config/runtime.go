package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/howard-nolan/llmgateway/internal/store"
)

// SettingsSource reads one runtime setting; absent keys return
// store.ErrNotFound, which a refresh treats as "keep the current value".
type SettingsSource interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// Runtime is the admin-adjustable half of the configuration. Reads take a
// read lock; Refresh is the only writer.
type Runtime struct {
	mu            sync.RWMutex
	fieldPolicy   string
	suffixEfforts map[string]string
}

// builtinSuffixes map reasoning-effort model suffixes applied when the
// requested model matches no provider directly.
var builtinSuffixes = map[string]string{
	"-minimum": "minimum",
	"-low":     "low",
	"-medium":  "medium",
	"-high":    "high",
	"-xhigh":   "xhigh",
	"-max":     "max",
	"-none":    "none",
}

// NewRuntime seeds runtime settings from the static configuration. The
// built-in suffix map is always present; configured entries extend or
// override it.
func NewRuntime(gw GatewayConfig) *Runtime {
	r := &Runtime{
		fieldPolicy:   gw.UnknownFieldPolicy,
		suffixEfforts: make(map[string]string, len(builtinSuffixes)+len(gw.SuffixEfforts)),
	}
	for k, v := range builtinSuffixes {
		r.suffixEfforts[k] = v
	}
	for k, v := range gw.SuffixEfforts {
		r.suffixEfforts[k] = v
	}
	return r
}

// Refresh re-reads the admin-settable keys from the source. Absent keys keep
// their current values.
func (r *Runtime) Refresh(ctx context.Context, src SettingsSource) error {
	policy, err := src.GetSetting(ctx, "unknown_field_policy")
	if err != nil && !isNotFound(err) {
		return err
	}
	var suffixes map[string]string
	raw, err := src.GetSetting(ctx, "suffix_efforts")
	if err != nil && !isNotFound(err) {
		return err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &suffixes); err != nil {
			return fmt.Errorf("config: parsing suffix_efforts setting: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if policy != "" {
		r.fieldPolicy = policy
	}
	for k, v := range suffixes {
		r.suffixEfforts[k] = v
	}
	return nil
}

func isNotFound(err error) bool {
	return err == nil || errors.Is(err, store.ErrNotFound)
}

// UnknownFieldPolicy returns the current policy string.
func (r *Runtime) UnknownFieldPolicy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fieldPolicy
}

// SuffixEfforts returns a copy of the current suffix map.
func (r *Runtime) SuffixEfforts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.suffixEfforts))
	for k, v := range r.suffixEfforts {
		out[k] = v
	}
	return out
}
