package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/howard-nolan/llmgateway/internal/money"
)

// CreateProvider inserts a provider row.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	rec, err := providerRecord(p)
	if err != nil {
		return err
	}
	query, args, err := s.q.Insert("providers").Rows(rec).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building provider insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: inserting provider %s: %w", p.ID, err)
	}
	return nil
}

// UpdateProvider overwrites a provider row.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	rec, err := providerRecord(p)
	if err != nil {
		return err
	}
	delete(rec, "id")
	query, args, err := s.q.Update("providers").Set(rec).Where(goqu.Ex{"id": p.ID}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building provider update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: updating provider %s: %w", p.ID, err)
	}
	return nil
}

func providerRecord(p *Provider) (goqu.Record, error) {
	models, err := json.Marshal(p.Models)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling provider models: %w", err)
	}
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling provider channels: %w", err)
	}
	probe, err := json.Marshal(p.Probe)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling provider probe config: %w", err)
	}
	transforms, err := json.Marshal(p.Transforms)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling provider transforms: %w", err)
	}
	return goqu.Record{
		"id":          p.ID,
		"name":        p.Name,
		"kind":        string(p.Kind),
		"enabled":     p.Enabled,
		"priority":    p.Priority,
		"max_retries": p.MaxRetries,
		"models":      string(models),
		"channels":    string(channels),
		"probe":       string(probe),
		"transforms":  string(transforms),
	}, nil
}

// ListProviders returns all providers ordered by priority then id. The
// routing engine walks this order when concatenating attempt shortlists.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	query, args, err := s.q.From("providers").
		Order(goqu.I("priority").Desc(), goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building providers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProvider loads one provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	query, args, err := s.q.From("providers").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building provider query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying provider: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanProvider(rows)
}

func scanProvider(rows *sql.Rows) (*Provider, error) {
	var (
		p                                Provider
		kind                             string
		models, channels, probe, tfsJSON string
		createdAt                        time.Time
	)
	if err := rows.Scan(&p.ID, &p.Name, &kind, &p.Enabled, &p.Priority, &p.MaxRetries,
		&models, &channels, &probe, &tfsJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("store: scanning provider: %w", err)
	}
	p.Kind = ProviderKind(kind)
	p.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(models), &p.Models); err != nil {
		return nil, fmt.Errorf("store: provider %s models: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(channels), &p.Channels); err != nil {
		return nil, fmt.Errorf("store: provider %s channels: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(probe), &p.Probe); err != nil {
		return nil, fmt.Errorf("store: provider %s probe config: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(tfsJSON), &p.Transforms); err != nil {
		return nil, fmt.Errorf("store: provider %s transforms: %w", p.ID, err)
	}
	return &p, nil
}

// UpsertModelPricing writes the rate card for a canonical model id.
func (s *Store) UpsertModelPricing(ctx context.Context, mp *ModelPricing) error {
	rec := goqu.Record{
		"model_id":         mp.ModelID,
		"input_rate_nano":  mp.InputRate.NanoString(),
		"output_rate_nano": mp.OutputRate.NanoString(),
	}
	if mp.CachedRate != nil {
		rec["cached_rate_nano"] = mp.CachedRate.NanoString()
	}
	if mp.ReasoningRate != nil {
		rec["reasoning_rate_nano"] = mp.ReasoningRate.NanoString()
	}
	query, args, err := s.q.Insert("model_metadata").Rows(rec).
		OnConflict(goqu.DoUpdate("model_id", rec)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building pricing upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upserting pricing for %s: %w", mp.ModelID, err)
	}
	return nil
}

// GetModelPricing looks up the rate card for a model, canonicalizing its id
// first. ErrNotFound means the model is unpriced and must not be billed.
func (s *Store) GetModelPricing(ctx context.Context, model string) (*ModelPricing, error) {
	canonical := CanonicalModelID(model)
	query, args, err := s.q.From("model_metadata").Where(goqu.Ex{"model_id": canonical}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building pricing query: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)

	var (
		mp                ModelPricing
		input, output     string
		cached, reasoning sql.NullString
	)
	err = row.Scan(&mp.ModelID, &input, &output, &cached, &reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning pricing: %w", err)
	}
	if mp.InputRate, err = money.ParseNano(input); err != nil {
		return nil, err
	}
	if mp.OutputRate, err = money.ParseNano(output); err != nil {
		return nil, err
	}
	if cached.Valid {
		m, err := money.ParseNano(cached.String)
		if err != nil {
			return nil, err
		}
		mp.CachedRate = &m
	}
	if reasoning.Valid {
		m, err := money.ParseNano(reasoning.String)
		if err != nil {
			return nil, err
		}
		mp.ReasoningRate = &m
	}
	return &mp, nil
}

// GetSetting reads one settings row; ErrNotFound when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	query, args, err := s.q.From("settings").Select("value").Where(goqu.Ex{"key": key}).Prepared(true).ToSQL()
	if err != nil {
		return "", fmt.Errorf("store: building setting query: %w", err)
	}
	var value string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: reading setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts one settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	rec := goqu.Record{"key": key, "value": value}
	query, args, err := s.q.Insert("settings").Rows(rec).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value})).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building setting upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: writing setting %s: %w", key, err)
	}
	return nil
}
