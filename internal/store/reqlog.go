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

// InsertPendingLog writes the pending row for a client-supplied request id,
// visible to dashboards before the request completes.
func (s *Store) InsertPendingLog(ctx context.Context, l *RequestLog) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	query, args, err := s.q.Insert("request_logs").Rows(goqu.Record{
		"id":           l.ID,
		"request_id":   l.RequestID,
		"user_id":      l.UserID,
		"api_key_id":   l.APIKeyID,
		"model":        l.Model,
		"request_kind": l.RequestKind,
		"is_stream":    l.IsStream,
		"status":       LogStatusPending,
		"request_ip":   l.RequestIP,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building pending log insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: inserting pending log: %w", err)
	}
	return nil
}

// FinalizeLog writes the terminal row. If a pending row exists for the same
// request id it is overwritten once; otherwise a fresh row is inserted.
func (s *Store) FinalizeLog(ctx context.Context, l *RequestLog) error {
	tried, err := json.Marshal(l.TriedProviders)
	if err != nil {
		return fmt.Errorf("store: marshaling tried providers: %w", err)
	}
	now := time.Now().UTC()
	rec := goqu.Record{
		"request_id":        l.RequestID,
		"user_id":           l.UserID,
		"api_key_id":        l.APIKeyID,
		"provider_id":       l.ProviderID,
		"channel_id":        l.ChannelID,
		"model":             l.Model,
		"upstream_model":    l.UpstreamModel,
		"request_kind":      l.RequestKind,
		"is_stream":         l.IsStream,
		"status":            l.Status,
		"prompt_tokens":     l.PromptTokens,
		"completion_tokens": l.CompletionTokens,
		"cached_tokens":     l.CachedTokens,
		"reasoning_tokens":  l.ReasoningTokens,
		"billing_json":      l.BillingJSON,
		"usage_json":        l.UsageJSON,
		"tried_providers":   string(tried),
		"reasoning_effort":  l.ReasoningEffort,
		"duration_ms":       l.DurationMs,
		"ttfb_ms":           l.TTFBMs,
		"request_ip":        l.RequestIP,
		"error_code":        l.ErrorCode,
		"error_http_status": l.ErrorHTTPStatus,
		"error_message":     l.ErrorMessage,
		"finalized_at":      now,
	}
	if l.ChargeNano != nil {
		rec["charge_nano_usd"] = l.ChargeNano.NanoString()
	}

	if l.RequestID != "" {
		// Overwrite the pending row exactly once.
		query, args, err := s.q.Update("request_logs").Set(rec).
			Where(goqu.Ex{"request_id": l.RequestID, "status": LogStatusPending}).
			Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("store: building log finalize: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: finalizing log: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}

	if l.ID == "" {
		l.ID = NewID()
	}
	rec["id"] = l.ID
	query, args, err := s.q.Insert("request_logs").Rows(rec).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: building log insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: inserting log: %w", err)
	}
	return nil
}

// GetLogByRequestID loads the row for a client-supplied request id.
func (s *Store) GetLogByRequestID(ctx context.Context, requestID string) (*RequestLog, error) {
	query, args, err := s.q.From("request_logs").Where(goqu.Ex{"request_id": requestID}).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building log query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying log: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanLog(rows)
}

// ListLogsByUser returns a user's rows newest first.
func (s *Store) ListLogsByUser(ctx context.Context, userID string, limit int) ([]*RequestLog, error) {
	ds := s.q.From("request_logs").
		Where(goqu.Ex{"user_id": userID}).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Desc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: building logs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(rows *sql.Rows) (*RequestLog, error) {
	var (
		l           RequestLog
		charge      sql.NullString
		tried       string
		finalizedAt sql.NullTime
	)
	err := rows.Scan(&l.ID, &l.RequestID, &l.UserID, &l.APIKeyID, &l.ProviderID, &l.ChannelID,
		&l.Model, &l.UpstreamModel, &l.RequestKind, &l.IsStream, &l.Status,
		&l.PromptTokens, &l.CompletionTokens, &l.CachedTokens, &l.ReasoningTokens,
		&charge, &l.BillingJSON, &l.UsageJSON, &tried, &l.ReasoningEffort,
		&l.DurationMs, &l.TTFBMs, &l.RequestIP,
		&l.ErrorCode, &l.ErrorHTTPStatus, &l.ErrorMessage,
		&l.CreatedAt, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning log: %w", err)
	}
	if charge.Valid {
		m, err := money.ParseNano(charge.String)
		if err != nil {
			return nil, err
		}
		l.ChargeNano = &m
	}
	if err := json.Unmarshal([]byte(tried), &l.TriedProviders); err != nil {
		return nil, fmt.Errorf("store: log %s tried providers: %w", l.ID, err)
	}
	if finalizedAt.Valid {
		l.FinalizedAt = &finalizedAt.Time
	}
	return &l, nil
}
