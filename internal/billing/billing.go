// Package billing computes request charges from usage and applies them
// atomically against user balances.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/money"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/urp"
)

// Charge is the priced breakdown of one request.
type Charge struct {
	PromptCharge     money.Money
	CompletionCharge money.Money
	Base             money.Money
	Final            money.Money
	Multiplier       float64
}

// ComputeCharge prices usage against a model's rate card and scales by the
// provider multiplier. Cached prompt tokens bill at the cached rate when one
// exists; reasoning tokens split out of completion when a reasoning rate
// exists.
func ComputeCharge(pricing *store.ModelPricing, usage urp.Usage, multiplier float64) (Charge, error) {
	var c Charge
	c.Multiplier = multiplier

	if pricing.CachedRate != nil {
		billable := usage.PromptTokens - usage.CachedTokens
		if billable < 0 {
			billable = 0
		}
		c.PromptCharge = pricing.InputRate.MulInt(int64(billable)).
			Add(pricing.CachedRate.MulInt(int64(usage.CachedTokens)))
	} else {
		c.PromptCharge = pricing.InputRate.MulInt(int64(usage.PromptTokens))
	}

	if pricing.ReasoningRate != nil {
		plain := usage.CompletionTokens - usage.ReasoningTokens
		if plain < 0 {
			plain = 0
		}
		c.CompletionCharge = pricing.OutputRate.MulInt(int64(plain)).
			Add(pricing.ReasoningRate.MulInt(int64(usage.ReasoningTokens)))
	} else {
		c.CompletionCharge = pricing.OutputRate.MulInt(int64(usage.CompletionTokens))
	}

	c.Base = c.PromptCharge.Add(c.CompletionCharge)
	final, err := money.ScaleByMultiplier(c.Base, multiplier)
	if err != nil {
		return Charge{}, err
	}
	c.Final = final
	return c, nil
}

// Engine applies charges and adjustments against the store.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

// NewEngine builds a billing engine.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// Preflight asserts the user may start a request: unlimited balance or a
// strictly positive one.
func (e *Engine) Preflight(ctx context.Context, userID string) error {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.New(apierror.Unauthorized, "unknown user")
	}
	if err != nil {
		return err
	}
	if !u.Enabled {
		return apierror.New(apierror.Forbidden, "user disabled")
	}
	if !u.Admissible() {
		return apierror.New(apierror.InsufficientBalance, "insufficient balance")
	}
	return nil
}

// BillUsage prices and debits one completed request. An unpriced model or a
// non-computable charge bills nothing and is not an error; the request
// already succeeded. The returned charge is nil when nothing was billed.
func (e *Engine) BillUsage(ctx context.Context, userID, upstreamModel string, usage urp.Usage, multiplier float64, meta map[string]any) (*Charge, error) {
	pricing, err := e.store.GetModelPricing(ctx, upstreamModel)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	charge, err := ComputeCharge(pricing, usage, multiplier)
	if err != nil {
		e.logger.Warn("charge not computable, skipping billing",
			"user", userID, "model", upstreamModel, "multiplier", multiplier, "error", err)
		return nil, nil
	}
	if charge.Final.Sign() <= 0 {
		return &charge, nil
	}

	if err := e.Debit(ctx, userID, charge.Final, meta); err != nil {
		return nil, err
	}
	return &charge, nil
}

// Debit subtracts amount inside a transaction that re-reads the balance
// first. Insufficient funds fail without debiting.
func (e *Engine) Debit(ctx context.Context, userID string, amount money.Money, meta map[string]any) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := e.store.GetUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !u.BalanceUnlimited && u.BalanceNano.Cmp(amount) < 0 {
			return apierror.New(apierror.InsufficientBalance, "insufficient balance")
		}
		after := u.BalanceNano.Sub(amount)
		if err := e.store.SetBalanceTx(ctx, tx, userID, after, u.BalanceUnlimited); err != nil {
			return err
		}
		return e.store.AppendLedgerTx(ctx, tx, &store.LedgerEntry{
			UserID:           userID,
			Kind:             store.LedgerRequestCharge,
			DeltaNano:        amount.Neg(),
			BalanceAfterNano: after,
			Meta:             meta,
		})
	})
}

// AdminAdjust sets an absolute balance and unlimited flag atomically, with a
// ledger entry carrying the signed delta relative to the prior state.
func (e *Engine) AdminAdjust(ctx context.Context, userID string, balance money.Money, unlimited bool, meta map[string]any) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := e.store.GetUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := e.store.SetBalanceTx(ctx, tx, userID, balance, unlimited); err != nil {
			return err
		}
		return e.store.AppendLedgerTx(ctx, tx, &store.LedgerEntry{
			UserID:           userID,
			Kind:             store.LedgerAdminAdjustment,
			DeltaNano:        balance.Sub(u.BalanceNano),
			BalanceAfterNano: balance,
			Meta:             meta,
		})
	})
}
