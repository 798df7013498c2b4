// Package pool implements the shared reward pool: daily claims with streak
// tiers, cooldown gating, and overflow routing for contributions past the cap.
// The on-chain payout leg reuses the settlement coordinator's lifecycle.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"arcaded/faults"
	"arcaded/models"
	"arcaded/observability"
	"arcaded/storage"
)

// DefaultCapQuarters is the pool capacity unless configured otherwise.
const DefaultCapQuarters int64 = 2500

// Payouts is the settlement surface the engine consumes for the on-chain leg.
// onConfirmed receives the store bound to the confirm transaction and runs
// only when the request path won the confirm transition.
type Payouts interface {
	ExecutePoolPayout(ctx context.Context, wallet string, quarters int64, onConfirmed func(ctx context.Context, tx *storage.Store, txHash string) error) (*models.SettlementAction, error)
}

// Sink receives quarters routed past the pool cap. The two sinks (staking,
// operations) live outside this service.
type Sink interface {
	Credit(ctx context.Context, quarters int64, source string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, quarters int64, source string) error

// Credit implements Sink.
func (f SinkFunc) Credit(ctx context.Context, quarters int64, source string) error {
	return f(ctx, quarters, source)
}

// Config captures the dependencies required to construct an Engine.
type Config struct {
	Store          *storage.Store
	Payouts        Payouts
	StakingSink    Sink
	OperationsSink Sink
	CapQuarters    int64
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *observability.PoolMetrics
}

// Engine performs claim and contribution accounting against the pool.
type Engine struct {
	store          *storage.Store
	payouts        Payouts
	stakingSink    Sink
	operationsSink Sink
	cap            int64
	now            func() time.Time
	logger         *slog.Logger
	metrics        *observability.PoolMetrics
}

// Eligibility reports whether a wallet may claim now.
type Eligibility struct {
	Allowed     bool
	NextClaimAt time.Time
}

// ClaimResult summarises a completed claim.
type ClaimResult struct {
	Claimed          int64
	PoolBalanceAfter int64
	Streak           int
	NextClaimAt      time.Time
	TxHash           string
}

// ContributionResult summarises one addToPool call.
type ContributionResult struct {
	Added              int64
	Overflow           int64
	ToStakingSink      int64
	ToOperationsSink   int64
	PoolBalanceQuarter int64
}

// NewEngine constructs a configured engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pool: store is required")
	}
	if cfg.Payouts == nil {
		return nil, fmt.Errorf("pool: payouts are required")
	}
	capQuarters := cfg.CapQuarters
	if capQuarters <= 0 {
		capQuarters = DefaultCapQuarters
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	noop := SinkFunc(func(ctx context.Context, quarters int64, source string) error { return nil })
	staking := cfg.StakingSink
	if staking == nil {
		staking = noop
	}
	operations := cfg.OperationsSink
	if operations == nil {
		operations = noop
	}
	return &Engine{
		store:          cfg.Store,
		payouts:        cfg.Payouts,
		stakingSink:    staking,
		operationsSink: operations,
		cap:            capQuarters,
		now:            now,
		logger:         logger,
		metrics:        cfg.Metrics,
	}, nil
}

// CanClaim reports claim eligibility for a wallet.
func (e *Engine) CanClaim(ctx context.Context, wallet string) (Eligibility, error) {
	state, err := e.store.ClaimState(ctx, normalize(wallet))
	if err != nil {
		return Eligibility{}, err
	}
	if state == nil {
		return Eligibility{Allowed: true}, nil
	}
	if e.now().Sub(state.LastClaimAt) < Cooldown {
		return Eligibility{Allowed: false, NextClaimAt: NextClaimTime(state.LastClaimAt)}, nil
	}
	return Eligibility{Allowed: true}, nil
}

// Claim pays out a wallet's daily reward. The claim is rejected inside the
// cooldown; an empty pool yields a zero claim without consuming the day.
func (e *Engine) Claim(ctx context.Context, wallet string) (*ClaimResult, error) {
	wallet = normalize(wallet)
	state, err := e.store.ClaimState(ctx, wallet)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if state != nil && now.Sub(state.LastClaimAt) < Cooldown {
		e.recordClaim("cooldown")
		return nil, faults.Newf(faults.KindConflict,
			"claim on cooldown until %s", NextClaimTime(state.LastClaimAt).Format(time.RFC3339))
	}

	streak := AdvanceStreak(state, now)
	poolState, err := e.store.PoolState(ctx)
	if err != nil {
		return nil, err
	}
	claimed := MaxClaimable(streak)
	if poolState.BalanceQuarters < claimed {
		claimed = poolState.BalanceQuarters
	}
	if claimed <= 0 {
		e.recordClaim("empty_pool")
		return &ClaimResult{Claimed: 0, Streak: streakOrPrior(state), PoolBalanceAfter: poolState.BalanceQuarters}, nil
	}

	var txHash string
	entry, err := e.payouts.ExecutePoolPayout(ctx, wallet, claimed, func(ctx context.Context, tx *storage.Store, confirmedTx string) error {
		return e.applyClaim(ctx, tx, wallet, claimed, streak, now, confirmedTx)
	})
	if err != nil {
		e.recordClaim("failed")
		return nil, fmt.Errorf("pool: payout: %w", err)
	}
	txHash = entry.TxHash

	after, err := e.store.PoolState(ctx)
	if err != nil {
		return nil, err
	}
	e.recordClaim("confirmed")
	return &ClaimResult{
		Claimed:          claimed,
		PoolBalanceAfter: after.BalanceQuarters,
		Streak:           streak,
		NextClaimAt:      NextClaimTime(now),
		TxHash:           txHash,
	}, nil
}

// applyClaim performs the pool-side bookkeeping for a confirmed payout
// against the given store, which is the confirm transaction on the request
// path. The indexer's PoolClaimed handler runs the same routine when it,
// rather than the request path, performed the confirm transition.
func (e *Engine) applyClaim(ctx context.Context, store *storage.Store, wallet string, claimed int64, streak int, at time.Time, txHash string) error {
	debited, err := store.DebitPool(ctx, claimed)
	if err != nil {
		return err
	}
	if !debited {
		// Pool drained between the eligibility read and confirmation. The
		// payout already settled on-chain, so clamp rather than refuse.
		e.logger.Warn("pool balance below confirmed claim, clamping", "wallet", wallet, "claimed", claimed)
	}
	if err := store.UpsertClaimState(ctx, wallet, at, streak, claimed); err != nil {
		return err
	}
	return store.AppendClaimRecord(ctx, wallet, claimed, streak, txHash)
}

// ReconcileClaim is the indexer-side completion for a PoolClaimed event whose
// local path never finished. The claim time is the reconciliation time; the
// original intent is unrecoverable after a crash.
func (e *Engine) ReconcileClaim(ctx context.Context, wallet string, claimed int64, txHash string) error {
	wallet = normalize(wallet)
	state, err := e.store.ClaimState(ctx, wallet)
	if err != nil {
		return err
	}
	now := e.now()
	streak := AdvanceStreak(state, now)
	return e.store.WithTx(ctx, func(tx *storage.Store) error {
		return e.applyClaim(ctx, tx, wallet, claimed, streak, now, txHash)
	})
}

// AddToPool accepts a contribution, fills the pool to its cap, and routes the
// overflow to the staking and operations sinks in a 3:1 split.
func (e *Engine) AddToPool(ctx context.Context, quarters int64, source string) (*ContributionResult, error) {
	if quarters <= 0 {
		return nil, faults.New(faults.KindValidation, "contribution must be positive")
	}
	poolState, err := e.store.PoolState(ctx)
	if err != nil {
		return nil, err
	}
	space := e.cap - poolState.BalanceQuarters
	if space < 0 {
		space = 0
	}
	added := quarters
	if added > space {
		added = space
	}
	overflow := quarters - added
	toStaking := overflow * 3 / 4
	toOperations := overflow - toStaking

	if err := e.store.CreditPool(ctx, added, quarters, overflow); err != nil {
		return nil, err
	}
	if toStaking > 0 {
		if err := e.stakingSink.Credit(ctx, toStaking, source); err != nil {
			return nil, fmt.Errorf("pool: credit staking sink: %w", err)
		}
		if e.metrics != nil {
			e.metrics.RecordOverflow("staking", toStaking)
		}
	}
	if toOperations > 0 {
		if err := e.operationsSink.Credit(ctx, toOperations, source); err != nil {
			return nil, fmt.Errorf("pool: credit operations sink: %w", err)
		}
		if e.metrics != nil {
			e.metrics.RecordOverflow("operations", toOperations)
		}
	}

	after, err := e.store.PoolState(ctx)
	if err != nil {
		return nil, err
	}
	return &ContributionResult{
		Added:              added,
		Overflow:           overflow,
		ToStakingSink:      toStaking,
		ToOperationsSink:   toOperations,
		PoolBalanceQuarter: after.BalanceQuarters,
	}, nil
}

// Stats returns the current pool snapshot.
func (e *Engine) Stats(ctx context.Context) (*models.PoolState, error) {
	return e.store.PoolState(ctx)
}

func (e *Engine) recordClaim(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordClaim(outcome)
	}
}

func streakOrPrior(state *models.ClaimState) int {
	if state == nil {
		return 0
	}
	return state.Streak
}

func normalize(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
