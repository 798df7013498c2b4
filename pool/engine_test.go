package pool

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"arcaded/faults"
	"arcaded/models"
	"arcaded/storage"
)

type recordedPayout struct {
	wallet   string
	quarters int64
}

type fakePayouts struct {
	store   *storage.Store
	payouts []recordedPayout
	err     error
}

func (f *fakePayouts) ExecutePoolPayout(ctx context.Context, wallet string, quarters int64, onConfirmed func(ctx context.Context, tx *storage.Store, txHash string) error) (*models.SettlementAction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payouts = append(f.payouts, recordedPayout{wallet: wallet, quarters: quarters})
	if err := f.store.WithTx(ctx, func(tx *storage.Store) error {
		return onConfirmed(ctx, tx, "0xdeadbeef")
	}); err != nil {
		return nil, err
	}
	return &models.SettlementAction{Kind: models.ActionPoolClaim, Status: models.ActionConfirmed, TxHash: "0xdeadbeef"}, nil
}

type sinkRecorder struct {
	credited int64
}

func (s *sinkRecorder) Credit(ctx context.Context, quarters int64, source string) error {
	s.credited += quarters
	return nil
}

func setupEngine(t *testing.T, now time.Time) (*Engine, *storage.Store, *fakePayouts) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.New(db)
	payouts := &fakePayouts{store: store}
	engine, err := NewEngine(Config{
		Store:   store,
		Payouts: payouts,
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store, payouts
}

func seedPool(t *testing.T, store *storage.Store, quarters int64) {
	t.Helper()
	if err := store.CreditPool(context.Background(), quarters, quarters, 0); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func seedClaimState(t *testing.T, store *storage.Store, wallet string, lastClaim time.Time, streak int) {
	t.Helper()
	if err := store.UpsertClaimState(context.Background(), wallet, lastClaim, streak, 0); err != nil {
		t.Fatalf("seed claim state: %v", err)
	}
}

func TestFirstClaimStartsStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, payouts := setupEngine(t, now)
	seedPool(t, store, 100)

	result, err := engine.Claim(context.Background(), "0xAAA")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Claimed != 1 || result.Streak != 1 {
		t.Fatalf("first claim: expected 1 quarter at streak 1, got %+v", result)
	}
	if result.PoolBalanceAfter != 99 {
		t.Fatalf("expected pool 99, got %d", result.PoolBalanceAfter)
	}
	if result.TxHash != "0xdeadbeef" {
		t.Fatalf("expected payout tx hash, got %q", result.TxHash)
	}
	if len(payouts.payouts) != 1 || payouts.payouts[0].wallet != "0xaaa" {
		t.Fatalf("expected one payout for the normalised wallet, got %+v", payouts.payouts)
	}
	state, err := store.ClaimState(context.Background(), "0xaaa")
	if err != nil || state == nil {
		t.Fatalf("claim state: %v %+v", err, state)
	}
	if state.Streak != 1 || state.LifetimeClaimed != 1 {
		t.Fatalf("expected streak 1 lifetime 1, got %+v", state)
	}
}

func TestStreakAdvancesWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, _ := setupEngine(t, now)
	seedPool(t, store, 100)
	seedClaimState(t, store, "0xaaa", now.Add(-25*time.Hour), 1)

	result, err := engine.Claim(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Streak != 2 || result.Claimed != 2 {
		t.Fatalf("expected streak 2 paying 2, got %+v", result)
	}
}

func TestStreakResetsAfterMissedDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, _ := setupEngine(t, now)
	seedPool(t, store, 100)
	seedClaimState(t, store, "0xaaa", now.Add(-49*time.Hour), 6)

	result, err := engine.Claim(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Streak != 1 || result.Claimed != 1 {
		t.Fatalf("expected streak reset to 1, got %+v", result)
	}
}

func TestClaimOnCooldownRejected(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, payouts := setupEngine(t, now)
	seedPool(t, store, 100)
	seedClaimState(t, store, "0xaaa", now.Add(-10*time.Hour), 3)

	_, err := engine.Claim(context.Background(), "0xaaa")
	if faults.KindOf(err) != faults.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(payouts.payouts) != 0 {
		t.Fatal("no payout may be attempted inside the cooldown")
	}

	elig, err := engine.CanClaim(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.Allowed {
		t.Fatal("expected not allowed")
	}
	// Last claim 2026-03-10 05:00 UTC; cooldown ends 03-11 05:00; next
	// eligibility is the following UTC midnight.
	want := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	if !elig.NextClaimAt.Equal(want) {
		t.Fatalf("expected next claim %s, got %s", want, elig.NextClaimAt)
	}
}

func TestClaimCappedByPoolBalance(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, _ := setupEngine(t, now)
	seedPool(t, store, 3)
	seedClaimState(t, store, "0xaaa", now.Add(-25*time.Hour), 4)

	result, err := engine.Claim(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Streak 5 would pay 4, but only 3 quarters remain.
	if result.Claimed != 3 || result.PoolBalanceAfter != 0 {
		t.Fatalf("expected claim capped at 3 draining the pool, got %+v", result)
	}
}

func TestEmptyPoolClaimConsumesNothing(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	engine, store, payouts := setupEngine(t, now)

	result, err := engine.Claim(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Claimed != 0 {
		t.Fatalf("expected zero claim, got %+v", result)
	}
	if len(payouts.payouts) != 0 {
		t.Fatal("empty pool must not reach the payout leg")
	}
	state, err := store.ClaimState(context.Background(), "0xaaa")
	if err != nil {
		t.Fatalf("claim state: %v", err)
	}
	if state != nil {
		t.Fatalf("a zero claim must not consume the wallet's day, got %+v", state)
	}
}

func TestContributionOverflowSplit(t *testing.T) {
	engine, store, _ := setupEngine(t, time.Now().UTC())
	staking := &sinkRecorder{}
	operations := &sinkRecorder{}
	engine.stakingSink = staking
	engine.operationsSink = operations
	seedPool(t, store, 2470)

	result, err := engine.AddToPool(context.Background(), 100, "game_revenue")
	if err != nil {
		t.Fatalf("add to pool: %v", err)
	}
	if result.Added != 30 || result.Overflow != 70 {
		t.Fatalf("expected 30 added with 70 overflow, got %+v", result)
	}
	if result.ToStakingSink != 52 || result.ToOperationsSink != 18 {
		t.Fatalf("expected 52/18 split, got %+v", result)
	}
	if staking.credited != 52 || operations.credited != 18 {
		t.Fatalf("sink credits mismatch: staking %d operations %d", staking.credited, operations.credited)
	}
	if result.PoolBalanceQuarter != DefaultCapQuarters {
		t.Fatalf("expected pool at cap, got %d", result.PoolBalanceQuarter)
	}
}

func TestContributionBelowCapRoutesNothing(t *testing.T) {
	engine, store, _ := setupEngine(t, time.Now().UTC())
	staking := &sinkRecorder{}
	engine.stakingSink = staking
	seedPool(t, store, 100)

	result, err := engine.AddToPool(context.Background(), 50, "game_revenue")
	if err != nil {
		t.Fatalf("add to pool: %v", err)
	}
	if result.Added != 50 || result.Overflow != 0 || staking.credited != 0 {
		t.Fatalf("expected full fill with no overflow, got %+v (staking %d)", result, staking.credited)
	}
}

func TestContributionRejectsNonPositive(t *testing.T) {
	engine, _, _ := setupEngine(t, time.Now().UTC())
	_, err := engine.AddToPool(context.Background(), 0, "game_revenue")
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNextClaimTimeIsFirstMidnightAfterCooldown(t *testing.T) {
	// Cooldown ends exactly at midnight: eligibility is the next one.
	last := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := NextClaimTime(last); !got.Equal(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("boundary case: got %s", got)
	}
	last = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	if got := NextClaimTime(last); !got.Equal(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("late claim: got %s", got)
	}
}
