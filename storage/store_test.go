package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"arcaded/faults"
	"arcaded/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestActionLifecycleHappyPath(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entry, err := store.CreateAction(ctx, models.ActionTip, "0xaaa", "0xbbb", 5)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if entry.Status != models.ActionPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}
	if err := store.MarkActionSubmitted(ctx, entry.ID, "0xhash1"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := store.MarkActionConfirmed(ctx, entry.ID); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	got, err := store.ActionByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if got.Status != models.ActionConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
	if got.ConfirmedAt == nil {
		t.Fatal("expected confirmed timestamp")
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entry, err := store.CreateAction(ctx, models.ActionTimeConsumption, "0xaaa", "", 60)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := store.MarkActionFailed(ctx, entry.ID, "receipt timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkActionConfirmed(ctx, entry.ID); !faults.Is(err, faults.KindConflict) {
		t.Fatalf("expected conflict advancing a failed row, got %v", err)
	}
	if err := store.MarkActionFailed(ctx, entry.ID, "again"); !faults.Is(err, faults.KindConflict) {
		t.Fatalf("expected conflict failing a failed row, got %v", err)
	}
	got, err := store.ActionByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if got.Status != models.ActionFailed || got.ErrorMessage != "receipt timeout" {
		t.Fatalf("terminal row mutated: %+v", got)
	}
}

func TestConfirmActionByTxHashOutcomes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if outcome, err := store.ConfirmActionByTxHash(ctx, "0xmissing"); err != nil || outcome != ConfirmNoEntry {
		t.Fatalf("expected no entry, got %v / %v", outcome, err)
	}

	submitted, err := store.CreateAction(ctx, models.ActionTip, "0xaaa", "0xbbb", 3)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := store.MarkActionSubmitted(ctx, submitted.ID, "0xsub"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if outcome, err := store.ConfirmActionByTxHash(ctx, "0xsub"); err != nil || outcome != ConfirmAdvanced {
		t.Fatalf("expected advanced, got %v / %v", outcome, err)
	}
	if outcome, err := store.ConfirmActionByTxHash(ctx, "0xsub"); err != nil || outcome != ConfirmAlreadyConfirmed {
		t.Fatalf("expected already confirmed, got %v / %v", outcome, err)
	}

	failed, err := store.CreateAction(ctx, models.ActionPoolClaim, "0xccc", "", 2)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := store.MarkActionSubmitted(ctx, failed.ID, "0xlate"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := store.MarkActionFailed(ctx, failed.ID, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if outcome, err := store.ConfirmActionByTxHash(ctx, "0xlate"); err != nil || outcome != ConfirmPreviouslyFailed {
		t.Fatalf("expected previously failed, got %v / %v", outcome, err)
	}
	got, err := store.ActionByID(ctx, failed.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if got.Status != models.ActionFailed {
		t.Fatalf("failed row must stay failed, got %s", got.Status)
	}
}

func TestCheckpointMonotonic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	cp, err := store.Checkpoint(ctx, "arcade", "0xc0ffee")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatal("expected no checkpoint before first sync")
	}
	if err := store.SaveCheckpoint(ctx, "arcade", "0xc0ffee", 100); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "arcade", "0xc0ffee", 90); err != nil {
		t.Fatalf("save older checkpoint: %v", err)
	}
	cp, err = store.Checkpoint(ctx, "arcade", "0xc0ffee")
	if err != nil {
		t.Fatalf("reload checkpoint: %v", err)
	}
	if cp == nil || cp.LastSyncedBlock != 100 {
		t.Fatalf("checkpoint moved backwards: %+v", cp)
	}
	if err := store.SaveCheckpoint(ctx, "arcade", "0xc0ffee", 150); err != nil {
		t.Fatalf("advance checkpoint: %v", err)
	}
	cp, _ = store.Checkpoint(ctx, "arcade", "0xc0ffee")
	if cp.LastSyncedBlock != 150 {
		t.Fatalf("expected 150, got %d", cp.LastSyncedBlock)
	}
}

func TestRecordChainEventDedup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	evt := &models.ChainEvent{
		TxHash:        "0xdead",
		LogIndex:      3,
		EventName:     "TimePurchased",
		WalletAddress: "0xaaa",
		Amount:        600,
	}
	inserted, err := store.RecordChainEvent(ctx, evt)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	dup := &models.ChainEvent{TxHash: "0xdead", LogIndex: 3, EventName: "TimePurchased", WalletAddress: "0xaaa", Amount: 600}
	inserted, err = store.RecordChainEvent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate (tx, log index) must not insert")
	}
	other := &models.ChainEvent{TxHash: "0xdead", LogIndex: 4, EventName: "TimePurchased", WalletAddress: "0xaaa", Amount: 600}
	inserted, err = store.RecordChainEvent(ctx, other)
	if err != nil || !inserted {
		t.Fatalf("same tx different log index should insert: %v %v", inserted, err)
	}
}

func TestReserveTimeArbitratesConcurrentDebits(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	player, err := store.EnsurePlayer(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("ensure player: %v", err)
	}
	if err := store.AddTimePurchased(ctx, player.WalletAddress, 150); err != nil {
		t.Fatalf("credit time: %v", err)
	}

	first, err := store.ReserveTime(ctx, "0xaaa", 100)
	if err != nil || !first {
		t.Fatalf("first reservation should win: %v %v", first, err)
	}
	second, err := store.ReserveTime(ctx, "0xaaa", 100)
	if err != nil {
		t.Fatalf("second reservation: %v", err)
	}
	if second {
		t.Fatal("150-second balance must not cover two 100-second debits")
	}

	if err := store.ReleaseTime(ctx, "0xaaa", 100); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := store.ReserveTime(ctx, "0xaaa", 100)
	if err != nil || !again {
		t.Fatalf("reservation after release should win: %v %v", again, err)
	}
}

func TestReserveTimeArbitratesParallelRequests(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A second connection to :memory: would see a different database.
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)
	ctx := context.Background()

	if _, err := store.EnsurePlayer(ctx, "0xaaa"); err != nil {
		t.Fatalf("ensure player: %v", err)
	}
	if err := store.AddTimePurchased(ctx, "0xaaa", 150); err != nil {
		t.Fatalf("credit time: %v", err)
	}

	var wg sync.WaitGroup
	reserved := make([]bool, 2)
	errs := make([]error, 2)
	for i := range reserved {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reserved[i], errs[i] = store.ReserveTime(ctx, "0xaaa", 100)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("reservation %d: %v", i, err)
		}
	}
	winners := 0
	for _, ok := range reserved {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("150-second balance must admit exactly one 100-second reservation, got %d", winners)
	}
	player, err := store.PlayerByWallet(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("load player: %v", err)
	}
	if player.TimeReservedSeconds != 100 {
		t.Fatalf("expected 100 seconds reserved, got %d", player.TimeReservedSeconds)
	}
}

func TestConfirmActionArbitratesByRowState(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entry, err := store.CreateAction(ctx, models.ActionTimeConsumption, "0xaaa", "", 60)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := store.MarkActionSubmitted(ctx, entry.ID, "0xhash9"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	outcome, err := store.ConfirmAction(ctx, entry.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if outcome != ConfirmAdvanced {
		t.Fatalf("expected first confirm to advance, got %d", outcome)
	}
	outcome, err = store.ConfirmAction(ctx, entry.ID)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if outcome != ConfirmAlreadyConfirmed {
		t.Fatalf("expected already confirmed, got %d", outcome)
	}

	failed, err := store.CreateAction(ctx, models.ActionTimeConsumption, "0xaaa", "", 60)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := store.MarkActionFailed(ctx, failed.ID, "receipt wait expired"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	outcome, err = store.ConfirmAction(ctx, failed.ID)
	if err != nil {
		t.Fatalf("confirm failed row: %v", err)
	}
	if outcome != ConfirmPreviouslyFailed {
		t.Fatalf("expected previously failed, got %d", outcome)
	}
}

func TestAddTimeConsumedClampsAtZeroRemaining(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, err := store.EnsurePlayer(ctx, "0xaaa"); err != nil {
		t.Fatalf("ensure player: %v", err)
	}
	if err := store.AddTimePurchased(ctx, "0xaaa", 50); err != nil {
		t.Fatalf("credit time: %v", err)
	}
	if err := store.AddTimeConsumed(ctx, "0xaaa", 80); err != nil {
		t.Fatalf("consume: %v", err)
	}
	player, err := store.PlayerByWallet(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("load player: %v", err)
	}
	if player.TimeConsumedSeconds != 50 {
		t.Fatalf("expected consumption clamped to 50, got %d", player.TimeConsumedSeconds)
	}
}

func TestEnsurePlayerIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a, err := store.EnsurePlayer(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	b, err := store.EnsurePlayer(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected one player row, got %s and %s", a.ID, b.ID)
	}
}

func TestPoolDebitRequiresBalance(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.CreditPool(ctx, 10, 10, 0); err != nil {
		t.Fatalf("credit pool: %v", err)
	}
	ok, err := store.DebitPool(ctx, 12)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatal("debit above balance must be refused")
	}
	ok, err = store.DebitPool(ctx, 4)
	if err != nil || !ok {
		t.Fatalf("debit within balance: %v %v", ok, err)
	}
	state, err := store.PoolState(ctx)
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if state.BalanceQuarters != 6 || state.AllTimeClaimed != 4 {
		t.Fatalf("unexpected pool state: %+v", state)
	}
}

func TestUpsertClaimStateAccumulatesLifetime(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	day1 := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	if err := store.UpsertClaimState(ctx, "0xaaa", day1, 1, 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	day2 := day1.Add(25 * time.Hour)
	if err := store.UpsertClaimState(ctx, "0xaaa", day2, 2, 2); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	state, err := store.ClaimState(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("load claim state: %v", err)
	}
	if state.Streak != 2 || state.LifetimeClaimed != 3 || !state.LastClaimAt.Equal(day2) {
		t.Fatalf("unexpected claim state: %+v", state)
	}
}

func TestMarkNotifiedWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return current })

	send, err := store.MarkNotified(ctx, "0xaaa", "low_time", time.Hour)
	if err != nil || !send {
		t.Fatalf("first notification should send: %v %v", send, err)
	}
	current = current.Add(10 * time.Minute)
	send, err = store.MarkNotified(ctx, "0xaaa", "low_time", time.Hour)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if send {
		t.Fatal("mark inside window must suppress the notification")
	}
	current = current.Add(2 * time.Hour)
	send, err = store.MarkNotified(ctx, "0xaaa", "low_time", time.Hour)
	if err != nil || !send {
		t.Fatalf("expired mark should send again: %v %v", send, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	player, err := store.EnsurePlayer(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("ensure player: %v", err)
	}
	sess, err := store.CreateSession(ctx, player.ID, player.WalletAddress, "galaga")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.AddSessionTime(ctx, sess.ID, 30); err != nil {
		t.Fatalf("add session time: %v", err)
	}
	if err := store.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := store.EndSession(ctx, sess.ID); !faults.Is(err, faults.KindConflict) {
		t.Fatalf("expected conflict ending twice, got %v", err)
	}
	got, err := store.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got.Status != models.SessionEnded || got.SecondsConsumed != 30 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if _, err := store.SessionByID(ctx, uuid.New()); !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
