// Package storage wraps the relational datastore behind atomic, single-row
// operations. Counter mutations are expressed as SQL increments rather than
// read-modify-write so the indexer and the request path stay correct under
// concurrency.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arcaded/faults"
	"arcaded/models"
)

// ConfirmOutcome describes what ConfirmActionByTxHash found.
type ConfirmOutcome int

const (
	// ConfirmNoEntry means no ledger row carries the transaction hash.
	ConfirmNoEntry ConfirmOutcome = iota
	// ConfirmAdvanced means a pending or submitted row was moved to confirmed.
	ConfirmAdvanced
	// ConfirmAlreadyConfirmed means the other settlement path already
	// confirmed the row and applied its local effects.
	ConfirmAlreadyConfirmed
	// ConfirmPreviouslyFailed means the row was marked failed locally (for
	// example a receipt-wait timeout) but the transaction mined anyway. The
	// row stays failed; balances still need the event's delta.
	ConfirmPreviouslyFailed
)

// Store provides the persistence operations for the settlement core.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store over an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithTx runs fn inside one database transaction. The callback receives a
// store bound to the transaction; a returned error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, now: s.now})
	})
}

// CreateAction inserts a new pending ledger row.
func (s *Store) CreateAction(ctx context.Context, kind models.ActionKind, wallet, counterparty string, amount int64) (*models.SettlementAction, error) {
	entry := &models.SettlementAction{
		ID:                 uuid.New(),
		Kind:               kind,
		WalletAddress:      wallet,
		CounterpartyWallet: counterparty,
		Amount:             amount,
		Status:             models.ActionPending,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("storage: create action: %w", err)
	}
	return entry, nil
}

// MarkActionSubmitted records the transaction hash once submission succeeded.
func (s *Store) MarkActionSubmitted(ctx context.Context, id uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.SettlementAction{}).
		Where("id = ? AND status = ?", id, models.ActionPending).
		Updates(map[string]any{"status": models.ActionSubmitted, "tx_hash": txHash})
	if res.Error != nil {
		return fmt.Errorf("storage: mark submitted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindConflict, "action %s not pending", id)
	}
	return nil
}

// MarkActionConfirmed moves a non-terminal row to confirmed.
func (s *Store) MarkActionConfirmed(ctx context.Context, id uuid.UUID) error {
	confirmedAt := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.SettlementAction{}).
		Where("id = ? AND status IN ?", id, []models.ActionStatus{models.ActionPending, models.ActionSubmitted}).
		Updates(map[string]any{"status": models.ActionConfirmed, "confirmed_at": confirmedAt})
	if res.Error != nil {
		return fmt.Errorf("storage: mark confirmed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindConflict, "action %s already terminal", id)
	}
	return nil
}

// MarkActionFailed moves a non-terminal row to failed with the error text.
func (s *Store) MarkActionFailed(ctx context.Context, id uuid.UUID, message string) error {
	res := s.db.WithContext(ctx).Model(&models.SettlementAction{}).
		Where("id = ? AND status IN ?", id, []models.ActionStatus{models.ActionPending, models.ActionSubmitted}).
		Updates(map[string]any{"status": models.ActionFailed, "error_message": message})
	if res.Error != nil {
		return fmt.Errorf("storage: mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindConflict, "action %s already terminal", id)
	}
	return nil
}

// ConfirmAction is the request-side confirm: a guarded transition on the row
// id. ConfirmAdvanced means this caller won the transition and owns the local
// effects; any other outcome means the reconciliation path got there first.
func (s *Store) ConfirmAction(ctx context.Context, id uuid.UUID) (ConfirmOutcome, error) {
	confirmedAt := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.SettlementAction{}).
		Where("id = ? AND status IN ?", id, []models.ActionStatus{models.ActionPending, models.ActionSubmitted}).
		Updates(map[string]any{"status": models.ActionConfirmed, "confirmed_at": confirmedAt})
	if res.Error != nil {
		return ConfirmNoEntry, fmt.Errorf("storage: confirm action: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return ConfirmAdvanced, nil
	}
	entry, err := s.ActionByID(ctx, id)
	if err != nil {
		return ConfirmNoEntry, err
	}
	if entry.Status == models.ActionFailed {
		return ConfirmPreviouslyFailed, nil
	}
	return ConfirmAlreadyConfirmed, nil
}

// ConfirmActionByTxHash is the reconciliation-side confirm: it advances any
// pending or submitted row carrying the hash and reports what it found so the
// caller knows whether the request path already applied local effects.
func (s *Store) ConfirmActionByTxHash(ctx context.Context, txHash string) (ConfirmOutcome, error) {
	confirmedAt := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.SettlementAction{}).
		Where("tx_hash = ? AND status IN ?", txHash, []models.ActionStatus{models.ActionPending, models.ActionSubmitted}).
		Updates(map[string]any{"status": models.ActionConfirmed, "confirmed_at": confirmedAt})
	if res.Error != nil {
		return ConfirmNoEntry, fmt.Errorf("storage: confirm by tx hash: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return ConfirmAdvanced, nil
	}
	var entry models.SettlementAction
	err := s.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConfirmNoEntry, nil
	}
	if err != nil {
		return ConfirmNoEntry, fmt.Errorf("storage: load action by tx hash: %w", err)
	}
	if entry.Status == models.ActionFailed {
		return ConfirmPreviouslyFailed, nil
	}
	return ConfirmAlreadyConfirmed, nil
}

// ActionByID loads one ledger row.
func (s *Store) ActionByID(ctx context.Context, id uuid.UUID) (*models.SettlementAction, error) {
	var entry models.SettlementAction
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "action %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load action: %w", err)
	}
	return &entry, nil
}

// ActionsByWallet lists recent ledger rows for a wallet, newest first.
func (s *Store) ActionsByWallet(ctx context.Context, wallet string, limit int) ([]models.SettlementAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.SettlementAction
	err := s.db.WithContext(ctx).
		Where("wallet_address = ? OR counterparty_wallet = ?", wallet, wallet).
		Order("created_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	return entries, nil
}

// Checkpoint returns the stored checkpoint for a contract, or nil if the
// contract has never been synced.
func (s *Store) Checkpoint(ctx context.Context, name, address string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("contract_name = ? AND contract_address = ?", name, address).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint persists a new last-synced block. The update is guarded so
// the stored value never moves backwards.
func (s *Store) SaveCheckpoint(ctx context.Context, name, address string, block uint64) error {
	syncedAt := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("contract_name = ? AND contract_address = ? AND last_synced_block <= ?", name, address, block).
		Updates(map[string]any{"last_synced_block": block, "last_synced_at": syncedAt})
	if res.Error != nil {
		return fmt.Errorf("storage: save checkpoint: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	existing, err := s.Checkpoint(ctx, name, address)
	if err != nil {
		return err
	}
	if existing != nil {
		// Stored checkpoint is already ahead; keep it.
		return nil
	}
	cp := models.Checkpoint{
		ContractName:    name,
		ContractAddress: address,
		LastSyncedBlock: block,
		LastSyncedAt:    syncedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&cp).Error; err != nil {
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}

// RecordChainEvent inserts the durable log row. It reports false without error
// when the (tx hash, log index) key already exists, which is how handlers
// detect duplicate delivery.
func (s *Store) RecordChainEvent(ctx context.Context, evt *models.ChainEvent) (bool, error) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(evt)
	if res.Error != nil {
		return false, fmt.Errorf("storage: record chain event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// EnsurePlayer resolves or creates the player row for a wallet address.
func (s *Store) EnsurePlayer(ctx context.Context, wallet string) (*models.Player, error) {
	player := models.Player{ID: uuid.New(), WalletAddress: wallet}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(&player).Error
	if err != nil {
		return nil, fmt.Errorf("storage: ensure player: %w", err)
	}
	var existing models.Player
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("storage: load player: %w", err)
	}
	return &existing, nil
}

// PlayerByWallet loads a player row.
func (s *Store) PlayerByWallet(ctx context.Context, wallet string) (*models.Player, error) {
	var player models.Player
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "player %s not found", wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load player: %w", err)
	}
	return &player, nil
}

func (s *Store) addPlayerCounter(ctx context.Context, wallet, column string, delta int64) error {
	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("wallet_address = ?", wallet).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("storage: bump %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "player %s not found", wallet)
	}
	return nil
}

// AddTimePurchased credits purchased play time.
func (s *Store) AddTimePurchased(ctx context.Context, wallet string, seconds int64) error {
	return s.addPlayerCounter(ctx, wallet, "time_purchased_seconds", seconds)
}

// AddTimeConsumed applies a consumption delta, clamped so the remaining
// balance never goes negative.
func (s *Store) AddTimeConsumed(ctx context.Context, wallet string, seconds int64) error {
	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("wallet_address = ?", wallet).
		UpdateColumn("time_consumed_seconds", gorm.Expr(
			"CASE WHEN time_purchased_seconds - time_consumed_seconds >= ? THEN time_consumed_seconds + ? ELSE time_purchased_seconds END",
			seconds, seconds))
	if res.Error != nil {
		return fmt.Errorf("storage: add time consumed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "player %s not found", wallet)
	}
	return nil
}

// ReserveTime atomically sets aside play time for an in-flight debit. Returns
// false when the remaining unreserved balance is too small; this conditional
// update is what arbitrates concurrent consumption requests.
func (s *Store) ReserveTime(ctx context.Context, wallet string, seconds int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("wallet_address = ? AND time_purchased_seconds - time_consumed_seconds - time_reserved_seconds >= ?", wallet, seconds).
		UpdateColumn("time_reserved_seconds", gorm.Expr("time_reserved_seconds + ?", seconds))
	if res.Error != nil {
		return false, fmt.Errorf("storage: reserve time: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReleaseTime returns a reservation, clamped at zero.
func (s *Store) ReleaseTime(ctx context.Context, wallet string, seconds int64) error {
	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("wallet_address = ?", wallet).
		UpdateColumn("time_reserved_seconds", gorm.Expr(
			"CASE WHEN time_reserved_seconds >= ? THEN time_reserved_seconds - ? ELSE 0 END",
			seconds, seconds))
	if res.Error != nil {
		return fmt.Errorf("storage: release time: %w", res.Error)
	}
	return nil
}

// AddQuartersSpent credits the value-sent counter.
func (s *Store) AddQuartersSpent(ctx context.Context, wallet string, quarters int64) error {
	return s.addPlayerCounter(ctx, wallet, "quarters_spent", quarters)
}

// AddTipTotals bumps both sides of a confirmed tip.
func (s *Store) AddTipTotals(ctx context.Context, sender, recipient string, quarters int64) error {
	if err := s.addPlayerCounter(ctx, sender, "tips_sent_quarters", quarters); err != nil {
		return err
	}
	return s.addPlayerCounter(ctx, recipient, "tips_received_quarters", quarters)
}

// AddStaked credits the staked balance.
func (s *Store) AddStaked(ctx context.Context, wallet string, quarters int64) error {
	return s.addPlayerCounter(ctx, wallet, "staked_quarters", quarters)
}

// SubStaked debits the staked balance, clamped at zero.
func (s *Store) SubStaked(ctx context.Context, wallet string, quarters int64) error {
	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("wallet_address = ?", wallet).
		UpdateColumn("staked_quarters", gorm.Expr(
			"CASE WHEN staked_quarters >= ? THEN staked_quarters - ? ELSE 0 END",
			quarters, quarters))
	if res.Error != nil {
		return fmt.Errorf("storage: sub staked: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "player %s not found", wallet)
	}
	return nil
}

// CreateSession opens an active game session for a player.
func (s *Store) CreateSession(ctx context.Context, playerID uuid.UUID, wallet, gameID string) (*models.GameSession, error) {
	sess := &models.GameSession{
		ID:            uuid.New(),
		PlayerID:      playerID,
		WalletAddress: wallet,
		GameID:        gameID,
		Status:        models.SessionActive,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("storage: create session: %w", err)
	}
	return sess, nil
}

// SessionByID loads a game session.
func (s *Store) SessionByID(ctx context.Context, id uuid.UUID) (*models.GameSession, error) {
	var sess models.GameSession
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load session: %w", err)
	}
	return &sess, nil
}

// AddSessionTime bumps the per-session consumed counter.
func (s *Store) AddSessionTime(ctx context.Context, id uuid.UUID, seconds int64) error {
	res := s.db.WithContext(ctx).Model(&models.GameSession{}).
		Where("id = ?", id).
		UpdateColumn("seconds_consumed", gorm.Expr("seconds_consumed + ?", seconds))
	if res.Error != nil {
		return fmt.Errorf("storage: add session time: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindNotFound, "session %s not found", id)
	}
	return nil
}

// EndSession closes an active session.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID) error {
	endedAt := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.GameSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]any{"status": models.SessionEnded, "ended_at": endedAt})
	if res.Error != nil {
		return fmt.Errorf("storage: end session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.KindConflict, "session %s not active", id)
	}
	return nil
}

const poolRowID = 1

// PoolState loads the singleton pool row, creating it on first access.
func (s *Store) PoolState(ctx context.Context) (*models.PoolState, error) {
	seed := models.PoolState{ID: poolRowID, UpdatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("storage: seed pool state: %w", err)
	}
	var state models.PoolState
	if err := s.db.WithContext(ctx).First(&state, "id = ?", poolRowID).Error; err != nil {
		return nil, fmt.Errorf("storage: load pool state: %w", err)
	}
	return &state, nil
}

// CreditPool applies an accepted contribution and its overflow accounting in
// one atomic update.
func (s *Store) CreditPool(ctx context.Context, added, received, overflow int64) error {
	if _, err := s.PoolState(ctx); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.PoolState{}).
		Where("id = ?", poolRowID).
		UpdateColumns(map[string]any{
			"balance_quarters":  gorm.Expr("balance_quarters + ?", added),
			"all_time_received": gorm.Expr("all_time_received + ?", received),
			"all_time_overflow": gorm.Expr("all_time_overflow + ?", overflow),
			"updated_at":        s.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("storage: credit pool: %w", res.Error)
	}
	return nil
}

// DebitPool removes a confirmed claim from the pool. Returns false when the
// balance no longer covers the amount.
func (s *Store) DebitPool(ctx context.Context, claimed int64) (bool, error) {
	if _, err := s.PoolState(ctx); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&models.PoolState{}).
		Where("id = ? AND balance_quarters >= ?", poolRowID, claimed).
		UpdateColumns(map[string]any{
			"balance_quarters": gorm.Expr("balance_quarters - ?", claimed),
			"all_time_claimed": gorm.Expr("all_time_claimed + ?", claimed),
			"updated_at":       s.now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("storage: debit pool: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClaimState returns the per-wallet claim row, or nil for first-time claimers.
func (s *Store) ClaimState(ctx context.Context, wallet string) (*models.ClaimState, error) {
	var state models.ClaimState
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load claim state: %w", err)
	}
	return &state, nil
}

// UpsertClaimState records a confirmed claim's cooldown and streak state.
func (s *Store) UpsertClaimState(ctx context.Context, wallet string, claimedAt time.Time, streak int, claimed int64) error {
	state := models.ClaimState{
		WalletAddress:   wallet,
		LastClaimAt:     claimedAt.UTC(),
		Streak:          streak,
		LifetimeClaimed: claimed,
		UpdatedAt:       s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_claim_at":    state.LastClaimAt,
			"streak":           streak,
			"lifetime_claimed": gorm.Expr("lifetime_claimed + ?", claimed),
			"updated_at":       state.UpdatedAt,
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("storage: upsert claim state: %w", err)
	}
	return nil
}

// AppendClaimRecord writes one immutable claim-history row.
func (s *Store) AppendClaimRecord(ctx context.Context, wallet string, amount int64, streak int, txHash string) error {
	rec := models.ClaimRecord{
		ID:             uuid.New(),
		WalletAddress:  wallet,
		AmountQuarters: amount,
		Streak:         streak,
		TxHash:         txHash,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: append claim record: %w", err)
	}
	return nil
}

// ClaimHistory lists recent claims for a wallet, newest first.
func (s *Store) ClaimHistory(ctx context.Context, wallet string, limit int) ([]models.ClaimRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	var recs []models.ClaimRecord
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: claim history: %w", err)
	}
	return recs, nil
}

// MarkNotified records a notification for a wallet/topic pair. It returns true
// when the caller should actually send, false when a mark newer than the
// window already exists.
func (s *Store) MarkNotified(ctx context.Context, wallet, topic string, window time.Duration) (bool, error) {
	now := s.now().UTC()
	cutoff := now.Add(-window)
	res := s.db.WithContext(ctx).Model(&models.NotificationMark{}).
		Where("wallet_address = ? AND topic = ? AND notified_at <= ?", wallet, topic, cutoff).
		UpdateColumn("notified_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("storage: refresh notification mark: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	mark := models.NotificationMark{WalletAddress: wallet, Topic: topic, NotifiedAt: now}
	create := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&mark)
	if create.Error != nil {
		return false, fmt.Errorf("storage: create notification mark: %w", create.Error)
	}
	return create.RowsAffected > 0, nil
}
