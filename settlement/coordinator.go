// Package settlement drives the optimistic leg of every caller-initiated
// on-chain action: write a pending ledger row, submit the transaction, wait
// briefly for a receipt, and record the outcome. The indexer is the durable
// backstop; any crash after the pending row exists is eventually reconciled
// from the chain's own event log.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"arcaded/chain"
	"arcaded/faults"
	"arcaded/models"
	"arcaded/notify"
	"arcaded/observability"
	"arcaded/storage"
)

// TipCommand describes a tip between two social identities.
type TipCommand struct {
	SenderFID    uint64
	RecipientFID uint64
	Quarters     int64
	Memo         string
}

// Config captures the dependencies required to construct a Coordinator.
type Config struct {
	Store            *storage.Store
	Chain            chain.Client
	Identity         identityResolver
	Notifier         *notify.Notifier
	Retry            chain.RetryPolicy
	ReceiptTimeout   time.Duration
	Confirmations    uint64
	LowTimeThreshold int64
	Logger           *slog.Logger
	Metrics          *observability.SettlementMetrics
}

type identityResolver interface {
	VerifiedAddresses(ctx context.Context, fid uint64) ([]string, error)
}

// Coordinator executes settlements one caller request at a time. Instances
// are safe for concurrent use; each in-flight action owns its own ledger row
// and every shared counter moves through atomic updates.
type Coordinator struct {
	store            *storage.Store
	chain            chain.Client
	identity         identityResolver
	notifier         *notify.Notifier
	retry            chain.RetryPolicy
	receiptTimeout   time.Duration
	confirmations    uint64
	lowTimeThreshold int64
	logger           *slog.Logger
	metrics          *observability.SettlementMetrics
}

// New constructs a configured coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("settlement: store is required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("settlement: chain client is required")
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = chain.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:            cfg.Store,
		chain:            cfg.Chain,
		identity:         cfg.Identity,
		notifier:         cfg.Notifier,
		retry:            retry,
		receiptTimeout:   timeout,
		confirmations:    confirmations,
		lowTimeThreshold: cfg.LowTimeThreshold,
		logger:           logger,
		metrics:          cfg.Metrics,
	}, nil
}

// ConsumeTime debits play time from an active session's wallet. The cached
// balance arbitrates concurrent requests via an atomic reservation; the
// authoritative balance is read from the chain first so stale caches never
// approve a debit the contract would reject.
func (c *Coordinator) ConsumeTime(ctx context.Context, sessionID uuid.UUID, seconds int64) (*models.SettlementAction, error) {
	if seconds <= 0 {
		return nil, faults.New(faults.KindValidation, "seconds must be positive")
	}
	sess, err := c.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, faults.Newf(faults.KindConflict, "session %s is not active", sessionID)
	}
	wallet := sess.WalletAddress

	var onchain uint64
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var balErr error
		onchain, balErr = c.chain.TimeBalance(ctx, common.HexToAddress(wallet))
		return balErr
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: read time balance: %w", err)
	}
	if onchain < uint64(seconds) {
		return nil, faults.Newf(faults.KindInsufficientBalance, "on-chain time balance %d below requested %d", onchain, seconds)
	}

	player, err := c.store.EnsurePlayer(ctx, wallet)
	if err != nil {
		return nil, err
	}
	reserved, err := c.store.ReserveTime(ctx, wallet, seconds)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, faults.Newf(faults.KindInsufficientBalance, "cached time balance below requested %d seconds", seconds)
	}

	entry, err := c.store.CreateAction(ctx, models.ActionTimeConsumption, wallet, "", seconds)
	if err != nil {
		c.releaseQuietly(ctx, wallet, seconds)
		return nil, err
	}

	err = c.settle(ctx, entry, func(ctx context.Context) (common.Hash, error) {
		return c.chain.DebitTime(ctx, common.HexToAddress(wallet), seconds)
	}, func(ctx context.Context, tx *storage.Store, _ string) error {
		// Runs only when this path won the confirm transition; the indexer
		// applies the same delta and release when it wins instead, so both
		// move exactly once.
		if err := tx.AddSessionTime(ctx, sess.ID, seconds); err != nil {
			return err
		}
		if err := tx.AddTimeConsumed(ctx, wallet, seconds); err != nil {
			return err
		}
		return tx.ReleaseTime(ctx, wallet, seconds)
	})
	if err != nil {
		refreshed := latest(ctx, c.store, entry)
		// A confirmed row means the indexer settled it during the race and
		// returned the reservation itself; releasing again would eat into
		// some other in-flight request's reservation.
		if refreshed.Status != models.ActionConfirmed {
			c.releaseQuietly(ctx, wallet, seconds)
		}
		return refreshed, err
	}

	c.warnIfLow(ctx, player, seconds)
	return latest(ctx, c.store, entry), nil
}

// ExecuteTip settles a tip between two social identities. Both parties must
// have a verified wallet; lifetime tip totals move when the row confirms.
func (c *Coordinator) ExecuteTip(ctx context.Context, cmd TipCommand) (*models.SettlementAction, error) {
	if cmd.Quarters <= 0 {
		return nil, faults.New(faults.KindValidation, "tip amount must be positive")
	}
	if cmd.SenderFID == 0 || cmd.RecipientFID == 0 {
		return nil, faults.New(faults.KindValidation, "sender and recipient are required")
	}
	if c.identity == nil {
		return nil, fmt.Errorf("settlement: identity resolver not configured")
	}
	sender, err := c.primaryAddress(ctx, cmd.SenderFID)
	if err != nil {
		return nil, err
	}
	recipient, err := c.primaryAddress(ctx, cmd.RecipientFID)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.EnsurePlayer(ctx, sender); err != nil {
		return nil, err
	}
	if _, err := c.store.EnsurePlayer(ctx, recipient); err != nil {
		return nil, err
	}

	entry, err := c.store.CreateAction(ctx, models.ActionTip, sender, recipient, cmd.Quarters)
	if err != nil {
		return nil, err
	}
	err = c.settle(ctx, entry, func(ctx context.Context) (common.Hash, error) {
		return c.chain.SendTip(ctx, common.HexToAddress(sender), common.HexToAddress(recipient), cmd.Quarters)
	}, func(ctx context.Context, tx *storage.Store, _ string) error {
		return tx.AddTipTotals(ctx, sender, recipient, cmd.Quarters)
	})
	if err != nil {
		return latest(ctx, c.store, entry), err
	}
	return latest(ctx, c.store, entry), nil
}

// ExecutePoolPayout settles a reward-pool payout on behalf of the claim
// engine. onConfirmed runs inside the confirm transaction, and only when this
// path wins the confirm transition against the reconciliation handler.
func (c *Coordinator) ExecutePoolPayout(ctx context.Context, wallet string, quarters int64, onConfirmed func(ctx context.Context, tx *storage.Store, txHash string) error) (*models.SettlementAction, error) {
	if quarters <= 0 {
		return nil, faults.New(faults.KindValidation, "payout amount must be positive")
	}
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if _, err := c.store.EnsurePlayer(ctx, wallet); err != nil {
		return nil, err
	}
	entry, err := c.store.CreateAction(ctx, models.ActionPoolClaim, wallet, "", quarters)
	if err != nil {
		return nil, err
	}
	err = c.settle(ctx, entry, func(ctx context.Context) (common.Hash, error) {
		return c.chain.PayoutClaim(ctx, common.HexToAddress(wallet), quarters)
	}, onConfirmed)
	if err != nil {
		return latest(ctx, c.store, entry), err
	}
	return latest(ctx, c.store, entry), nil
}

// settle runs the shared pending→submitted→confirmed/failed sequence. After
// the receipt arrives the confirm transition and the local effects commit in
// one transaction; the effects run only when this path actually advanced the
// row. When the indexer confirmed the row during the receipt wait it also
// applied the effects, and the settlement still counts as a success here.
func (c *Coordinator) settle(ctx context.Context, entry *models.SettlementAction, submit func(context.Context) (common.Hash, error), onConfirmed func(ctx context.Context, tx *storage.Store, txHash string) error) error {
	kind := string(entry.Kind)

	var txHash common.Hash
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var submitErr error
		txHash, submitErr = submit(ctx)
		return submitErr
	})
	if err != nil {
		c.fail(ctx, entry.ID, err)
		c.observe(kind, "submit_failed", 0)
		return fmt.Errorf("settlement: submit %s: %w", kind, err)
	}
	if err := c.store.MarkActionSubmitted(ctx, entry.ID, txHash.Hex()); err != nil {
		return err
	}

	waitStart := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	err = c.chain.WaitForReceipt(waitCtx, txHash, c.confirmations)
	cancel()
	waited := time.Since(waitStart)
	if err != nil {
		c.fail(ctx, entry.ID, err)
		c.observe(kind, "wait_failed", waited)
		return fmt.Errorf("settlement: confirm %s: %w", kind, err)
	}

	err = c.store.WithTx(ctx, func(tx *storage.Store) error {
		outcome, err := tx.ConfirmAction(ctx, entry.ID)
		if err != nil {
			return err
		}
		if outcome != storage.ConfirmAdvanced {
			// The indexer confirmed the row during the receipt wait and
			// already applied the local effects.
			return nil
		}
		if onConfirmed != nil {
			return onConfirmed(ctx, tx, txHash.Hex())
		}
		return nil
	})
	if err != nil {
		// Rolled back: the row stays submitted and the indexer completes it.
		c.logger.Warn("confirm transaction failed, leaving row for reconciliation",
			"action", entry.ID, "kind", kind, "error", err)
		c.observe(kind, "effects_deferred", waited)
		return nil
	}
	c.observe(kind, "confirmed", waited)
	return nil
}

func (c *Coordinator) primaryAddress(ctx context.Context, fid uint64) (string, error) {
	addresses, err := c.identity.VerifiedAddresses(ctx, fid)
	if err != nil {
		return "", fmt.Errorf("settlement: resolve fid %d: %w", fid, err)
	}
	if len(addresses) == 0 {
		return "", faults.Newf(faults.KindNoVerifiedAddress, "fid %d has no verified wallet", fid)
	}
	return strings.ToLower(addresses[0]), nil
}

func (c *Coordinator) fail(ctx context.Context, id uuid.UUID, cause error) {
	if err := c.store.MarkActionFailed(ctx, id, cause.Error()); err != nil {
		c.logger.Error("failed to record settlement failure", "action", id, "error", err)
	}
}

func (c *Coordinator) releaseQuietly(ctx context.Context, wallet string, seconds int64) {
	if err := c.store.ReleaseTime(ctx, wallet, seconds); err != nil {
		c.logger.Error("failed to release time reservation", "wallet", wallet, "error", err)
	}
}

func (c *Coordinator) warnIfLow(ctx context.Context, player *models.Player, justConsumed int64) {
	if c.notifier == nil || c.lowTimeThreshold <= 0 {
		return
	}
	remaining := player.TimePurchasedSeconds - player.TimeConsumedSeconds - justConsumed
	if remaining < 0 {
		remaining = 0
	}
	if remaining > c.lowTimeThreshold {
		return
	}
	if err := c.notifier.LowTimeWarning(ctx, player.WalletAddress, remaining); err != nil {
		c.logger.Warn("low time warning failed", "wallet", player.WalletAddress, "error", err)
	}
}

func (c *Coordinator) observe(kind, outcome string, wait time.Duration) {
	if c.metrics != nil {
		c.metrics.Observe(kind, outcome, wait)
	}
}

func latest(ctx context.Context, store *storage.Store, entry *models.SettlementAction) *models.SettlementAction {
	refreshed, err := store.ActionByID(ctx, entry.ID)
	if err != nil {
		return entry
	}
	return refreshed
}
