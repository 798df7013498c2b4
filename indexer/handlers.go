package indexer

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"arcaded/faults"
	"arcaded/models"
	"arcaded/pool"
	"arcaded/storage"
)

// Event signatures emitted by the arcade and pool contracts.
const (
	SigTimePurchased = "TimePurchased(address,uint256)"
	SigTimeConsumed  = "TimeConsumed(address,uint256)"
	SigValueSent     = "ValueSent(address,uint256)"
	SigStaked        = "Staked(address,uint256)"
	SigUnstaked      = "Unstaked(address,uint256)"
	SigTipSent       = "TipSent(address,address,uint256)"
	SigPoolClaimed   = "PoolClaimed(address,uint256)"
)

// Handlers holds the per-event reconciliation logic. Every handler follows
// the same shape: dedup against the durable event row, resolve-or-create the
// player, apply the additive delta, and advance any matching ledger row. The
// delta is skipped only when the request path already confirmed the row and
// therefore already applied it.
type Handlers struct {
	store  *storage.Store
	pool   *pool.Engine
	logger *slog.Logger
}

// NewHandlers constructs the handler set. The pool engine may be nil when the
// pool contract is not monitored.
func NewHandlers(store *storage.Store, poolEngine *pool.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, pool: poolEngine, logger: logger}
}

// ArcadeBindings returns the event bindings for the arcade token contract.
func (h *Handlers) ArcadeBindings() []EventBinding {
	return []EventBinding{
		{Name: "TimePurchased", Signature: SigTimePurchased, Handler: h.TimePurchased},
		{Name: "TimeConsumed", Signature: SigTimeConsumed, Handler: h.TimeConsumed},
		{Name: "ValueSent", Signature: SigValueSent, Handler: h.ValueSent},
		{Name: "Staked", Signature: SigStaked, Handler: h.Staked},
		{Name: "Unstaked", Signature: SigUnstaked, Handler: h.Unstaked},
		{Name: "TipSent", Signature: SigTipSent, Handler: h.TipSent},
	}
}

// PoolBindings returns the event bindings for the reward pool contract.
func (h *Handlers) PoolBindings() []EventBinding {
	return []EventBinding{
		{Name: "PoolClaimed", Signature: SigPoolClaimed, Handler: h.PoolClaimed},
	}
}

// TimePurchased credits purchased play time. Purchases originate on-chain, so
// there is never a ledger row to advance.
func (h *Handlers) TimePurchased(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "TimePurchased", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	return h.store.AddTimePurchased(ctx, wallet, amount)
}

// TimeConsumed settles a play-time debit discovered on-chain.
func (h *Handlers) TimeConsumed(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "TimeConsumed", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	return h.store.WithTx(ctx, func(tx *storage.Store) error {
		outcome, err := tx.ConfirmActionByTxHash(ctx, lg.TxHash.Hex())
		if err != nil {
			return err
		}
		if outcome == storage.ConfirmAlreadyConfirmed {
			return nil
		}
		if outcome == storage.ConfirmAdvanced {
			// Advancing a submitted row means the request path never got to
			// settle; its reservation is still held and is ours to return. A
			// previously failed row already released on its error path.
			if err := tx.ReleaseTime(ctx, wallet, amount); err != nil {
				return err
			}
		}
		return tx.AddTimeConsumed(ctx, wallet, amount)
	})
}

// ValueSent tracks quarters a wallet spent on-chain.
func (h *Handlers) ValueSent(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "ValueSent", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	return h.store.AddQuartersSpent(ctx, wallet, amount)
}

// Staked credits a wallet's staked balance.
func (h *Handlers) Staked(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "Staked", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	return h.store.AddStaked(ctx, wallet, amount)
}

// Unstaked debits a wallet's staked balance, clamped at zero.
func (h *Handlers) Unstaked(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "Unstaked", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	return h.store.SubStaked(ctx, wallet, amount)
}

// TipSent settles a tip between two wallets.
func (h *Handlers) TipSent(ctx context.Context, lg gethtypes.Log) error {
	if len(lg.Topics) < 3 {
		return faults.Newf(faults.KindReconciliation, "tip log %s missing topics", lg.TxHash.Hex())
	}
	sender := addressFromTopic(lg.Topics[1])
	recipient := addressFromTopic(lg.Topics[2])
	amount, err := amountFromData(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "TipSent", sender, recipient, amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, sender); err != nil {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, recipient); err != nil {
		return err
	}
	outcome, err := h.store.ConfirmActionByTxHash(ctx, lg.TxHash.Hex())
	if err != nil {
		return err
	}
	if outcome == storage.ConfirmAlreadyConfirmed {
		return nil
	}
	return h.store.AddTipTotals(ctx, sender, recipient, amount)
}

// PoolClaimed settles a reward-pool payout. When the request path never
// finished, the handler completes the pool-side bookkeeping too.
func (h *Handlers) PoolClaimed(ctx context.Context, lg gethtypes.Log) error {
	wallet, amount, err := decodeWalletAmount(lg)
	if err != nil {
		return err
	}
	fresh, err := h.recordEvent(ctx, lg, "PoolClaimed", wallet, "", amount)
	if err != nil || !fresh {
		return err
	}
	if _, err := h.store.EnsurePlayer(ctx, wallet); err != nil {
		return err
	}
	outcome, err := h.store.ConfirmActionByTxHash(ctx, lg.TxHash.Hex())
	if err != nil {
		return err
	}
	if outcome == storage.ConfirmAlreadyConfirmed {
		return nil
	}
	if h.pool == nil {
		return faults.New(faults.KindReconciliation, "pool engine not configured for PoolClaimed")
	}
	return h.pool.ReconcileClaim(ctx, wallet, amount, lg.TxHash.Hex())
}

func (h *Handlers) recordEvent(ctx context.Context, lg gethtypes.Log, name, wallet, counterparty string, amount int64) (bool, error) {
	evt := &models.ChainEvent{
		TxHash:             lg.TxHash.Hex(),
		LogIndex:           lg.Index,
		EventName:          name,
		ContractAddress:    strings.ToLower(lg.Address.Hex()),
		BlockNumber:        lg.BlockNumber,
		WalletAddress:      wallet,
		CounterpartyWallet: counterparty,
		Amount:             amount,
	}
	inserted, err := h.store.RecordChainEvent(ctx, evt)
	if err != nil {
		return false, err
	}
	if !inserted {
		h.logger.Debug("duplicate log delivery skipped", "event", name, "tx", evt.TxHash, "log_index", evt.LogIndex)
	}
	return inserted, nil
}

func decodeWalletAmount(lg gethtypes.Log) (string, int64, error) {
	if len(lg.Topics) < 2 {
		return "", 0, faults.Newf(faults.KindReconciliation, "log %s missing wallet topic", lg.TxHash.Hex())
	}
	amount, err := amountFromData(lg)
	if err != nil {
		return "", 0, err
	}
	return addressFromTopic(lg.Topics[1]), amount, nil
}

func addressFromTopic(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}

func amountFromData(lg gethtypes.Log) (int64, error) {
	value := new(big.Int).SetBytes(lg.Data)
	if !value.IsInt64() {
		return 0, faults.Newf(faults.KindReconciliation, "log %s amount overflows int64", lg.TxHash.Hex())
	}
	return value.Int64(), nil
}
