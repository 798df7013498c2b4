// Package indexer tails the chain's event log per monitored contract and
// feeds each discovered log to a reconciliation handler. The indexer is the
// authoritative corrector of cached balances and of ledger rows the request
// path lost track of.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"arcaded/chain"
	"arcaded/observability"
	"arcaded/storage"
)

// Handler processes one discovered log. Handlers must be side-effect
// idempotent: delivery is at least once and may repeat across restarts.
type Handler func(ctx context.Context, lg gethtypes.Log) error

// EventBinding ties one event signature on a contract to its handler.
type EventBinding struct {
	Name      string
	Signature string
	Handler   Handler

	topic common.Hash
}

// Contract describes one monitored contract. A StartBlock of zero is the
// genesis sentinel: it resolves, once, to the chain head at first sync so a
// fresh deployment does not backfill unbounded history.
type Contract struct {
	Name       string
	Address    common.Address
	StartBlock uint64
	Events     []EventBinding
}

// Config captures the dependencies required to construct an Indexer.
type Config struct {
	Chain        chain.Client
	Store        *storage.Store
	Contracts    []Contract
	PollInterval time.Duration
	BatchSize    uint64
	Retry        chain.RetryPolicy
	Logger       *slog.Logger
	Metrics      *observability.IndexerMetrics
}

// Indexer runs the sync loop. Contracts within a tick are processed
// sequentially so each checkpoint sees exactly one fetch/dispatch/persist
// cycle at a time.
type Indexer struct {
	chain        chain.Client
	store        *storage.Store
	contracts    []Contract
	pollInterval time.Duration
	batchSize    uint64
	retry        chain.RetryPolicy
	logger       *slog.Logger
	metrics      *observability.IndexerMetrics
}

// New constructs a configured indexer and resolves event topics.
func New(cfg Config) (*Indexer, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("indexer: chain client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("indexer: store is required")
	}
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("indexer: at least one contract is required")
	}
	for ci := range cfg.Contracts {
		contract := &cfg.Contracts[ci]
		if strings.TrimSpace(contract.Name) == "" {
			return nil, fmt.Errorf("indexer: contract name is required")
		}
		for ei := range contract.Events {
			binding := &contract.Events[ei]
			if binding.Handler == nil {
				return nil, fmt.Errorf("indexer: %s/%s has no handler", contract.Name, binding.Name)
			}
			binding.topic = gethcrypto.Keccak256Hash([]byte(binding.Signature))
		}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 500
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = chain.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		chain:        cfg.Chain,
		store:        cfg.Store,
		contracts:    cfg.Contracts,
		pollInterval: poll,
		batchSize:    batch,
		retry:        retry,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Run loops until the context is cancelled. Cancellation is observed between
// ticks only; an in-flight tick runs to completion so checkpoints stay
// consistent with dispatched logs.
func (ix *Indexer) Run(ctx context.Context) {
	for {
		ix.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(ix.pollInterval):
		}
	}
}

// Tick syncs every monitored contract once. An RPC failure aborts only the
// failing contract's tick; the next tick retries from its unchanged
// checkpoint.
func (ix *Indexer) Tick(ctx context.Context) {
	for _, contract := range ix.contracts {
		if err := ix.syncContract(ctx, contract); err != nil {
			ix.logger.Error("contract sync aborted", "contract", contract.Name, "error", err)
			if ix.metrics != nil {
				ix.metrics.RecordTickFailure(contract.Name)
			}
		}
	}
}

func (ix *Indexer) syncContract(ctx context.Context, contract Contract) error {
	var head uint64
	err := ix.retry.Do(ctx, func(ctx context.Context) error {
		var headErr error
		head, headErr = ix.chain.BlockNumber(ctx)
		return headErr
	})
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}

	address := strings.ToLower(contract.Address.Hex())
	checkpoint, err := ix.store.Checkpoint(ctx, contract.Name, address)
	if err != nil {
		return err
	}
	var from uint64
	switch {
	case checkpoint != nil:
		from = checkpoint.LastSyncedBlock + 1
	case contract.StartBlock > 0:
		from = contract.StartBlock
	default:
		// Genesis sentinel: anchor at the head observed now.
		from = head
	}
	if from > head {
		return nil
	}

	for start := from; start <= head; start = start + ix.batchSize {
		end := start + ix.batchSize - 1
		if end > head {
			end = head
		}
		for _, binding := range contract.Events {
			if err := ix.syncRange(ctx, contract, binding, start, end); err != nil {
				return err
			}
		}
		if err := ix.store.SaveCheckpoint(ctx, contract.Name, address, end); err != nil {
			return err
		}
		if ix.metrics != nil {
			ix.metrics.SetCheckpoint(contract.Name, end)
		}
	}
	return nil
}

// syncRange fetches and dispatches one (event, sub-range) batch. A fetch
// failure propagates and freezes the checkpoint; a handler failure is logged
// and skipped so one poisoned log cannot block all subsequent blocks.
func (ix *Indexer) syncRange(ctx context.Context, contract Contract, binding EventBinding, start, end uint64) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract.Address},
		Topics:    [][]common.Hash{{binding.topic}},
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(end),
	}
	var logs []gethtypes.Log
	err := ix.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		logs, fetchErr = ix.chain.FilterLogs(ctx, query)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("fetch %s logs [%d,%d]: %w", binding.Name, start, end, err)
	}
	for _, lg := range logs {
		handlerErr := binding.Handler(ctx, lg)
		if handlerErr != nil {
			ix.logger.Error("handler failed, skipping log",
				"contract", contract.Name,
				"event", binding.Name,
				"tx", lg.TxHash.Hex(),
				"log_index", lg.Index,
				"error", handlerErr)
		}
		if ix.metrics != nil {
			ix.metrics.ObserveLog(contract.Name, binding.Name, handlerErr != nil)
		}
	}
	return nil
}
