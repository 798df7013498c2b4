// Package chain provides the narrow slice of the EVM RPC surface the arcade
// settlement core depends on. Transport failures are classified as transient
// at the point they are raised; callers decide retryability by kind alone.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"arcaded/faults"
)

// Client is the chain access surface consumed by the indexer and the
// settlement coordinator. Implementations must return faults-classified
// errors.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	TimeBalance(ctx context.Context, wallet common.Address) (uint64, error)
	DebitTime(ctx context.Context, wallet common.Address, seconds int64) (common.Hash, error)
	SendTip(ctx context.Context, sender, recipient common.Address, quarters int64) (common.Hash, error)
	PayoutClaim(ctx context.Context, wallet common.Address, quarters int64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) error
}

const arcadeABIJSON = `[
  {"type":"function","name":"debitTime","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"},{"name":"seconds_","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"tip","stateMutability":"nonpayable","inputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"quarters","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"timeBalanceOf","stateMutability":"view","inputs":[{"name":"player","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const poolABIJSON = `[
  {"type":"function","name":"payoutClaim","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"},{"name":"quarters","type":"uint256"}],"outputs":[]}
]`

// Config captures everything needed to construct an EVM-backed client.
type Config struct {
	Endpoint          string
	OperatorKey       string
	ChainID           int64
	ArcadeAddress     common.Address
	PoolAddress       common.Address
	RequestsPerSecond float64
	ReceiptPoll       time.Duration
}

// EVMClient implements Client against a live Ethereum node.
type EVMClient struct {
	rpc         *ethclient.Client
	limiter     *rate.Limiter
	opts        *bind.TransactOpts
	arcade      *bind.BoundContract
	pool        *bind.BoundContract
	arcadeABI   abi.ABI
	receiptPoll time.Duration
}

// Dial connects to the configured endpoint and prepares the bound contracts.
func Dial(cfg Config) (*EVMClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	rpc, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", endpoint, err)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse operator key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("chain: build transactor: %w", err)
	}
	arcadeABI, err := abi.JSON(strings.NewReader(arcadeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse arcade abi: %w", err)
	}
	poolABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse pool abi: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EVMClient{
		rpc:         rpc,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		opts:        opts,
		arcade:      bind.NewBoundContract(cfg.ArcadeAddress, arcadeABI, rpc, rpc, rpc),
		pool:        bind.NewBoundContract(cfg.PoolAddress, poolABI, rpc, rpc, rpc),
		arcadeABI:   arcadeABI,
		receiptPoll: poll,
	}, nil
}

func (c *EVMClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return faults.Wrap(faults.KindTransientRPC, "rpc rate limit wait", err)
	}
	return nil
}

// BlockNumber returns the current chain head.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransientRPC, "get block number", err)
	}
	return head, nil
}

// FilterLogs fetches logs for the supplied query.
func (c *EVMClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.rpc.FilterLogs(ctx, q)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRPC, "get logs", err)
	}
	return logs, nil
}

// TimeBalance reads the player's authoritative play-time balance from the
// arcade contract.
func (c *EVMClient) TimeBalance(ctx context.Context, wallet common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	var out []any
	callOpts := &bind.CallOpts{Context: ctx}
	if err := c.arcade.Call(callOpts, &out, "timeBalanceOf", wallet); err != nil {
		return 0, faults.Wrap(faults.KindTransientRPC, "read time balance", err)
	}
	if len(out) == 0 {
		return 0, faults.New(faults.KindTransientRPC, "empty time balance result")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: unexpected time balance type %T", out[0])
	}
	if !balance.IsUint64() {
		return 0, fmt.Errorf("chain: time balance overflows uint64")
	}
	return balance.Uint64(), nil
}

func (c *EVMClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (common.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	opts := *c.opts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return common.Hash{}, faults.Wrap(faults.KindTransientRPC, "submit "+method, err)
	}
	return tx.Hash(), nil
}

// DebitTime submits the on-chain play-time debit.
func (c *EVMClient) DebitTime(ctx context.Context, wallet common.Address, seconds int64) (common.Hash, error) {
	return c.transact(ctx, c.arcade, "debitTime", wallet, big.NewInt(seconds))
}

// SendTip submits an on-chain tip between two verified wallets.
func (c *EVMClient) SendTip(ctx context.Context, sender, recipient common.Address, quarters int64) (common.Hash, error) {
	return c.transact(ctx, c.arcade, "tip", sender, recipient, big.NewInt(quarters))
}

// PayoutClaim submits the reward-pool payout.
func (c *EVMClient) PayoutClaim(ctx context.Context, wallet common.Address, quarters int64) (common.Hash, error) {
	return c.transact(ctx, c.pool, "payoutClaim", wallet, big.NewInt(quarters))
}

// WaitForReceipt polls until the transaction has a successful receipt with the
// requested confirmation depth, or the context expires. An expired wait is
// transient: the transaction may still mine and the indexer reconciles it.
func (c *EVMClient) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) error {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet.
		case err != nil:
			if ctx.Err() != nil {
				return faults.Wrap(faults.KindTransientRPC, "receipt wait expired", ctx.Err())
			}
			return faults.Wrap(faults.KindTransientRPC, "fetch receipt", err)
		case receipt.Status != gethtypes.ReceiptStatusSuccessful:
			return faults.Newf(faults.KindReverted, "transaction %s reverted", txHash.Hex())
		default:
			if confirmations <= 1 {
				return nil
			}
			head, err := c.BlockNumber(ctx)
			if err != nil {
				return err
			}
			if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64()+confirmations-1 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindTransientRPC, "receipt wait expired", ctx.Err())
		case <-ticker.C:
		}
	}
}
