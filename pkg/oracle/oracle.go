// Package oracle infers the native output of an operation from the balance change
// it causes, for calls whose return value is not decoded.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// ErrNonPositiveDelta is returned when the operation produced no measurable output
var ErrNonPositiveDelta = errors.New("non-positive balance delta")

// Chain is the state a measurement reads
type Chain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Action performs the operation and returns the hashes of the transactions it submitted
type Action func(ctx context.Context) ([]common.Hash, error)

// Delta is the outcome of one measurement
type Delta struct {
	Pre     *big.Int
	Post    *big.Int
	GasCost *big.Int
	// Net is Post - Pre, plus GasCost when the measured address paid the gas
	Net *big.Int
}

// Oracle measures native balance deltas
type Oracle struct {
	pollInterval time.Duration
	logger       logger.Logger
}

// New creates an oracle polling receipts every pollInterval
func New(pollInterval time.Duration, log logger.Logger) *Oracle {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Oracle{pollInterval: pollInterval, logger: log}
}

// MeasureDelta reads the balance of address, runs action, waits for every receipt it
// returns and reads the balance again. When payerIsRecipient the gas of those
// receipts is added back so the result is the gross amount received.
func (o *Oracle) MeasureDelta(ctx context.Context, chain Chain, address common.Address, payerIsRecipient bool, action Action) (*Delta, error) {
	pre, err := chain.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance before: %w", err)
	}

	hashes, err := action(ctx)
	if err != nil {
		return nil, err
	}

	gasCost := new(big.Int)
	for _, hash := range hashes {
		receipt, err := o.waitReceipt(ctx, chain, hash)
		if err != nil {
			return nil, err
		}
		if payerIsRecipient {
			gasCost.Add(gasCost, fee(receipt))
		}
	}

	post, err := chain.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance after: %w", err)
	}

	net := new(big.Int).Sub(post, pre)
	net.Add(net, gasCost)
	delta := &Delta{Pre: pre, Post: post, GasCost: gasCost, Net: net}

	if net.Sign() <= 0 {
		o.logger.Notice("Non-positive delta for %s (post=%s / pre=%s / gas=%s)", address.Hex(), post.String(), pre.String(), gasCost.String())
		return delta, fmt.Errorf("%w: %s wei", ErrNonPositiveDelta, net.String())
	}
	o.logger.Debug("Measured delta for %s: %s wei (gas %s)", address.Hex(), net.String(), gasCost.String())
	return delta, nil
}

func (o *Oracle) waitReceipt(ctx context.Context, chain Chain, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := chain.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			o.logger.Debug("Receipt lookup for %s failed: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func fee(receipt *types.Receipt) *big.Int {
	if receipt.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
}
