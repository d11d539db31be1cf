package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
)

// ReadClient is a public, non-signing client bound to one chain
type ReadClient struct {
	Chain        config.ChainEndpoint
	RPCURL       string
	Backend      Backend
	pollInterval time.Duration
	logger       logger.Logger
}

// NewReadClient wraps an already connected backend
func NewReadClient(chain config.ChainEndpoint, rpcURL string, backend Backend, pollInterval time.Duration, log logger.Logger) *ReadClient {
	if pollInterval <= 0 {
		pollInterval = time.Duration(config.DefaultReceiptPollInterval) * time.Second
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &ReadClient{
		Chain:        chain,
		RPCURL:       rpcURL,
		Backend:      backend,
		pollInterval: pollInterval,
		logger:       log,
	}
}

// ChainID returns the configured chain ID
func (c *ReadClient) ChainID() int {
	return c.Chain.ChainID
}

// Balance returns the latest native balance of an account
func (c *ReadClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.Backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance of %s on %s: %w", account.Hex(), c.Chain.Name, err)
	}
	return balance, nil
}

// GetLatestBlockNumber gets the latest block number from the chain
func (c *ReadClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.Backend.BlockNumber(ctx)
}

// SuggestGasPrice returns the node's gas price suggestion and records it
func (c *ReadClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.Backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(gasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(strconv.Itoa(c.Chain.ChainID)).Set(gwei)
	return gasPrice, nil
}

// WaitReceipt blocks until the transaction is mined or ctx is done
func (c *ReadClient) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.Backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.DebugWithChain(c.Chain.ChainID, "Receipt lookup for %s failed: %v", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitSuccess waits for the receipt and turns a failed status into a *RevertError
func (c *ReadClient) WaitSuccess(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.WaitReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}

	metrics.GasUsed.WithLabelValues(strconv.Itoa(c.Chain.ChainID)).Observe(float64(receipt.GasUsed))

	if receipt.Status == types.ReceiptStatusFailed {
		reason := c.replayRevertReason(ctx, txHash, receipt)
		return receipt, &RevertError{ChainID: c.Chain.ChainID, TxHash: txHash, Reason: reason}
	}
	return receipt, nil
}

// replayRevertReason re-executes a failed transaction as a call to recover its revert data
func (c *ReadClient) replayRevertReason(ctx context.Context, txHash common.Hash, receipt *types.Receipt) string {
	tx, _, err := c.Backend.TransactionByHash(ctx, txHash)
	if err != nil || tx == nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, callErr := c.Backend.CallContract(ctx, msg, receipt.BlockNumber)
	return RevertReason(callErr)
}

// WriteClient is a signing client bound to one chain and one account
type WriteClient struct {
	*ReadClient
	auth          *bind.TransactOpts
	gasMultiplier float64
}

func newWriteClient(read *ReadClient, key *ecdsa.PrivateKey, gasMultiplier float64) (*WriteClient, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(int64(read.Chain.ChainID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	return &WriteClient{ReadClient: read, auth: auth, gasMultiplier: gasMultiplier}, nil
}

// RefreshGasPrice pins the gas price of subsequent transactions to the current
// suggestion times the gas multiplier
func (w *WriteClient) RefreshGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := w.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	multiplier := w.gasMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	// Apply gas multiplier (e.g. 1.1 = 10% buffer)
	finalGasPrice, _ := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(multiplier)).Int(nil)
	w.auth.GasPrice = finalGasPrice

	w.logger.DebugWithChain(w.Chain.ChainID, "Updated gas price: %s wei (multiplier: %.2f)", finalGasPrice.String(), multiplier)
	return finalGasPrice, nil
}

// Address returns the signing account
func (w *WriteClient) Address() common.Address {
	return w.auth.From
}

// TransactOpts returns a fresh copy of the signer options for one transaction
func (w *WriteClient) TransactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *w.auth
	opts.Context = ctx
	opts.Value = value
	return &opts
}

// Transact submits a contract call and returns its hash without waiting
func (w *WriteClient) Transact(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, params ...interface{}) (common.Hash, error) {
	tx, err := contract.Transact(w.TransactOpts(ctx, value), method, params...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to submit %s on %s: %w", method, w.Chain.Name, err)
	}
	w.logger.DebugWithChain(w.Chain.ChainID, "Submitted %s: %s", method, tx.Hash().Hex())
	return tx.Hash(), nil
}
