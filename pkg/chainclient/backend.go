package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
)

// Backend is the subset of the JSON-RPC surface used by the executors
type Backend interface {
	bind.ContractBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	GetProof(ctx context.Context, account common.Address, keys []string, blockNumber *big.Int) (*gethclient.AccountResult, error)
	Close()
}

// DialFunc opens a backend for an RPC URL
type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

// rpcBackend adds eth_getProof to an ethclient connection
type rpcBackend struct {
	*ethclient.Client
	geth *gethclient.Client
}

func (b *rpcBackend) GetProof(ctx context.Context, account common.Address, keys []string, blockNumber *big.Int) (*gethclient.AccountResult, error) {
	return b.geth.GetProof(ctx, account, keys, blockNumber)
}

// DialRPC is the default DialFunc
func DialRPC(ctx context.Context, rpcURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %w", err)
	}
	return &rpcBackend{
		Client: client,
		geth:   gethclient.New(client.Client()),
	}, nil
}
