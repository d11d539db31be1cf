package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain serves a scripted balance sequence and receipts that appear after a number of polls
type fakeChain struct {
	mu       sync.Mutex
	balances []*big.Int
	receipts map[common.Hash]*types.Receipt
	misses   int
}

func (f *fakeChain) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balances[0]
	f.balances = f.balances[1:]
	return b, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses > 0 {
		f.misses--
		return nil, ethereum.NotFound
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func receipt(gasUsed uint64, gasPrice int64) *types.Receipt {
	return &types.Receipt{GasUsed: gasUsed, EffectiveGasPrice: big.NewInt(gasPrice)}
}

func TestMeasureDelta(t *testing.T) {
	swapTx := common.Hash{1}
	unwrapTx := common.Hash{2}

	tests := []struct {
		name             string
		pre, post        int64
		payerIsRecipient bool
		hashes           []common.Hash
		wantNet          int64
		wantGas          int64
		wantErr          error
	}{
		{
			name: "payer is recipient adds gas back",
			pre:  1_000_000, post: 1_400_000 - 50_000,
			payerIsRecipient: true,
			hashes:           []common.Hash{swapTx},
			wantNet:          400_000,
			wantGas:          50_000,
		},
		{
			name: "gas of every transaction",
			pre:  1_000_000, post: 1_400_000 - 80_000,
			payerIsRecipient: true,
			hashes:           []common.Hash{swapTx, unwrapTx},
			wantNet:          400_000,
			wantGas:          80_000,
		},
		{
			name: "other recipient ignores gas",
			pre:  0, post: 400_000,
			hashes:  []common.Hash{swapTx},
			wantNet: 400_000,
		},
		{
			name: "gas only is non-positive",
			pre:  1_000_000, post: 950_000,
			payerIsRecipient: true,
			hashes:           []common.Hash{swapTx},
			wantNet:          0,
			wantGas:          50_000,
			wantErr:          ErrNonPositiveDelta,
		},
		{
			name: "balance dropped",
			pre:  1_000_000, post: 900_000,
			hashes:  []common.Hash{swapTx},
			wantNet: -100_000,
			wantErr: ErrNonPositiveDelta,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{
				balances: []*big.Int{big.NewInt(tt.pre), big.NewInt(tt.post)},
				receipts: map[common.Hash]*types.Receipt{
					swapTx:   receipt(50_000, 1),
					unwrapTx: receipt(10_000, 3),
				},
				misses: 2,
			}

			delta, err := New(time.Millisecond, nil).MeasureDelta(context.Background(), chain, common.Address{}, tt.payerIsRecipient,
				func(_ context.Context) ([]common.Hash, error) { return tt.hashes, nil })
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, delta)
			assert.Equal(t, tt.wantNet, delta.Net.Int64())
			assert.Equal(t, tt.wantGas, delta.GasCost.Int64())
			assert.Equal(t, tt.pre, delta.Pre.Int64())
			assert.Equal(t, tt.post, delta.Post.Int64())
		})
	}
}

func TestMeasureDeltaActionError(t *testing.T) {
	chain := &fakeChain{balances: []*big.Int{big.NewInt(1)}}
	boom := errors.New("swap failed")

	_, err := New(time.Millisecond, nil).MeasureDelta(context.Background(), chain, common.Address{}, true,
		func(_ context.Context) ([]common.Hash, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestMeasureDeltaCancelled(t *testing.T) {
	chain := &fakeChain{balances: []*big.Int{big.NewInt(1), big.NewInt(2)}, receipts: map[common.Hash]*types.Receipt{}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := New(time.Millisecond, nil).MeasureDelta(ctx, chain, common.Address{}, true,
		func(_ context.Context) ([]common.Hash, error) { return []common.Hash{{9}}, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The simulated backend charges real EVM gas, the compensated delta must be exact
func TestMeasureDeltaSimulated(t *testing.T) {
	payerKey, _ := crypto.GenerateKey()
	funderKey, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)
	funder := crypto.PubkeyToAddress(funderKey.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{
		payer:  {Balance: big.NewInt(params.Ether)},
		funder: {Balance: big.NewInt(params.Ether)},
	})
	defer func() { _ = backend.Close() }()
	client := backend.Client()
	ctx := context.Background()

	send := func(key *ecdsa.PrivateKey, to common.Address, value *big.Int) common.Hash {
		from := crypto.PubkeyToAddress(key.PublicKey)
		nonce, err := client.PendingNonceAt(ctx, from)
		require.NoError(t, err)
		head, err := client.HeaderByNumber(ctx, nil)
		require.NoError(t, err)
		chainID, err := client.ChainID(ctx)
		require.NoError(t, err)

		tip := big.NewInt(params.GWei)
		tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip),
			Gas:       params.TxGas,
			To:        &to,
			Value:     value,
		})
		require.NoError(t, err)
		require.NoError(t, client.SendTransaction(ctx, tx))
		return tx.Hash()
	}

	t.Run("payer receives from another account", func(t *testing.T) {
		received := big.NewInt(params.GWei * 1000)
		delta, err := New(time.Millisecond, nil).MeasureDelta(ctx, client, payer, true, func(_ context.Context) ([]common.Hash, error) {
			// the payer's own transaction costs gas, the incoming transfer is paid by the funder
			own := send(payerKey, payer, new(big.Int))
			send(funderKey, payer, received)
			backend.Commit()
			return []common.Hash{own}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, delta.Net.Cmp(received), "net %s", delta.Net)
		assert.Positive(t, delta.GasCost.Sign())
	})

	t.Run("self transfer only pays gas", func(t *testing.T) {
		_, err := New(time.Millisecond, nil).MeasureDelta(ctx, client, payer, true, func(_ context.Context) ([]common.Hash, error) {
			own := send(payerKey, payer, big.NewInt(1))
			backend.Commit()
			return []common.Hash{own}, nil
		})
		assert.ErrorIs(t, err, ErrNonPositiveDelta)
	})
}
