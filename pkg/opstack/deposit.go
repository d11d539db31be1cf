// Package opstack implements the rollup bridge primitives of an OP-stack chain:
// L1 to L2 deposits through the portal and L2 to L1 withdrawals through the
// message passer, dispute games and the portal's prove/finalize entry points.
package opstack

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// MinGasLimit is the floor applied to estimated gas limits
const MinGasLimit = 21000

// DepositTxType is the EIP-2718 type byte of deposit transactions
const DepositTxType = 0x7E

// ErrDepositEventNotFound is returned when an L1 receipt carries no TransactionDeposited log
var ErrDepositEventNotFound = errors.New("transaction deposited event not found")

// DepositArgs are the arguments of depositTransaction, Mint is also the msg.value on L1
type DepositArgs struct {
	To         common.Address
	Mint       *big.Int
	Value      *big.Int
	GasLimit   uint64
	IsCreation bool
	Data       []byte
}

// OpaqueData returns the packed deposit payload emitted by the portal
func (a DepositArgs) OpaqueData() []byte {
	out := make([]byte, 0, 73+len(a.Data))
	out = append(out, common.LeftPadBytes(bigOrZero(a.Mint).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(bigOrZero(a.Value).Bytes(), 32)...)
	var gas [8]byte
	binary.BigEndian.PutUint64(gas[:], a.GasLimit)
	out = append(out, gas[:]...)
	if a.IsCreation {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, a.Data...)
}

// Deposit is a deposit observed in an L1 receipt
type Deposit struct {
	From       common.Address
	SourceHash common.Hash
	L2TxHash   common.Hash
	DepositArgs
}

// Portal is the L1 portal of a rollup
type Portal struct {
	Address     common.Address
	GameFactory common.Address
	logger      logger.Logger
}

// NewPortal creates a portal handle
func NewPortal(address, gameFactory common.Address, log logger.Logger) *Portal {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Portal{Address: address, GameFactory: gameFactory, logger: log}
}

// BuildDepositTransaction prepares a plain native deposit of mint from `from` to `to`,
// the L2 gas limit is estimated on the L2 client with a floor of MinGasLimit.
// The value is left out of the estimate, the depositor may hold nothing on L2 yet
func (p *Portal) BuildDepositTransaction(ctx context.Context, l2 *chainclient.ReadClient, from, to common.Address, mint *big.Int) (DepositArgs, error) {
	gas, err := l2.Backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to})
	if err != nil {
		return DepositArgs{}, fmt.Errorf("failed to estimate L2 gas: %w", err)
	}
	if gas < MinGasLimit {
		gas = MinGasLimit
	}
	return DepositArgs{
		To:       to,
		Mint:     new(big.Int).Set(mint),
		Value:    new(big.Int).Set(mint),
		GasLimit: gas,
		Data:     []byte{},
	}, nil
}

// DepositTransaction submits depositTransaction on L1 and returns the L1 hash
func (p *Portal) DepositTransaction(ctx context.Context, l1 *chainclient.WriteClient, args DepositArgs) (common.Hash, error) {
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	data := args.Data
	if data == nil {
		data = []byte{}
	}
	return l1.Transact(ctx, portal, args.Mint, "depositTransaction", args.To, bigOrZero(args.Value), args.GasLimit, args.IsCreation, data)
}

// L2TransactionHashes derives the L2 hashes of the deposits emitted in an L1 receipt
func (p *Portal) L2TransactionHashes(receipt *types.Receipt) ([]common.Hash, error) {
	deposits, err := p.DepositsFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, 0, len(deposits))
	for _, d := range deposits {
		hashes = append(hashes, d.L2TxHash)
	}
	return hashes, nil
}

// DepositsFromReceipt decodes the TransactionDeposited logs of the portal in an L1 receipt
func (p *Portal) DepositsFromReceipt(receipt *types.Receipt) ([]Deposit, error) {
	event := contracts.OptimismPortal.Events["TransactionDeposited"]

	var deposits []Deposit
	for _, l := range receipt.Logs {
		if l.Address != p.Address || len(l.Topics) != 4 || l.Topics[0] != event.ID {
			continue
		}
		if l.Topics[3] != (common.Hash{}) {
			return nil, fmt.Errorf("unsupported deposit version %s", l.Topics[3].Hex())
		}

		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack deposit log: %w", err)
		}
		opaque, ok := values[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected deposit payload type %T", values[0])
		}
		args, err := parseOpaqueData(opaque)
		if err != nil {
			return nil, err
		}
		args.To = common.BytesToAddress(l.Topics[2].Bytes())

		d := Deposit{
			From:        common.BytesToAddress(l.Topics[1].Bytes()),
			SourceHash:  SourceHash(l.BlockHash, uint64(l.Index)),
			DepositArgs: args,
		}
		d.L2TxHash, err = depositTxHash(d)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}

	if len(deposits) == 0 {
		return nil, ErrDepositEventNotFound
	}
	return deposits, nil
}

// SourceHash is the user deposit source hash of the log at logIndex in the L1 block
func SourceHash(l1BlockHash common.Hash, logIndex uint64) common.Hash {
	depositID := crypto.Keccak256(l1BlockHash.Bytes(), common.LeftPadBytes(new(big.Int).SetUint64(logIndex).Bytes(), 32))
	return crypto.Keccak256Hash(make([]byte, 32), depositID)
}

func parseOpaqueData(opaque []byte) (DepositArgs, error) {
	if len(opaque) < 73 {
		return DepositArgs{}, fmt.Errorf("deposit payload too short: %d bytes", len(opaque))
	}
	return DepositArgs{
		Mint:       new(big.Int).SetBytes(opaque[0:32]),
		Value:      new(big.Int).SetBytes(opaque[32:64]),
		GasLimit:   binary.BigEndian.Uint64(opaque[64:72]),
		IsCreation: opaque[72] == 1,
		Data:       common.CopyBytes(opaque[73:]),
	}, nil
}

// depositTx is the consensus encoding of a deposit transaction
type depositTx struct {
	SourceHash          common.Hash
	From                common.Address
	To                  *common.Address `rlp:"nil"`
	Mint                *big.Int
	Value               *big.Int
	Gas                 uint64
	IsSystemTransaction bool
	Data                []byte
}

func depositTxHash(d Deposit) (common.Hash, error) {
	tx := depositTx{
		SourceHash: d.SourceHash,
		From:       d.From,
		Mint:       d.Mint,
		Value:      d.Value,
		Gas:        d.GasLimit,
		Data:       d.Data,
	}
	if !d.IsCreation {
		to := d.To
		tx.To = &to
	}

	encoded, err := rlp.EncodeToBytes(&tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode deposit transaction: %w", err)
	}
	return crypto.Keccak256Hash([]byte{DepositTxType}, encoded), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
