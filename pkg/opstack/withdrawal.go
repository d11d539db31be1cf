package opstack

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
)

// MessagePasserAddress is the L2ToL1MessagePasser predeploy
var MessagePasserAddress = common.HexToAddress("0x4200000000000000000000000000000000000016")

// ErrWithdrawalEventNotFound is returned when an L2 receipt carries no MessagePassed log
var ErrWithdrawalEventNotFound = errors.New("message passed event not found")

// WithdrawalArgs are the arguments of initiateWithdrawal, Value is the msg.value on L2
type WithdrawalArgs struct {
	Target   common.Address
	Value    *big.Int
	GasLimit *big.Int
	Data     []byte
}

// WithdrawalTx is the withdrawal tuple accepted by the portal
type WithdrawalTx struct {
	Nonce    *big.Int
	Sender   common.Address
	Target   common.Address
	Value    *big.Int
	GasLimit *big.Int
	Data     []byte
}

// Withdrawal is a withdrawal observed in an L2 receipt
type Withdrawal struct {
	WithdrawalTx
	WithdrawalHash common.Hash
	L2BlockNumber  *big.Int
}

// MessagePasser is the L2 side of withdrawals
type MessagePasser struct {
	Address common.Address
}

// NewMessagePasser creates a handle for the message passer at address, the zero address selects the predeploy
func NewMessagePasser(address common.Address) *MessagePasser {
	if address == (common.Address{}) {
		address = MessagePasserAddress
	}
	return &MessagePasser{Address: address}
}

// BuildInitiateWithdrawal prepares a plain native withdrawal, the L1 gas limit of the
// relayed call is estimated on the L1 client with a floor of MinGasLimit. The value is
// left out of the estimate, the portal pays it on L1 and not the sender
func (m *MessagePasser) BuildInitiateWithdrawal(ctx context.Context, l1 *chainclient.ReadClient, from, to common.Address, value *big.Int) (WithdrawalArgs, error) {
	gas, err := l1.Backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to})
	if err != nil {
		return WithdrawalArgs{}, fmt.Errorf("failed to estimate L1 gas: %w", err)
	}
	if gas < MinGasLimit {
		gas = MinGasLimit
	}
	return WithdrawalArgs{
		Target:   to,
		Value:    new(big.Int).Set(value),
		GasLimit: new(big.Int).SetUint64(gas),
		Data:     []byte{},
	}, nil
}

// InitiateWithdrawal submits initiateWithdrawal on L2 and returns the L2 hash
func (m *MessagePasser) InitiateWithdrawal(ctx context.Context, l2 *chainclient.WriteClient, args WithdrawalArgs) (common.Hash, error) {
	passer := contracts.Bind(m.Address, contracts.MessagePasser, l2.Backend)
	data := args.Data
	if data == nil {
		data = []byte{}
	}
	return l2.Transact(ctx, passer, args.Value, "initiateWithdrawal", args.Target, args.GasLimit, data)
}

// WithdrawalsFromReceipt decodes the MessagePassed logs of the message passer in an L2 receipt
func (m *MessagePasser) WithdrawalsFromReceipt(receipt *types.Receipt) ([]Withdrawal, error) {
	event := contracts.MessagePasser.Events["MessagePassed"]

	var withdrawals []Withdrawal
	for _, l := range receipt.Logs {
		if l.Address != m.Address || len(l.Topics) != 4 || l.Topics[0] != event.ID {
			continue
		}

		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack withdrawal log: %w", err)
		}
		if len(values) != 4 {
			return nil, fmt.Errorf("unexpected withdrawal log fields: %d", len(values))
		}

		w := Withdrawal{
			WithdrawalTx: WithdrawalTx{
				Nonce:    new(big.Int).SetBytes(l.Topics[1].Bytes()),
				Sender:   common.BytesToAddress(l.Topics[2].Bytes()),
				Target:   common.BytesToAddress(l.Topics[3].Bytes()),
				Value:    *abi.ConvertType(values[0], new(*big.Int)).(**big.Int),
				GasLimit: *abi.ConvertType(values[1], new(*big.Int)).(**big.Int),
				Data:     *abi.ConvertType(values[2], new([]byte)).(*[]byte),
			},
			WithdrawalHash: *abi.ConvertType(values[3], new([32]byte)).(*[32]byte),
			L2BlockNumber:  receipt.BlockNumber,
		}
		withdrawals = append(withdrawals, w)
	}

	if len(withdrawals) == 0 {
		return nil, ErrWithdrawalEventNotFound
	}
	return withdrawals, nil
}

// HashWithdrawal computes keccak256(abi.encode(nonce, sender, target, value, gasLimit, data))
func HashWithdrawal(w WithdrawalTx) (common.Hash, error) {
	packed, err := withdrawalArguments.Pack(w.Nonce, w.Sender, w.Target, w.Value, w.GasLimit, w.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode withdrawal: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// StorageSlot is the message passer sentMessages slot of a withdrawal hash
func StorageSlot(withdrawalHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(withdrawalHash.Bytes(), make([]byte, 32))
}

var withdrawalArguments = func() abi.Arguments {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{
		{Type: uint256Type},
		{Type: addressType},
		{Type: addressType},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: bytesType},
	}
}()
