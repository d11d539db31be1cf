// Package bridge drives native deposits and withdrawals between the L1 and the
// GIWA rollup as two independent state machines.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/opstack"
)

// State is a bridge state machine state
type State string

// Deposit path: IDLE → CHAIN_SWITCHED → ARGS_BUILT → L1_SUBMITTED → L1_CONFIRMED → L2_HASH_DERIVED → L2_CONFIRMED
// Withdraw path: IDLE → CHAIN_SWITCHED → ARGS_BUILT → L2_SUBMITTED → L2_CONFIRMED → PROVE_ELIGIBLE →
// CHAIN_SWITCHED_BACK → PROVEN → FINALIZE_ELIGIBLE → FINALIZED
const (
	StateIdle              State = "IDLE"
	StateChainSwitched     State = "CHAIN_SWITCHED"
	StateArgsBuilt         State = "ARGS_BUILT"
	StateL1Submitted       State = "L1_SUBMITTED"
	StateL1Confirmed       State = "L1_CONFIRMED"
	StateL2HashDerived     State = "L2_HASH_DERIVED"
	StateL2Submitted       State = "L2_SUBMITTED"
	StateL2Confirmed       State = "L2_CONFIRMED"
	StateProveEligible     State = "PROVE_ELIGIBLE"
	StateChainSwitchedBack State = "CHAIN_SWITCHED_BACK"
	StateProven            State = "PROVEN"
	StateFinalizeEligible  State = "FINALIZE_ELIGIBLE"
	StateFinalized         State = "FINALIZED"
)

// ErrInsufficientBalance is returned when the capped deposit amount is not positive
var ErrInsufficientBalance = errors.New("insufficient balance")

// StageFunc is notified on every state transition
type StageFunc func(state State, detail string)

// DepositRequest is a native deposit from L1 to L2
type DepositRequest struct {
	Account common.Address
	To      common.Address
	Amount  *big.Int
}

// DepositResult describes a confirmed deposit
type DepositResult struct {
	L1TxHash common.Hash
	L2TxHash common.Hash
	Amount   *big.Int
	Capped   bool
}

// WithdrawRequest is a native withdrawal from L2 to L1. InitiatedTx resumes a
// withdrawal whose L2 transaction was already submitted, Proven skips the prove step.
type WithdrawRequest struct {
	Account     common.Address
	To          common.Address
	Amount      *big.Int
	InitiatedTx common.Hash
	Proven      bool
}

// WithdrawResult describes a finalized withdrawal
type WithdrawResult struct {
	L2TxHash       common.Hash
	WithdrawalHash common.Hash
	ProveTxHash    common.Hash
	FinalizeTxHash common.Hash
}

// Executor runs the bridge state machines between L1 and L2
type Executor struct {
	clients        *chainclient.Factory
	l1             config.ChainKey
	l2             config.ChainKey
	portal         *opstack.Portal
	passer         *opstack.MessagePasser
	gasReserve     *big.Int
	withdrawalPoll time.Duration
	logger         logger.Logger
}

// NewExecutor creates a bridge executor for the rollup whose contracts are configured on the L1 and L2 chains
func NewExecutor(clients *chainclient.Factory, l1, l2 config.ChainKey, gasReserve *big.Int, withdrawalPoll time.Duration, log logger.Logger) (*Executor, error) {
	l1Chain, ok := clients.Chain(l1)
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", l1)
	}
	l2Chain, ok := clients.Chain(l2)
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", l2)
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if gasReserve == nil {
		gasReserve = new(big.Int)
	}

	return &Executor{
		clients:        clients,
		l1:             l1,
		l2:             l2,
		portal:         opstack.NewPortal(l1Chain.Contracts.BridgePortal, l1Chain.Contracts.DisputeGameFactory, log),
		passer:         opstack.NewMessagePasser(l2Chain.Contracts.MessagePasser),
		gasReserve:     new(big.Int).Set(gasReserve),
		withdrawalPoll: withdrawalPoll,
		logger:         log,
	}, nil
}

// GasReserve returns the native amount kept on L1 when capping deposits
func (e *Executor) GasReserve() *big.Int {
	return new(big.Int).Set(e.gasReserve)
}

// CapDepositAmount caps amount so that reserve stays on an account holding balance.
// It returns the amount to deposit and whether it was capped, a cap that is not
// positive fails with ErrInsufficientBalance.
func CapDepositAmount(amount, balance, reserve *big.Int) (*big.Int, bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, fmt.Errorf("deposit amount must be positive")
	}
	if new(big.Int).Add(amount, reserve).Cmp(balance) <= 0 {
		return new(big.Int).Set(amount), false, nil
	}

	capped := new(big.Int).Sub(balance, reserve)
	if capped.Sign() <= 0 {
		return new(big.Int), true, fmt.Errorf("%w: balance %s does not cover gas reserve %s", ErrInsufficientBalance, balance.String(), reserve.String())
	}
	return capped, true, nil
}

// Deposit moves req.Amount (capped by the gas reserve) from L1 to req.To on L2 and
// waits for the derived L2 transaction
func (e *Executor) Deposit(ctx context.Context, req DepositRequest, onStage StageFunc) (*DepositResult, error) {
	stage := notifier(onStage)
	stage(StateIdle, "")

	l1, err := e.clients.Write(ctx, e.l1, req.Account)
	if err != nil {
		return nil, err
	}
	stage(StateChainSwitched, l1.Chain.Name)

	from := l1.Address()
	to := req.To
	if to == (common.Address{}) {
		to = from
	}

	balance, err := l1.Balance(ctx, from)
	if err != nil {
		return nil, err
	}
	amount, capped, err := CapDepositAmount(req.Amount, balance, e.gasReserve)
	if err != nil {
		return nil, err
	}
	if capped {
		e.logger.NoticeWithChain(l1.ChainID(), "Deposit capped from %s to %s wei to keep a gas reserve of %s wei",
			req.Amount.String(), amount.String(), e.gasReserve.String())
	}

	l2, err := e.clients.Read(ctx, e.l2)
	if err != nil {
		return nil, err
	}
	args, err := e.portal.BuildDepositTransaction(ctx, l2, from, to, amount)
	if err != nil {
		return nil, err
	}
	stage(StateArgsBuilt, fmt.Sprintf("mint=%s gas=%d", args.Mint.String(), args.GasLimit))

	l1Hash, err := e.portal.DepositTransaction(ctx, l1, args)
	if err != nil {
		return nil, err
	}
	stage(StateL1Submitted, l1Hash.Hex())

	receipt, err := l1.WaitSuccess(ctx, l1Hash)
	if err != nil {
		return nil, err
	}
	stage(StateL1Confirmed, receipt.BlockNumber.String())

	l2Hashes, err := e.portal.L2TransactionHashes(receipt)
	if err != nil {
		return nil, err
	}
	l2Hash := l2Hashes[0]
	stage(StateL2HashDerived, l2Hash.Hex())

	if _, err := l2.WaitSuccess(ctx, l2Hash); err != nil {
		return nil, err
	}
	stage(StateL2Confirmed, l2Hash.Hex())

	e.logger.InfoWithChain(l2.ChainID(), "Deposit of %s wei to %s confirmed: %s", amount.String(), to.Hex(), l2Hash.Hex())
	return &DepositResult{L1TxHash: l1Hash, L2TxHash: l2Hash, Amount: amount, Capped: capped}, nil
}

// ResumeDeposit follows a deposit whose L1 transaction was already submitted, without
// submitting anything
func (e *Executor) ResumeDeposit(ctx context.Context, l1Hash common.Hash, onStage StageFunc) (*DepositResult, error) {
	stage := notifier(onStage)

	l1, err := e.clients.Read(ctx, e.l1)
	if err != nil {
		return nil, err
	}
	e.logger.InfoWithChain(l1.ChainID(), "Resuming deposit submitted in %s", l1Hash.Hex())

	receipt, err := l1.WaitSuccess(ctx, l1Hash)
	if err != nil {
		return nil, err
	}
	stage(StateL1Confirmed, receipt.BlockNumber.String())

	deposits, err := e.portal.DepositsFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	deposit := deposits[0]
	stage(StateL2HashDerived, deposit.L2TxHash.Hex())

	l2, err := e.clients.Read(ctx, e.l2)
	if err != nil {
		return nil, err
	}
	if _, err := l2.WaitSuccess(ctx, deposit.L2TxHash); err != nil {
		return nil, err
	}
	stage(StateL2Confirmed, deposit.L2TxHash.Hex())

	return &DepositResult{L1TxHash: l1Hash, L2TxHash: deposit.L2TxHash, Amount: deposit.Mint}, nil
}

// Withdraw moves req.Amount from L2 to req.To on L1, proving and finalizing it once the
// portal allows. Both waits last as long as the rollup's proving and challenge windows.
func (e *Executor) Withdraw(ctx context.Context, req WithdrawRequest, onStage StageFunc) (*WithdrawResult, error) {
	stage := notifier(onStage)
	stage(StateIdle, "")

	l2w, err := e.clients.Write(ctx, e.l2, req.Account)
	if err != nil {
		return nil, err
	}
	stage(StateChainSwitched, l2w.Chain.Name)

	from := l2w.Address()
	to := req.To
	if to == (common.Address{}) {
		to = from
	}

	l1r, err := e.clients.Read(ctx, e.l1)
	if err != nil {
		return nil, err
	}

	l2Hash := req.InitiatedTx
	if l2Hash == (common.Hash{}) {
		if req.Amount == nil || req.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("withdrawal amount must be positive")
		}
		args, err := e.passer.BuildInitiateWithdrawal(ctx, l1r, from, to, req.Amount)
		if err != nil {
			return nil, err
		}
		stage(StateArgsBuilt, fmt.Sprintf("value=%s gas=%s", args.Value.String(), args.GasLimit.String()))

		l2Hash, err = e.passer.InitiateWithdrawal(ctx, l2w, args)
		if err != nil {
			return nil, err
		}
		stage(StateL2Submitted, l2Hash.Hex())
	} else {
		e.logger.InfoWithChain(l2w.ChainID(), "Resuming withdrawal initiated in %s", l2Hash.Hex())
	}

	receipt, err := l2w.WaitSuccess(ctx, l2Hash)
	if err != nil {
		return nil, err
	}
	stage(StateL2Confirmed, receipt.BlockNumber.String())

	withdrawals, err := e.passer.WithdrawalsFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	withdrawal := withdrawals[0]
	result := &WithdrawResult{L2TxHash: l2Hash, WithdrawalHash: withdrawal.WithdrawalHash}

	if !req.Proven {
		game, err := e.portal.WaitToProve(ctx, l1r, withdrawal.L2BlockNumber, e.withdrawalPoll)
		if err != nil {
			return nil, err
		}
		stage(StateProveEligible, fmt.Sprintf("game=%s l2Block=%s", game.Index.String(), game.L2BlockNumber.String()))

		l1w, err := e.clients.Write(ctx, e.l1, req.Account)
		if err != nil {
			return nil, err
		}
		stage(StateChainSwitchedBack, l1w.Chain.Name)

		l2r, err := e.clients.Read(ctx, e.l2)
		if err != nil {
			return nil, err
		}
		proveArgs, err := e.portal.BuildProveWithdrawal(ctx, l2r, e.passer, withdrawal, game)
		if err != nil {
			return nil, err
		}
		proveHash, err := e.portal.ProveWithdrawal(ctx, l1w, proveArgs)
		if err != nil {
			return nil, err
		}
		if _, err := l1w.WaitSuccess(ctx, proveHash); err != nil {
			return nil, err
		}
		result.ProveTxHash = proveHash
		stage(StateProven, proveHash.Hex())
	} else {
		stage(StateChainSwitchedBack, l1r.Chain.Name)

		// a resumed run may have crashed after the finalize landed
		finalized, err := e.portal.IsFinalized(ctx, l1r, withdrawal.WithdrawalHash)
		if err != nil {
			return nil, err
		}
		if finalized {
			stage(StateFinalized, "already finalized")
			e.logger.InfoWithChain(l1r.ChainID(), "Withdrawal %s was already finalized", withdrawal.WithdrawalHash.Hex())
			return result, nil
		}
	}

	if err := e.portal.WaitToFinalize(ctx, l1r, withdrawal.WithdrawalHash, from, e.withdrawalPoll); err != nil {
		return nil, err
	}
	stage(StateFinalizeEligible, withdrawal.WithdrawalHash.Hex())

	l1w, err := e.clients.Write(ctx, e.l1, req.Account)
	if err != nil {
		return nil, err
	}
	finalizeHash, err := e.portal.FinalizeWithdrawal(ctx, l1w, withdrawal.WithdrawalTx)
	if err != nil {
		return nil, err
	}
	if _, err := l1w.WaitSuccess(ctx, finalizeHash); err != nil {
		return nil, err
	}
	result.FinalizeTxHash = finalizeHash
	stage(StateFinalized, finalizeHash.Hex())

	e.logger.InfoWithChain(l1w.ChainID(), "Withdrawal %s finalized: %s", withdrawal.WithdrawalHash.Hex(), finalizeHash.Hex())
	return result, nil
}

func notifier(onStage StageFunc) StageFunc {
	if onStage == nil {
		return func(State, string) {}
	}
	return onStage
}
