// Package approval manages ERC20 allowances ahead of burns and swaps
package approval

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
)

// Policy decides how much allowance is granted when the current one is insufficient
type Policy string

const (
	// Exact approves exactly the required amount
	Exact Policy = "exact"
	// Unlimited approves MaxUint256
	Unlimited Policy = "unlimited"
)

// ErrApprovalFailed is returned when an approval transaction cannot be submitted or reverts
var ErrApprovalFailed = errors.New("insufficient allowance: approval failed")

// ZeroApproval is the allowance reset value
var ZeroApproval = big.NewInt(0)

// ParsePolicy converts a configuration value into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case Exact, "":
		return Exact, nil
	case Unlimited:
		return Unlimited, nil
	}
	return "", fmt.Errorf("unknown approval policy: %s", s)
}

// Amount returns the allowance to grant for a required amount
func (p Policy) Amount(required *big.Int) *big.Int {
	if p == Unlimited {
		return contracts.MaxUint256
	}
	return new(big.Int).Set(required)
}

// Ensure checks allowance(owner, spender) on token and approves if it is below amount.
// It returns true if an approval was submitted and mined, false if the existing
// allowance was already sufficient.
func Ensure(
	ctx context.Context,
	w *chainclient.WriteClient,
	token common.Address,
	spender common.Address,
	amount *big.Int,
	policy Policy,
	log logger.Logger,
) (bool, error) {
	erc20 := contracts.NewToken(token, w.Backend)
	owner := w.Address()
	chainID := w.ChainID()

	currentAllowance, err := erc20.Allowance(ctx, owner, spender)
	if err != nil {
		return false, err
	}

	if currentAllowance.Cmp(amount) >= 0 {
		log.DebugWithChain(chainID, "Existing allowance (%s) is sufficient for amount (%s), skipping approval",
			currentAllowance.String(), amount.String())
		return false, nil
	}

	approvalAmount := policy.Amount(amount)

	// exact approvals move a non-zero allowance through zero first, some tokens reject non-zero to non-zero changes
	if policy == Exact && currentAllowance.Sign() > 0 {
		log.InfoWithChain(chainID, "Resetting allowance of %s for %s before approving", token.Hex(), spender.Hex())
		if err := approve(ctx, w, erc20, spender, ZeroApproval); err != nil {
			return false, err
		}
	}

	log.InfoWithChain(chainID, "Approving %s of %s for spender %s", approvalAmount.String(), token.Hex(), spender.Hex())
	if err := approve(ctx, w, erc20, spender, approvalAmount); err != nil {
		return false, err
	}
	metrics.Approvals.WithLabelValues(strconv.Itoa(chainID), string(policy)).Inc()
	return true, nil
}

func approve(ctx context.Context, w *chainclient.WriteClient, erc20 *contracts.Token, spender common.Address, amount *big.Int) error {
	txHash, err := w.Transact(ctx, erc20.Contract(), nil, "approve", spender, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrApprovalFailed, err)
	}
	if _, err := w.WaitSuccess(ctx, txHash); err != nil {
		return fmt.Errorf("%w: %w", ErrApprovalFailed, err)
	}
	return nil
}
