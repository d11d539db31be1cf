// Package swap trades USDC against the native asset through a router contract.
// One Executor serves one chain and one engine, the custom USDC pool router or
// the Uniswap V3 single-pool router.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/approval"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// Engine selects the router a swap goes through
type Engine string

const (
	// EngineCustom is the USDC/native pool router deployed for the testnets
	EngineCustom Engine = "custom"
	// EngineUniswapV3 routes through exactInputSingle on a Uniswap V3 router
	EngineUniswapV3 Engine = "uniswapV3"
)

// Direction of a swap
type Direction string

const (
	TokenToNative Direction = "USDC_TO_ETH"
	NativeToToken Direction = "ETH_TO_USDC"
)

// ErrRouterNotConfigured is returned when the chain has no router for the selected engine
var ErrRouterNotConfigured = errors.New("router not configured")

// ParseEngine converts user input into an Engine, empty means custom
func ParseEngine(s string) (Engine, error) {
	switch s {
	case "", string(EngineCustom):
		return EngineCustom, nil
	case string(EngineUniswapV3), "uniswapV3_025", "v3":
		return EngineUniswapV3, nil
	}
	return "", fmt.Errorf("unknown swap engine: %s", s)
}

// ParseDirection converts user input into a Direction
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case TokenToNative, "":
		return TokenToNative, nil
	case NativeToToken:
		return NativeToToken, nil
	}
	return "", fmt.Errorf("unknown swap direction: %s", s)
}

// Params configures an Executor
type Params struct {
	Chain    config.ChainKey
	Engine   Engine
	Policy   approval.Policy
	Deadline time.Duration
	FeeTier  uint32
	// UnwrapWETH withdraws the WETH received from a V3 swap into native currency
	UnwrapWETH bool
}

// TokenForNative swaps AmountIn USDC units for at least MinOut wei
type TokenForNative struct {
	Account   common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	Recipient common.Address
	Deadline  time.Duration
}

// NativeForToken swaps AmountIn wei for at least MinOut USDC units
type NativeForToken struct {
	Account   common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	Recipient common.Address
	Deadline  time.Duration
}

// Result holds the transactions of a confirmed swap
type Result struct {
	TxHash       common.Hash
	UnwrapTxHash common.Hash
	Recipient    common.Address
	Unwrapped    *big.Int
}

// Hashes returns every transaction the swap paid gas for
func (r *Result) Hashes() []common.Hash {
	hashes := []common.Hash{r.TxHash}
	if r.UnwrapTxHash != (common.Hash{}) {
		hashes = append(hashes, r.UnwrapTxHash)
	}
	return hashes
}

// ExactInputSingleParams is the V3 router's single-pool swap argument
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Executor swaps on one chain through one engine
type Executor struct {
	clients *chainclient.Factory
	params  Params
	chain   config.ChainEndpoint
	logger  logger.Logger
}

// NewExecutor validates that the chain carries the contracts required by the engine
func NewExecutor(clients *chainclient.Factory, params Params, log logger.Logger) (*Executor, error) {
	chain, ok := clients.Chain(params.Chain)
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", params.Chain)
	}
	if params.Engine == "" {
		params.Engine = EngineCustom
	}
	if params.Policy == "" {
		params.Policy = approval.Exact
	}
	if params.Deadline <= 0 {
		params.Deadline = time.Duration(config.DefaultSwapDeadlineSeconds) * time.Second
	}
	if params.FeeTier == 0 {
		params.FeeTier = config.DefaultV3FeeTier
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	if chain.Contracts.USDC == (common.Address{}) {
		return nil, fmt.Errorf("%w: no USDC on %s", ErrRouterNotConfigured, chain.Name)
	}
	switch params.Engine {
	case EngineCustom:
		if chain.Contracts.Router == (common.Address{}) {
			return nil, fmt.Errorf("%w: no custom router on %s", ErrRouterNotConfigured, chain.Name)
		}
	case EngineUniswapV3:
		if chain.Contracts.V3Router == (common.Address{}) || chain.Contracts.WETH == (common.Address{}) {
			return nil, fmt.Errorf("%w: no V3 router or WETH on %s", ErrRouterNotConfigured, chain.Name)
		}
	default:
		return nil, fmt.Errorf("unknown swap engine: %s", params.Engine)
	}

	return &Executor{clients: clients, params: params, chain: chain, logger: log}, nil
}

// Chain returns the chain the executor swaps on
func (e *Executor) Chain() config.ChainKey {
	return e.params.Chain
}

// Engine returns the router family in use
func (e *Executor) Engine() Engine {
	return e.params.Engine
}

// Router returns the address of the router in use
func (e *Executor) Router() common.Address {
	if e.params.Engine == EngineUniswapV3 {
		return e.chain.Contracts.V3Router
	}
	return e.chain.Contracts.Router
}

// EnsureAllowance approves the router for amount USDC units under the executor's policy.
// It submits nothing when the current allowance already covers amount.
func (e *Executor) EnsureAllowance(ctx context.Context, account common.Address, amount *big.Int) (bool, error) {
	w, err := e.clients.Write(ctx, e.params.Chain, account)
	if err != nil {
		return false, err
	}
	return approval.Ensure(ctx, w, e.chain.Contracts.USDC, e.Router(), amount, e.params.Policy, e.logger)
}

// SwapTokenForNative approves when needed, swaps and waits for the swap to confirm.
// On the V3 engine the WETH received by the signer is unwrapped when configured.
func (e *Executor) SwapTokenForNative(ctx context.Context, req TokenForNative) (*Result, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive")
	}
	w, err := e.clients.Write(ctx, e.params.Chain, req.Account)
	if err != nil {
		return nil, err
	}
	to := recipientOr(req.Recipient, w.Address())
	minOut := orZero(req.MinOut)

	if _, err := approval.Ensure(ctx, w, e.chain.Contracts.USDC, e.Router(), req.AmountIn, e.params.Policy, e.logger); err != nil {
		return nil, err
	}

	result := &Result{Recipient: to}
	switch e.params.Engine {
	case EngineCustom:
		e.logger.InfoWithChain(w.ChainID(), "swapUSDCToETH(%s, minOut=%s) to %s", req.AmountIn.String(), minOut.String(), to.Hex())
		router := contracts.Bind(e.chain.Contracts.Router, contracts.CustomRouter, w.Backend)
		result.TxHash, err = w.Transact(ctx, router, nil, "swapUSDCToETH", req.AmountIn, minOut, to)
		if err != nil {
			return nil, err
		}
		if _, err := w.WaitSuccess(ctx, result.TxHash); err != nil {
			return nil, err
		}

	case EngineUniswapV3:
		weth := contracts.NewToken(e.chain.Contracts.WETH, w.Backend)
		unwrap := e.params.UnwrapWETH && to == w.Address()
		var before *big.Int
		if unwrap {
			if before, err = weth.BalanceOf(ctx, to); err != nil {
				return nil, err
			}
		}

		params := e.exactInputSingle(e.chain.Contracts.USDC, e.chain.Contracts.WETH, to, req.AmountIn, minOut, req.Deadline)
		e.logger.InfoWithChain(w.ChainID(), "exactInputSingle USDC→WETH (fee %d) amountIn=%s", e.params.FeeTier, req.AmountIn.String())
		router := contracts.Bind(e.chain.Contracts.V3Router, contracts.V3Router, w.Backend)
		result.TxHash, err = w.Transact(ctx, router, nil, "exactInputSingle", params)
		if err != nil {
			return nil, err
		}
		if _, err := w.WaitSuccess(ctx, result.TxHash); err != nil {
			return nil, err
		}

		if unwrap {
			after, err := weth.BalanceOf(ctx, to)
			if err != nil {
				return nil, err
			}
			got := new(big.Int).Sub(after, before)
			if got.Sign() > 0 {
				e.logger.InfoWithChain(w.ChainID(), "Unwrapping %s wei WETH", got.String())
				wethContract := contracts.Bind(e.chain.Contracts.WETH, contracts.WETH, w.Backend)
				result.UnwrapTxHash, err = w.Transact(ctx, wethContract, nil, "withdraw", got)
				if err != nil {
					return nil, err
				}
				if _, err := w.WaitSuccess(ctx, result.UnwrapTxHash); err != nil {
					return nil, err
				}
				result.Unwrapped = got
			}
		}
	}

	e.logger.InfoWithChain(w.ChainID(), "Swap confirmed: %s", result.TxHash.Hex())
	return result, nil
}

// SwapNativeForToken sends AmountIn wei to the router and waits for the swap to confirm
func (e *Executor) SwapNativeForToken(ctx context.Context, req NativeForToken) (*Result, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive")
	}
	w, err := e.clients.Write(ctx, e.params.Chain, req.Account)
	if err != nil {
		return nil, err
	}
	to := recipientOr(req.Recipient, w.Address())
	minOut := orZero(req.MinOut)

	result := &Result{Recipient: to}
	switch e.params.Engine {
	case EngineCustom:
		e.logger.InfoWithChain(w.ChainID(), "swapETHToUSDC(value=%s, minOut=%s) to %s", req.AmountIn.String(), minOut.String(), to.Hex())
		router := contracts.Bind(e.chain.Contracts.Router, contracts.CustomRouter, w.Backend)
		result.TxHash, err = w.Transact(ctx, router, req.AmountIn, "swapETHToUSDC", minOut, to)
	case EngineUniswapV3:
		// the router wraps msg.value into WETH
		params := e.exactInputSingle(e.chain.Contracts.WETH, e.chain.Contracts.USDC, to, req.AmountIn, minOut, req.Deadline)
		e.logger.InfoWithChain(w.ChainID(), "exactInputSingle ETH→USDC via WETH (fee %d) value=%s", e.params.FeeTier, req.AmountIn.String())
		router := contracts.Bind(e.chain.Contracts.V3Router, contracts.V3Router, w.Backend)
		result.TxHash, err = w.Transact(ctx, router, req.AmountIn, "exactInputSingle", params)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.WaitSuccess(ctx, result.TxHash); err != nil {
		return nil, err
	}

	e.logger.InfoWithChain(w.ChainID(), "Swap confirmed: %s", result.TxHash.Hex())
	return result, nil
}

func (e *Executor) exactInputSingle(tokenIn, tokenOut, to common.Address, amountIn, minOut *big.Int, deadline time.Duration) ExactInputSingleParams {
	if deadline <= 0 {
		deadline = e.params.Deadline
	}
	return ExactInputSingleParams{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               new(big.Int).SetUint64(uint64(e.params.FeeTier)),
		Recipient:         to,
		Deadline:          big.NewInt(time.Now().Add(deadline).Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	}
}

func recipientOr(recipient, fallback common.Address) common.Address {
	if recipient == (common.Address{}) {
		return fallback
	}
	return recipient
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
