// Package intent validates user intents and compiles them into route previews
package intent

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

// Mode is the kind of flow an intent runs
type Mode string

const (
	ModeDeposit  Mode = "DEPOSIT"
	ModeWithdraw Mode = "WITHDRAW"
	ModePipeline Mode = "PIPELINE_BASE_TO_GIWA"
	ModeSwapOnly Mode = "SWAP_ONLY"
)

var (
	amountPattern  = regexp.MustCompile(`^\d+(\.\d+)?$`)
	addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// ErrInvalidIntent wraps every validation failure
	ErrInvalidIntent = errors.New("invalid intent")
)

var modeLabels = map[Mode]string{
	ModeDeposit:  "Deposit Sepolia → GIWA",
	ModeWithdraw: "Withdraw GIWA → Sepolia",
	ModePipeline: "Base USDC → GIWA ETH",
	ModeSwapOnly: "Swap only",
}

// SwapParams selects the swap of a SWAP_ONLY intent, or the engine of a pipeline
type SwapParams struct {
	Chain       string `json:"chain,omitempty"`
	Direction   string `json:"direction,omitempty"`
	Engine      string `json:"engine,omitempty"`
	MinOut      string `json:"minOut,omitempty"`
	AutoDeposit bool   `json:"autoDeposit,omitempty"`
}

// Intent is what the user asked for. Amount is a decimal string in USDC for the
// pipeline and token-input swaps, in native currency otherwise.
type Intent struct {
	Mode            Mode        `json:"mode"`
	Amount          string      `json:"amount"`
	Recipient       string      `json:"recipient,omitempty"`
	DeadlineSeconds int         `json:"deadlineSeconds,omitempty"`
	Swap            *SwapParams `json:"swap,omitempty"`
}

// SwapPlan is the resolved swap of an intent
type SwapPlan struct {
	Chain       config.ChainKey
	Direction   swap.Direction
	Engine      swap.Engine
	MinOut      *big.Int
	AutoDeposit bool
}

// Preview is the compiled, human readable route of an intent
type Preview struct {
	Mode            Mode     `json:"mode"`
	ModeLabel       string   `json:"modeLabel"`
	From            string   `json:"from"`
	To              string   `json:"to"`
	Amount          string   `json:"amount"`
	Unit            string   `json:"unit"`
	DeadlineSeconds int      `json:"deadlineSeconds,omitempty"`
	Route           []string `json:"route"`
}

// ParseMode converts user input into a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDeposit, ModeWithdraw, ModePipeline, ModeSwapOnly:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidIntent, s)
}

// Validate checks the intent and its amount precision
func (in Intent) Validate() error {
	if _, err := ParseMode(string(in.Mode)); err != nil {
		return err
	}
	if in.Recipient != "" && !addressPattern.MatchString(in.Recipient) {
		return fmt.Errorf("%w: invalid recipient address %q", ErrInvalidIntent, in.Recipient)
	}
	if in.DeadlineSeconds < 0 {
		return fmt.Errorf("%w: deadlineSeconds must not be negative", ErrInvalidIntent)
	}

	plan, err := in.SwapPlan()
	if err != nil {
		return err
	}

	amount, err := ParseUnits(in.Amount, in.Decimals())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidIntent)
	}

	if plan != nil && plan.AutoDeposit && (plan.Chain != config.Sepolia || plan.Direction != swap.TokenToNative) {
		return fmt.Errorf("%w: auto-deposit needs a USDC_TO_ETH swap on sepolia", ErrInvalidIntent)
	}
	return nil
}

// SwapPlan resolves the swap parameters, nil when the mode swaps nothing
func (in Intent) SwapPlan() (*SwapPlan, error) {
	if in.Mode != ModeSwapOnly && in.Mode != ModePipeline {
		return nil, nil
	}
	params := SwapParams{}
	if in.Swap != nil {
		params = *in.Swap
	}

	plan := &SwapPlan{Chain: config.Sepolia, Direction: swap.TokenToNative, MinOut: new(big.Int)}
	var err error
	if plan.Engine, err = swap.ParseEngine(params.Engine); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if in.Mode == ModePipeline {
		// the pipeline always sells the minted USDC on sepolia
		return plan, nil
	}

	if params.Chain != "" {
		if plan.Chain, err = config.ParseChainKey(params.Chain); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		if plan.Chain != config.Sepolia && plan.Chain != config.Irys {
			return nil, fmt.Errorf("%w: no DEX on %s", ErrInvalidIntent, plan.Chain)
		}
	}
	if plan.Direction, err = swap.ParseDirection(params.Direction); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if params.MinOut != "" {
		outDecimals := int32(NativeDecimals)
		if plan.Direction == swap.NativeToToken {
			outDecimals = USDCDecimals
		}
		if plan.MinOut, err = ParseUnits(params.MinOut, outDecimals); err != nil {
			return nil, fmt.Errorf("%w: minOut: %v", ErrInvalidIntent, err)
		}
	}
	plan.AutoDeposit = params.AutoDeposit
	return plan, nil
}

// Decimals returns the precision of the intent amount
func (in Intent) Decimals() int32 {
	switch in.Mode {
	case ModePipeline:
		return USDCDecimals
	case ModeSwapOnly:
		if in.Swap == nil || in.Swap.Direction == "" || in.Swap.Direction == string(swap.TokenToNative) {
			return USDCDecimals
		}
	}
	return NativeDecimals
}

// AmountUnits returns the intent amount in integer units
func (in Intent) AmountUnits() (*big.Int, error) {
	return ParseUnits(in.Amount, in.Decimals())
}

// RecipientOr returns the recipient, or sender when none was given
func (in Intent) RecipientOr(sender common.Address) common.Address {
	if in.Recipient == "" {
		return sender
	}
	return common.HexToAddress(in.Recipient)
}

// Compile validates the intent and produces its route preview, swap legs are
// labelled with the native symbols of their chains
func Compile(in Intent, sender common.Address, symbols Symbols) (*Preview, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	plan, _ := in.SwapPlan()

	preview := &Preview{
		Mode:            in.Mode,
		ModeLabel:       modeLabels[in.Mode],
		To:              in.RecipientOr(sender).Hex(),
		Amount:          in.Amount,
		Unit:            "ETH",
		DeadlineSeconds: in.DeadlineSeconds,
	}
	if sender != (common.Address{}) {
		preview.From = sender.Hex()
	}

	switch in.Mode {
	case ModeDeposit:
		preview.Route = []string{"OP:Sepolia→GIWA (ETH)"}
	case ModeWithdraw:
		preview.Route = []string{"OP:GIWA→Sepolia (ETH)", "Prove (challenge window)", "Finalize"}
	case ModePipeline:
		preview.Unit = "USDC"
		preview.Route = []string{"CCTP:USDC Base→Sepolia", swapLabel(plan, symbols), "OP:Sepolia→GIWA (ETH)"}
	case ModeSwapOnly:
		if plan.Direction == swap.TokenToNative {
			preview.Unit = "USDC"
		} else {
			preview.Unit = symbols.Native(plan.Chain)
		}
		preview.ModeLabel = fmt.Sprintf("%s (%s)", modeLabels[in.Mode], chainLabel(plan.Chain))
		preview.Route = []string{swapLabel(plan, symbols)}
		if plan.AutoDeposit {
			preview.Route = append(preview.Route, "OP:Sepolia→GIWA (ETH)")
		}
	}
	return preview, nil
}

func swapLabel(plan *SwapPlan, symbols Symbols) string {
	native := symbols.Native(plan.Chain)
	pool, in, out := "CustomPool", "USDC", native
	if plan.Engine == swap.EngineUniswapV3 {
		pool, out = "UniswapV3", "W"+native
	}
	if plan.Direction == swap.NativeToToken {
		in, out = out, in
	}
	return fmt.Sprintf("%s:%s→%s (%s)", pool, in, out, chainLabel(plan.Chain))
}

func chainLabel(key config.ChainKey) string {
	switch key {
	case config.Irys:
		return "Irys"
	case config.BaseSepolia:
		return "Base"
	case config.Giwa:
		return "GIWA"
	}
	return "Sepolia"
}

// Symbols maps chains to their configured native currency symbol
type Symbols map[config.ChainKey]string

// SymbolsFrom collects the native symbols of the configured chains
func SymbolsFrom(chains map[config.ChainKey]config.ChainEndpoint) Symbols {
	symbols := make(Symbols, len(chains))
	for key, chain := range chains {
		if chain.NativeSymbol != "" {
			symbols[key] = chain.NativeSymbol
		}
	}
	return symbols
}

// Native returns the native currency symbol of a chain, unconfigured chains get the defaults
func (s Symbols) Native(key config.ChainKey) string {
	if symbol, ok := s[key]; ok {
		return symbol
	}
	if key == config.Irys {
		return config.DefaultIrysNativeSym
	}
	return config.DefaultNativeSymbol
}
