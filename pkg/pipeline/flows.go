package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/giwa-runner/pkg/bridge"
	"github.com/speedrun-hq/giwa-runner/pkg/cctp"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

func (o *Orchestrator) depositFlow(ctx context.Context, t *tracker, in intent.Intent) error {
	amount, err := in.AmountUnits()
	if err != nil {
		return err
	}
	to := in.RecipientOr(o.account)
	t.setAmount("input", in.Amount+" ETH")

	return o.step(ctx, t, StageDeposit, func() error {
		_, err := o.deposit(ctx, t, to, amount)
		return err
	})
}

func (o *Orchestrator) withdrawFlow(ctx context.Context, t *tracker, in intent.Intent) error {
	amount, err := in.AmountUnits()
	if err != nil {
		return err
	}
	to := in.RecipientOr(o.account)
	t.setAmount("input", in.Amount+" ETH")

	return o.step(ctx, t, StageWithdraw, func() error {
		req := bridge.WithdrawRequest{
			Account:     o.account,
			To:          to,
			Amount:      amount,
			InitiatedTx: t.hash(keyWithdrawTx),
			Proven:      t.done(StageWithdrawProve),
		}
		onStage := o.bridgeStage(t, StageWithdraw, func(state bridge.State, detail string) {
			switch state {
			case bridge.StateL2Submitted:
				t.set(keyWithdrawTx, detail)
				t.complete(StageWithdrawInitiate)
				o.save(ctx, t)
			case bridge.StateProven:
				t.set(keyProveTx, detail)
				t.complete(StageWithdrawProve)
				o.save(ctx, t)
			}
		})

		result, err := o.bridge.Withdraw(ctx, req, onStage)
		if err != nil {
			return err
		}
		if result.FinalizeTxHash != (common.Hash{}) {
			t.set(keyFinalizeTx, result.FinalizeTxHash.Hex())
		}
		t.setAmount("withdrawn", in.Amount+" ETH")
		return nil
	})
}

// pipelineFlow burns USDC on Base, mints it on Sepolia, sells it for ETH and deposits the proceeds to GIWA
func (o *Orchestrator) pipelineFlow(ctx context.Context, t *tracker, in intent.Intent) error {
	amount, err := in.AmountUnits()
	if err != nil {
		return err
	}
	plan, err := in.SwapPlan()
	if err != nil {
		return err
	}
	// fail before burning when the swap could never run
	swapper, err := o.swapper(plan.Chain, plan.Engine)
	if err != nil {
		return err
	}
	to := in.RecipientOr(o.account)
	t.setAmount("input", in.Amount+" USDC")

	err = o.step(ctx, t, StageCCTPBurn, func() error {
		burnTx, err := o.cctp.Burn(ctx, cctp.BurnRequest{Account: o.account, Amount: amount, MintRecipient: o.account})
		if err != nil {
			return err
		}
		t.set(keyBurnTx, burnTx.Hex())
		t.setAmount("burned", intent.FormatUnits(amount, intent.USDCDecimals)+" USDC")
		o.emit(t, logger.InfoLevel, StageCCTPBurn, false, "Burned %s USDC on Base: %s", in.Amount, burnTx.Hex())
		return nil
	})
	if err != nil {
		return err
	}

	err = o.step(ctx, t, StageCCTPExtract, func() error {
		msg, err := o.cctp.ExtractMessage(ctx, t.hash(keyBurnTx))
		if err != nil {
			return err
		}
		t.set(keyMessage, hexutil.Encode(msg.Bytes))
		t.set(keyMessageHash, msg.Hash.Hex())
		o.emit(t, logger.InfoLevel, StageCCTPExtract, false, "Message hash %s", msg.Hash.Hex())
		return nil
	})
	if err != nil {
		return err
	}

	msg, err := t.message()
	if err != nil {
		return err
	}

	err = o.step(ctx, t, StageCCTPAttest, func() error {
		attestation, err := o.cctp.WaitAttestation(ctx, msg.Hash, func(elapsed time.Duration) {
			o.emit(t, logger.InfoLevel, StageCCTPAttest, false, "Waiting for attestation (%ds)", int(elapsed.Seconds()))
		})
		if err != nil {
			return err
		}
		t.set(keyAttestation, attestation)
		o.emit(t, logger.InfoLevel, StageCCTPAttest, false, "Attestation received")
		return nil
	})
	if err != nil {
		return err
	}
	msg.Attestation = t.get(keyAttestation)

	err = o.step(ctx, t, StageCCTPReceive, func() error {
		receiveTx, err := o.cctp.Receive(ctx, o.account, msg)
		if err != nil {
			return err
		}
		t.set(keyReceiveTx, receiveTx.Hex())
		o.emit(t, logger.InfoLevel, StageCCTPReceive, false, "Minted %s USDC on Sepolia: %s", in.Amount, receiveTx.Hex())
		return nil
	})
	if err != nil {
		return err
	}

	err = o.step(ctx, t, StageSwap, func() error {
		_, err := o.swapForNative(ctx, t, swapper, amount, plan.MinOut, o.account)
		return err
	})
	if err != nil {
		return err
	}

	received := t.amount(keyReceived)
	if received == nil {
		return fmt.Errorf("swap output of run %s was not journaled", t.id())
	}
	return o.step(ctx, t, StageDeposit, func() error {
		_, err := o.deposit(ctx, t, to, received)
		return err
	})
}

// swapFlow swaps on one chain and, when asked, deposits the measured output to GIWA
func (o *Orchestrator) swapFlow(ctx context.Context, t *tracker, in intent.Intent) error {
	amount, err := in.AmountUnits()
	if err != nil {
		return err
	}
	plan, err := in.SwapPlan()
	if err != nil {
		return err
	}
	swapper, err := o.swapper(plan.Chain, plan.Engine)
	if err != nil {
		return err
	}
	to := in.RecipientOr(o.account)
	swapTo := to
	if plan.AutoDeposit {
		// the deposit spends the swap output from the signer
		swapTo = o.account
	}

	if plan.Direction == swap.NativeToToken {
		t.setAmount("input", in.Amount+" "+o.symbols.Native(plan.Chain))
		return o.step(ctx, t, StageSwap, func() error {
			res, err := swapper.SwapNativeForToken(ctx, swap.NativeForToken{
				Account: o.account, AmountIn: amount, MinOut: plan.MinOut, Recipient: swapTo,
			})
			if err != nil {
				return err
			}
			t.set(keySwapTx, res.TxHash.Hex())
			o.emit(t, logger.InfoLevel, StageSwap, false, "Swapped %s %s for USDC: %s", in.Amount, o.symbols.Native(plan.Chain), res.TxHash.Hex())
			return nil
		})
	}

	t.setAmount("input", in.Amount+" USDC")
	err = o.step(ctx, t, StageSwap, func() error {
		_, err := o.swapForNative(ctx, t, swapper, amount, plan.MinOut, swapTo)
		return err
	})
	if err != nil || !plan.AutoDeposit {
		return err
	}

	received := t.amount(keyReceived)
	if received == nil {
		return fmt.Errorf("swap output of run %s was not journaled", t.id())
	}
	return o.step(ctx, t, StageDeposit, func() error {
		_, err := o.deposit(ctx, t, to, received)
		return err
	})
}

// swapForNative sells amountIn USDC for native currency sent to recipient. The
// approval runs before the measurement so its gas does not count against the output.
// It returns nil when the output cannot be measured in native currency.
func (o *Orchestrator) swapForNative(ctx context.Context, t *tracker, swapper Swapper, amountIn, minOut *big.Int, recipient common.Address) (*big.Int, error) {
	approved, err := swapper.EnsureAllowance(ctx, o.account, amountIn)
	if err != nil {
		return nil, err
	}
	if approved {
		o.emit(t, logger.InfoLevel, StageSwap, false, "Approved the %s router for %s USDC", swapper.Engine(), intent.FormatUnits(amountIn, intent.USDCDecimals))
	}

	action := func(ctx context.Context) ([]common.Hash, error) {
		res, err := swapper.SwapTokenForNative(ctx, swap.TokenForNative{
			Account: o.account, AmountIn: amountIn, MinOut: minOut, Recipient: recipient,
		})
		if err != nil {
			return nil, err
		}
		t.set(keySwapTx, res.TxHash.Hex())
		if res.UnwrapTxHash != (common.Hash{}) {
			t.set(keyUnwrapTx, res.UnwrapTxHash.Hex())
		}
		return res.Hashes(), nil
	}

	symbol := o.symbols.Native(swapper.Chain())
	// WETH sent to another address is not a native balance change
	if recipient != o.account && swapper.Engine() != swap.EngineCustom {
		if _, err := action(ctx); err != nil {
			return nil, err
		}
		o.emit(t, logger.InfoLevel, StageSwap, false, "Swapped %s USDC for W%s to %s: %s",
			intent.FormatUnits(amountIn, intent.USDCDecimals), symbol, recipient.Hex(), t.get(keySwapTx))
		return nil, nil
	}

	chain, err := o.chains(ctx, swapper.Chain())
	if err != nil {
		return nil, err
	}
	delta, err := o.oracle.MeasureDelta(ctx, chain, recipient, recipient == o.account, action)
	if err != nil {
		return nil, err
	}

	t.set(keyReceived, delta.Net.String())
	t.setAmount("received", intent.FormatUnits(delta.Net, intent.NativeDecimals)+" "+symbol)
	o.emit(t, logger.InfoLevel, StageSwap, false, "Swapped %s USDC for %s %s: %s",
		intent.FormatUnits(amountIn, intent.USDCDecimals), intent.FormatUnits(delta.Net, intent.NativeDecimals), symbol, t.get(keySwapTx))
	return delta.Net, nil
}

// deposit bridges amount to GIWA, following an already submitted deposit instead of sending another
func (o *Orchestrator) deposit(ctx context.Context, t *tracker, to common.Address, amount *big.Int) (*bridge.DepositResult, error) {
	onStage := o.bridgeStage(t, StageDeposit, func(state bridge.State, detail string) {
		if state == bridge.StateL1Submitted {
			t.set(keyDepositL1Tx, detail)
			o.save(ctx, t)
		}
	})

	var (
		result *bridge.DepositResult
		err    error
	)
	if l1Tx := t.get(keyDepositL1Tx); l1Tx != "" {
		result, err = o.bridge.ResumeDeposit(ctx, common.HexToHash(l1Tx), onStage)
	} else {
		result, err = o.bridge.Deposit(ctx, bridge.DepositRequest{Account: o.account, To: to, Amount: amount}, onStage)
	}
	if err != nil {
		return nil, err
	}

	t.set(keyDepositL2Tx, result.L2TxHash.Hex())
	deposited := intent.FormatUnits(result.Amount, intent.NativeDecimals)
	t.setAmount("deposited", deposited+" ETH")
	if result.Capped {
		o.emit(t, logger.NoticeLevel, StageDeposit, false, "Deposit capped to %s ETH to keep the gas reserve", deposited)
	}
	o.emit(t, logger.InfoLevel, StageDeposit, false, "Deposited %s ETH to %s on GIWA: %s", deposited, to.Hex(), result.L2TxHash.Hex())
	return result, nil
}

// message restores the burn message journaled by the extract stage
func (t *tracker) message() (*cctp.Message, error) {
	raw, err := hexutil.Decode(t.get(keyMessage))
	if err != nil {
		return nil, fmt.Errorf("invalid journaled message: %w", err)
	}
	return &cctp.Message{
		Bytes:  raw,
		Hash:   t.hash(keyMessageHash),
		BurnTx: t.hash(keyBurnTx),
	}, nil
}
