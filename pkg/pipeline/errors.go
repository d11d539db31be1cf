package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/speedrun-hq/giwa-runner/pkg/approval"
	"github.com/speedrun-hq/giwa-runner/pkg/bridge"
	"github.com/speedrun-hq/giwa-runner/pkg/cctp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/journal"
	"github.com/speedrun-hq/giwa-runner/pkg/lock"
	"github.com/speedrun-hq/giwa-runner/pkg/oracle"
)

var (
	// ErrDeadlineExceeded is returned when a run outlives its deadlineSeconds
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrAlreadyCompleted is returned when resuming a run that succeeded
	ErrAlreadyCompleted = errors.New("run already completed")

	// ErrNoSwapEngine is returned when no swap executor serves the requested chain and engine
	ErrNoSwapEngine = errors.New("swap engine not configured")
)

// ClassifyError maps an error to the label used in metrics and terminal log lines
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, lock.ErrOperationInProgress):
		return "operation_in_progress"
	case errors.Is(err, chainclient.ErrWalletUnavailable):
		return "wallet_unavailable"
	case errors.Is(err, chainclient.ErrChainSwitchRejected):
		return "chain_switch_rejected"
	case errors.Is(err, bridge.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, approval.ErrApprovalFailed):
		return "approval_failed"
	case errors.Is(err, cctp.ErrMessageEventNotFound):
		return "message_event_not_found"
	case errors.Is(err, cctp.ErrAttestationTimeout):
		return "attestation_timeout"
	case errors.Is(err, oracle.ErrNonPositiveDelta):
		return "non_positive_delta"
	case errors.Is(err, chainclient.ErrTransactionReverted):
		return "transaction_reverted"
	case errors.Is(err, intent.ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrNoSwapEngine):
		return "swap_engine_unavailable"
	case errors.Is(err, journal.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}

	// RPC errors only carry text
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return "network_error"
	}

	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "layer stale") ||
		strings.Contains(errStr, "state inconsistency") ||
		strings.Contains(errStr, "receipt not found") ||
		strings.Contains(errStr, "block not found") {
		return "state_inconsistency"
	}

	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") {
		return "gas_error"
	}

	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return "nonce_error"
	}

	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return "insufficient_funds"
	}

	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return "contract_error"
	}

	return "unknown"
}
