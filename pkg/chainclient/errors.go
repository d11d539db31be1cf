package chainclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrWalletUnavailable is returned when a write client is requested without a signer
	ErrWalletUnavailable = errors.New("wallet unavailable: no signer configured")

	// ErrChainSwitchRejected is returned when the endpoint does not serve the expected chain
	ErrChainSwitchRejected = errors.New("chain switch rejected")

	// ErrTransactionReverted is returned when a mined transaction has a failed status
	ErrTransactionReverted = errors.New("transaction reverted")
)

// RevertError describes a mined transaction that reverted
type RevertError struct {
	ChainID int
	TxHash  common.Hash
	Reason  string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted on chain %d", e.TxHash.Hex(), e.ChainID)
	}
	return fmt.Sprintf("transaction %s reverted on chain %d: %s", e.TxHash.Hex(), e.ChainID, e.Reason)
}

// Unwrap allows errors.Is(err, ErrTransactionReverted)
func (e *RevertError) Unwrap() error {
	return ErrTransactionReverted
}

// RevertReason extracts a human readable revert reason from an eth_call error,
// it returns an empty string when nothing can be decoded
func RevertReason(err error) string {
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
				if len(data) >= 4 {
					return fmt.Sprintf("custom error 0x%x", data[:4])
				}
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted: "):])
	}
	if strings.Contains(msg, "execution reverted") {
		return "execution reverted"
	}
	return ""
}
