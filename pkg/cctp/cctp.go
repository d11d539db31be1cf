// Package cctp moves USDC between chains with Circle's burn and mint protocol:
// burn on the source chain, extract the message, wait for its attestation and
// receive it on the destination chain.
package cctp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/giwa-runner/pkg/approval"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
)

// USDCDecimals is the number of decimals of USDC on every supported chain
const USDCDecimals = 6

var (
	// ErrMessageEventNotFound is returned when a burn receipt carries no MessageSent log
	ErrMessageEventNotFound = errors.New("MessageSent event not found in burn receipt")

	// ErrAttestationTimeout is returned when the attestation did not arrive within the configured max wait
	ErrAttestationTimeout = errors.New("attestation timeout")
)

// Message is a burn message and, once available, its attestation
type Message struct {
	Bytes       []byte
	Hash        common.Hash
	BurnTx      common.Hash
	Attestation string
}

// BurnRequest burns Amount (6 decimals) of USDC on the source chain for MintRecipient on the destination chain
type BurnRequest struct {
	Account       common.Address
	Amount        *big.Int
	MintRecipient common.Address
}

// Executor runs the CCTP stages between one source and one destination chain
type Executor struct {
	clients      *chainclient.Factory
	source       config.ChainKey
	destination  config.ChainKey
	attestations *AttestationClient
	pollInterval time.Duration
	maxWait      time.Duration
	logger       logger.Logger
}

// NewExecutor creates a CCTP executor, a zero maxWait polls attestations until ctx is done
func NewExecutor(
	clients *chainclient.Factory,
	source config.ChainKey,
	destination config.ChainKey,
	attestations *AttestationClient,
	pollInterval time.Duration,
	maxWait time.Duration,
	log logger.Logger,
) (*Executor, error) {
	if _, ok := clients.Chain(source); !ok {
		return nil, fmt.Errorf("chain %s is not configured", source)
	}
	if _, ok := clients.Chain(destination); !ok {
		return nil, fmt.Errorf("chain %s is not configured", destination)
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if pollInterval <= 0 {
		pollInterval = time.Duration(config.DefaultAttestationPollInterval) * time.Second
	}
	return &Executor{
		clients:      clients,
		source:       source,
		destination:  destination,
		attestations: attestations,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		logger:       log,
	}, nil
}

// Attestations returns the attestation service client
func (e *Executor) Attestations() *AttestationClient {
	return e.attestations
}

// MintRecipient left-pads an address to the bytes32 recipient of depositForBurn
func MintRecipient(addr common.Address) [32]byte {
	var out [32]byte
	copy(out[:], common.LeftPadBytes(addr.Bytes(), 32))
	return out
}

// Burn approves the token messenger for exactly req.Amount when needed and calls
// depositForBurn on the source chain, it returns the burn transaction hash
func (e *Executor) Burn(ctx context.Context, req BurnRequest) (common.Hash, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("burn amount must be positive")
	}

	w, err := e.clients.Write(ctx, e.source, req.Account)
	if err != nil {
		return common.Hash{}, err
	}
	destination, _ := e.clients.Chain(e.destination)
	usdc := w.Chain.Contracts.USDC
	messenger := w.Chain.Contracts.TokenMessenger

	recipient := req.MintRecipient
	if recipient == (common.Address{}) {
		recipient = w.Address()
	}

	if _, err := approval.Ensure(ctx, w, usdc, messenger, req.Amount, approval.Exact, e.logger); err != nil {
		return common.Hash{}, err
	}

	tokenMessenger := contracts.Bind(messenger, contracts.TokenMessenger, w.Backend)
	burnTx, err := w.Transact(ctx, tokenMessenger, nil, "depositForBurn",
		req.Amount, destination.CCTPDomain, MintRecipient(recipient), usdc)
	if err != nil {
		return common.Hash{}, err
	}

	e.logger.InfoWithChain(w.ChainID(), "Burned %s USDC units for %s on domain %d: %s",
		req.Amount.String(), recipient.Hex(), destination.CCTPDomain, burnTx.Hex())
	return burnTx, nil
}

// ExtractMessage waits for the burn receipt and decodes its MessageSent log
func (e *Executor) ExtractMessage(ctx context.Context, burnTx common.Hash) (*Message, error) {
	r, err := e.clients.Read(ctx, e.source)
	if err != nil {
		return nil, err
	}
	receipt, err := r.WaitSuccess(ctx, burnTx)
	if err != nil {
		return nil, err
	}

	event := contracts.MessageTransmitter.Events["MessageSent"]
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		message, ok := values[0].([]byte)
		if !ok {
			continue
		}
		return &Message{Bytes: message, Hash: crypto.Keccak256Hash(message), BurnTx: burnTx}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageEventNotFound, burnTx.Hex())
}

// WaitAttestation polls the attestation service until a well formed attestation is
// returned for messageHash. Transport errors are logged and polling continues,
// onTick receives the elapsed time after every unsuccessful poll.
func (e *Executor) WaitAttestation(ctx context.Context, messageHash common.Hash, onTick func(elapsed time.Duration)) (string, error) {
	start := time.Now()
	defer func() {
		metrics.AttestationWait.Observe(time.Since(start).Seconds())
	}()

	if e.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.maxWait, ErrAttestationTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		attestation, ready, err := e.attestations.Fetch(ctx, messageHash)
		if err != nil {
			e.logger.Debug("Attestation poll for %s failed: %v", messageHash.Hex(), err)
		}
		if ready {
			return attestation, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ErrAttestationTimeout) {
				return "", fmt.Errorf("%w after %s for %s", ErrAttestationTimeout, e.maxWait, messageHash.Hex())
			}
			return "", fmt.Errorf("waiting for attestation of %s: %w", messageHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
		if onTick != nil {
			onTick(time.Since(start))
		}
	}
}

// Receive submits receiveMessage on the destination chain and waits for it
func (e *Executor) Receive(ctx context.Context, account common.Address, msg *Message) (common.Hash, error) {
	attestation, err := hexutil.Decode(msg.Attestation)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid attestation: %w", err)
	}

	w, err := e.clients.Write(ctx, e.destination, account)
	if err != nil {
		return common.Hash{}, err
	}

	transmitter := contracts.Bind(w.Chain.Contracts.MessageTransmitter, contracts.MessageTransmitter, w.Backend)
	txHash, err := w.Transact(ctx, transmitter, nil, "receiveMessage", msg.Bytes, attestation)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := w.WaitSuccess(ctx, txHash); err != nil {
		return txHash, err
	}

	e.logger.InfoWithChain(w.ChainID(), "Received CCTP message %s: %s", msg.Hash.Hex(), txHash.Hex())
	return txHash, nil
}
