// Package chaintest provides an in-memory chain backend for executor tests.
// Contract calls are dispatched by address and method selector to handlers
// registered with an ABI, and every submitted transaction gets a receipt on
// its own block.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
)

// DefaultGasUsed is the gas charged for every transaction
const DefaultGasUsed = 50000

// CallFunc answers an eth_call with the decoded arguments
type CallFunc func(args []interface{}) ([]interface{}, error)

// SentTx is a transaction accepted by the backend
type SentTx struct {
	Tx       *types.Transaction
	From     common.Address
	Method   string
	Args     []interface{}
	Block    uint64
	Selector [4]byte
}

// Outcome decides how a submitted transaction is mined
type Outcome struct {
	Failed bool
	Logs   []*types.Log
}

// TransactFunc decides the outcome of a submitted contract call
type TransactFunc func(tx SentTx) Outcome

type methodKey struct {
	address  common.Address
	selector [4]byte
}

type callHandler struct {
	method abi.Method
	fn     CallFunc
}

type transactHandler struct {
	method abi.Method
	fn     TransactFunc
}

// Backend implements chainclient.Backend in memory
type Backend struct {
	mu        sync.Mutex
	chainID   *big.Int
	gasPrice  *big.Int
	gasUsed   uint64
	block     uint64
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	code      map[common.Address]bool
	calls     map[methodKey]callHandler
	transacts map[methodKey]transactHandler
	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	headers   map[uint64]*types.Header
	proofs    map[common.Address]*gethclient.AccountResult
	sent      []SentTx
	estimate  func(msg ethereum.CallMsg) (uint64, error)
	relay     bool
	closed    bool
}

// NewBackend creates a backend serving chainID
func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:   big.NewInt(chainID),
		gasPrice:  big.NewInt(1_000_000_000),
		gasUsed:   DefaultGasUsed,
		block:     100,
		balances:  make(map[common.Address]*big.Int),
		nonces:    make(map[common.Address]uint64),
		code:      make(map[common.Address]bool),
		calls:     make(map[methodKey]callHandler),
		transacts: make(map[methodKey]transactHandler),
		txs:       make(map[common.Hash]*types.Transaction),
		receipts:  make(map[common.Hash]*types.Receipt),
		headers:   make(map[uint64]*types.Header),
		proofs:    make(map[common.Address]*gethclient.AccountResult),
	}
}

// SetBalance sets the native balance of an account
func (b *Backend) SetBalance(account common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = new(big.Int).Set(amount)
}

// AddBalance credits (or debits when negative) an account
func (b *Backend) AddBalance(account common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addBalance(account, amount)
}

func (b *Backend) addBalance(account common.Address, amount *big.Int) {
	current, ok := b.balances[account]
	if !ok {
		current = new(big.Int)
	}
	b.balances[account] = new(big.Int).Add(current, amount)
}

// SetGasPrice sets the gas price suggested and charged by the backend
func (b *Backend) SetGasPrice(price *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasPrice = new(big.Int).Set(price)
}

// SetGasUsed sets the gas charged per transaction
func (b *Backend) SetGasUsed(gas uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasUsed = gas
}

// SetEstimateGas overrides eth_estimateGas
func (b *Backend) SetEstimateGas(fn func(msg ethereum.CallMsg) (uint64, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimate = fn
}

// SetBlockNumber moves the head of the chain
func (b *Backend) SetBlockNumber(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = n
}

// SetHeader serves h for block number n
func (b *Backend) SetHeader(n uint64, h *types.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers[n] = h
}

// SetProof serves proof for eth_getProof on account
func (b *Backend) SetProof(account common.Address, proof *gethclient.AccountResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proofs[account] = proof
}

// DeployCode marks address as a contract
func (b *Backend) DeployCode(address common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[address] = true
}

// HandleCall registers a view handler for method of contract at address
func (b *Backend) HandleCall(address common.Address, contractABI abi.ABI, method string, fn CallFunc) {
	m, ok := contractABI.Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", method))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[address] = true
	b.calls[methodKey{address, selector(m.ID)}] = callHandler{method: m, fn: fn}
}

// HandleTransact registers a handler for transactions calling method of contract at address
func (b *Backend) HandleTransact(address common.Address, contractABI abi.ABI, method string, fn TransactFunc) {
	m, ok := contractABI.Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", method))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[address] = true
	b.transacts[methodKey{address, selector(m.ID)}] = transactHandler{method: m, fn: fn}
}

// Sent returns the transactions accepted so far
func (b *Backend) Sent() []SentTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SentTx, len(b.sent))
	copy(out, b.sent)
	return out
}

// SentMethods returns the method names of the accepted transactions in order
func (b *Backend) SentMethods() []string {
	var methods []string
	for _, tx := range b.Sent() {
		methods = append(methods, tx.Method)
	}
	return methods
}

// Closed reports whether Close was called
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ChainID implements chainclient.Backend
func (b *Backend) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

// BlockNumber implements chainclient.Backend
func (b *Backend) BlockNumber(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

// BalanceAt implements chainclient.Backend
func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if balance, ok := b.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

// CodeAt implements bind.ContractCaller
func (b *Backend) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.code[contract] {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

// PendingCodeAt implements bind.ContractTransactor
func (b *Backend) PendingCodeAt(ctx context.Context, contract common.Address) ([]byte, error) {
	return b.CodeAt(ctx, contract, nil)
}

// CallContract implements bind.ContractCaller
func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("chaintest: unsupported call")
	}

	b.mu.Lock()
	handler, ok := b.calls[methodKey{*msg.To, selector(msg.Data[:4])}]
	b.mu.Unlock()
	if !ok {
		return nil, Revert(fmt.Sprintf("no handler for 0x%x on %s", msg.Data[:4], msg.To.Hex()))
	}

	args, err := handler.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("chaintest: unpack %s: %w", handler.method.Name, err)
	}
	results, err := handler.fn(args)
	if err != nil {
		return nil, err
	}
	return handler.method.Outputs.Pack(results...)
}

// HeaderByNumber implements bind.ContractTransactor, the header has no base fee so
// bound contracts submit legacy transactions
func (b *Backend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.block
	if number != nil {
		n = number.Uint64()
	}
	if h, ok := b.headers[n]; ok {
		return h, nil
	}
	return &types.Header{Number: new(big.Int).SetUint64(n)}, nil
}

// PendingNonceAt implements bind.ContractTransactor
func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// SuggestGasPrice implements bind.ContractTransactor
func (b *Backend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

// SuggestGasTipCap implements bind.ContractTransactor
func (b *Backend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

// EstimateGas implements bind.ContractTransactor, like a node it rejects a
// value the sender cannot cover unless an override is installed
func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	estimate := b.estimate
	balance := b.balances[msg.From]
	b.mu.Unlock()
	if estimate != nil {
		return estimate(msg)
	}
	if msg.Value != nil && msg.Value.Sign() > 0 && (balance == nil || balance.Cmp(msg.Value) < 0) {
		return 0, core.ErrInsufficientFundsForTransfer
	}
	return 100000, nil
}

// SendTransaction implements bind.ContractTransactor
func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("chaintest: invalid signature: %w", err)
	}

	sent := SentTx{Tx: tx, From: from, Method: "transfer"}
	var handler transactHandler
	var hasHandler bool

	b.mu.Lock()
	if tx.Nonce() != b.nonces[from] {
		b.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	cost := new(big.Int).Add(tx.Value(), new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(b.gasUsed)))
	if balance := b.balances[from]; balance == nil || balance.Cmp(cost) < 0 {
		b.mu.Unlock()
		return core.ErrInsufficientFunds
	}
	b.nonces[from]++
	b.block++
	sent.Block = b.block
	if tx.To() != nil && len(tx.Data()) >= 4 {
		sent.Selector = selector(tx.Data()[:4])
		handler, hasHandler = b.transacts[methodKey{*tx.To(), sent.Selector}]
		if hasHandler {
			sent.Method = handler.method.Name
			sent.Args, _ = handler.method.Inputs.Unpack(tx.Data()[4:])
		} else {
			sent.Method = fmt.Sprintf("0x%x", sent.Selector)
		}
	}
	b.sent = append(b.sent, sent)
	b.txs[tx.Hash()] = tx
	b.mu.Unlock()

	outcome := Outcome{}
	if hasHandler {
		outcome = handler.fn(sent)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	gasUsed := b.gasUsed
	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(gasUsed))
	b.addBalance(from, new(big.Int).Neg(fee))
	if !outcome.Failed {
		b.addBalance(from, new(big.Int).Neg(tx.Value()))
		if tx.To() != nil {
			b.addBalance(*tx.To(), tx.Value())
		}
	}

	status := types.ReceiptStatusSuccessful
	if outcome.Failed {
		status = types.ReceiptStatusFailed
	}
	blockHash := BlockHash(sent.Block)
	receipt := &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           gasUsed,
		CumulativeGasUsed: gasUsed,
		EffectiveGasPrice: new(big.Int).Set(tx.GasPrice()),
		BlockHash:         blockHash,
		BlockNumber:       new(big.Int).SetUint64(sent.Block),
	}
	if !outcome.Failed {
		for i, l := range outcome.Logs {
			l.TxHash = tx.Hash()
			l.BlockHash = blockHash
			l.BlockNumber = sent.Block
			l.Index = uint(i)
			receipt.Logs = append(receipt.Logs, l)
		}
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

// TransactionByHash implements chainclient.Backend
func (b *Backend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx, ok := b.txs[hash]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

// TransactionReceipt implements chainclient.Backend
func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if receipt, ok := b.receipts[hash]; ok {
		return receipt, nil
	}
	if b.relay {
		b.block++
		receipt := &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			TxHash:            hash,
			EffectiveGasPrice: new(big.Int),
			BlockHash:         BlockHash(b.block),
			BlockNumber:       new(big.Int).SetUint64(b.block),
		}
		b.receipts[hash] = receipt
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

// RelayReceipts makes the backend report a successful receipt for transactions it never
// received, the way an L2 reports deposits included by the sequencer
func (b *Backend) RelayReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = true
}

// PutReceipt stores a receipt for a transaction that was not submitted through the backend
func (b *Backend) PutReceipt(receipt *types.Receipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[receipt.TxHash] = receipt
}

// FilterLogs implements bind.ContractFilterer
func (b *Backend) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

// SubscribeFilterLogs implements bind.ContractFilterer
func (b *Backend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("chaintest: subscriptions not supported")
}

// GetProof implements chainclient.Backend
func (b *Backend) GetProof(_ context.Context, account common.Address, _ []string, _ *big.Int) (*gethclient.AccountResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if proof, ok := b.proofs[account]; ok {
		return proof, nil
	}
	return nil, fmt.Errorf("chaintest: no proof for %s", account.Hex())
}

// Close implements chainclient.Backend
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// BlockHash returns the deterministic hash the backend assigns to block n
func BlockHash(n uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return crypto.Keccak256Hash([]byte("chaintest-block"), buf[:])
}

// Revert returns an eth_call error carrying an Error(string) payload
func Revert(reason string) error {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
	return &revertError{reason: reason, data: hexutil.Encode(data)}
}

type revertError struct {
	reason string
	data   string
}

func (e *revertError) Error() string          { return "execution reverted: " + e.reason }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

func selector(id []byte) [4]byte {
	var s [4]byte
	copy(s[:], id)
	return s
}

// TestKeyHex is a well known development key, never fund it on a real network
const TestKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// TestAccount is the address of TestKeyHex
var TestAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
