package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/giwa-runner/pkg/circuitbreaker"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
)

// Factory builds and caches read and write clients for the configured chains
type Factory struct {
	chains        map[config.ChainKey]config.ChainEndpoint
	key           *ecdsa.PrivateKey
	signer        common.Address
	dial          DialFunc
	pollInterval  time.Duration
	gasMultiplier float64
	breakerCfg    config.CircuitBreakerConfig
	logger        logger.Logger

	mu       sync.Mutex
	clients  map[config.ChainKey]*ReadClient
	breakers map[config.ChainKey]*circuitbreaker.CircuitBreaker
}

// Option configures a Factory
type Option func(*Factory)

// WithDialer replaces the JSON-RPC dialer, used by tests
func WithDialer(dial DialFunc) Option {
	return func(f *Factory) { f.dial = dial }
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(f *Factory) { f.logger = log }
}

// WithPollInterval sets the receipt polling interval of created clients
func WithPollInterval(d time.Duration) Option {
	return func(f *Factory) { f.pollInterval = d }
}

// WithGasMultiplier makes write clients price transactions at the suggested gas price times m
func WithGasMultiplier(m float64) Option {
	return func(f *Factory) { f.gasMultiplier = m }
}

// WithCircuitBreaker sets the primary RPC breaker configuration
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) Option {
	return func(f *Factory) { f.breakerCfg = cfg }
}

// NewFactory creates a client factory, an empty private key yields a read-only factory
func NewFactory(chains map[config.ChainKey]config.ChainEndpoint, privateKeyHex string, opts ...Option) (*Factory, error) {
	f := &Factory{
		chains:       chains,
		dial:         DialRPC,
		pollInterval: time.Duration(config.DefaultReceiptPollInterval) * time.Second,
		breakerCfg: config.CircuitBreakerConfig{
			Enabled:        config.DefaultCircuitBreakerEnabled,
			Threshold:      config.DefaultCircuitBreakerThreshold,
			WindowDuration: config.DefaultCircuitBreakerWindow * time.Second,
			ResetTimeout:   config.DefaultCircuitBreakerReset * time.Second,
		},
		logger:   &logger.EmptyLogger{},
		clients:  make(map[config.ChainKey]*ReadClient),
		breakers: make(map[config.ChainKey]*circuitbreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		f.key = key
		f.signer = crypto.PubkeyToAddress(key.PublicKey)
	}

	for key := range chains {
		f.breakers[key] = circuitbreaker.NewCircuitBreaker(
			f.breakerCfg.Enabled,
			f.breakerCfg.Threshold,
			f.breakerCfg.WindowDuration,
			f.breakerCfg.ResetTimeout,
		)
	}
	return f, nil
}

// Chain returns the endpoint definition of a chain
func (f *Factory) Chain(key config.ChainKey) (config.ChainEndpoint, bool) {
	chain, ok := f.chains[key]
	return chain, ok
}

// Chains returns the configured chain keys in a stable order
func (f *Factory) Chains() []config.ChainKey {
	return config.SortedKeys(f.chains)
}

// Signer returns the signing account, false when the factory is read-only
func (f *Factory) Signer() (common.Address, bool) {
	return f.signer, f.key != nil
}

// Breaker returns the primary RPC breaker of a chain
func (f *Factory) Breaker(key config.ChainKey) *circuitbreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakers[key]
}

// Connected returns true if a client for the chain has been dialed
func (f *Factory) Connected(key config.ChainKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[key]
	return ok
}

// Read returns the public client of a chain, dialing it on first use. The dial
// runs without holding the factory lock, a slow RPC only delays its own chain.
func (f *Factory) Read(ctx context.Context, key config.ChainKey) (*ReadClient, error) {
	f.mu.Lock()
	client, ok := f.clients[key]
	breaker := f.breakers[key]
	f.mu.Unlock()
	if ok {
		return client, nil
	}

	chain, ok := f.chains[key]
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", key)
	}

	urls := []string{chain.RPCURL}
	if chain.HasFallback() {
		urls = append(urls, chain.FallbackRPCURL)
		if breaker.IsOpen() {
			urls = []string{chain.FallbackRPCURL, chain.RPCURL}
		}
	}

	var lastErr error
	for i, rpcURL := range urls {
		backend, err := f.connect(ctx, chain, rpcURL)
		if err != nil {
			if rpcURL == chain.RPCURL {
				breaker.RecordFailure()
			}
			f.logger.ErrorWithChain(chain.ChainID, "Failed to connect to %s: %v", rpcURL, err)
			lastErr = err
			if isChainMismatch(err) {
				return nil, err
			}
			continue
		}

		if rpcURL == chain.RPCURL {
			breaker.RecordSuccess()
		} else {
			metrics.RPCFallbacks.WithLabelValues(string(key)).Inc()
			f.logger.NoticeWithChain(chain.ChainID, "Using fallback RPC %s (attempt %d)", rpcURL, i+1)
		}

		return f.store(key, NewReadClient(chain, rpcURL, backend, f.pollInterval, f.logger)), nil
	}
	return nil, fmt.Errorf("failed to connect to chain %s: %w", key, lastErr)
}

// store caches client unless a concurrent Read got there first, the loser's backend is closed
func (f *Factory) store(key config.ChainKey, client *ReadClient) *ReadClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[key]; ok {
		client.Backend.Close()
		return existing
	}
	f.clients[key] = client
	return client
}

// Write returns the signing client of a chain for account, the zero account means the signer
func (f *Factory) Write(ctx context.Context, key config.ChainKey, account common.Address) (*WriteClient, error) {
	if f.key == nil {
		return nil, ErrWalletUnavailable
	}
	if account != (common.Address{}) && account != f.signer {
		return nil, fmt.Errorf("%w: no signer for account %s", ErrWalletUnavailable, account.Hex())
	}

	read, err := f.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	w, err := newWriteClient(read, f.key, f.gasMultiplier)
	if err != nil {
		return nil, err
	}
	if f.gasMultiplier > 0 {
		if _, err := w.RefreshGasPrice(ctx); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Close closes all dialed backends
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, client := range f.clients {
		client.Backend.Close()
		delete(f.clients, key)
	}
}

// connect dials rpcURL and checks it serves the expected chain
func (f *Factory) connect(ctx context.Context, chain config.ChainEndpoint, rpcURL string) (Backend, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	backend, err := f.dial(dialCtx, rpcURL)
	if err != nil {
		return nil, err
	}

	chainID, err := backend.ChainID(dialCtx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Int64() != int64(chain.ChainID) {
		backend.Close()
		return nil, fmt.Errorf("%w: %s serves chain %d, expected %d", ErrChainSwitchRejected, rpcURL, chainID.Int64(), chain.ChainID)
	}
	return backend, nil
}

func isChainMismatch(err error) bool {
	return errors.Is(err, ErrChainSwitchRejected)
}
