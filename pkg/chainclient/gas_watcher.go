package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// GasWatcher periodically refreshes the gas price of every connected chain
type GasWatcher struct {
	factory  *Factory
	interval time.Duration
	logger   logger.Logger

	mu       sync.RWMutex
	stopChan chan struct{}
	running  bool
	prices   map[config.ChainKey]*big.Int
	updated  map[config.ChainKey]time.Time
}

// NewGasWatcher creates a watcher over the factory's chains
func NewGasWatcher(factory *Factory, interval time.Duration, log logger.Logger) *GasWatcher {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &GasWatcher{
		factory:  factory,
		interval: interval,
		logger:   log,
		prices:   make(map[config.ChainKey]*big.Int),
		updated:  make(map[config.ChainKey]time.Time),
	}
}

// Start begins the periodic updates
func (w *GasWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	w.stopChan = make(chan struct{})
	w.running = true

	go w.run(ctx, w.stopChan)
}

// Stop halts the periodic updates
func (w *GasWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopChan)
	w.stopChan = nil
	w.running = false
}

// IsRunning returns whether the watcher is currently running
func (w *GasWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Price returns the last observed gas price of a chain and when it was observed
func (w *GasWatcher) Price(key config.ChainKey) (*big.Int, time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	price, ok := w.prices[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return new(big.Int).Set(price), w.updated[key], true
}

func (w *GasWatcher) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Refresh(ctx)

	for {
		select {
		case <-ticker.C:
			w.Refresh(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh performs a single update, chains that were never dialed are skipped
func (w *GasWatcher) Refresh(ctx context.Context) {
	for _, key := range w.factory.Chains() {
		if !w.factory.Connected(key) {
			continue
		}
		client, err := w.factory.Read(ctx, key)
		if err != nil {
			continue
		}

		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			w.logger.ErrorWithChain(client.ChainID(), "Failed to update gas price: %v", err)
			continue
		}

		w.mu.Lock()
		w.prices[key] = gasPrice
		w.updated[key] = time.Now()
		w.mu.Unlock()
	}
}
