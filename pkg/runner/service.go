// Package runner assembles the chain clients, executors, orchestrator and
// control server into one service.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/approval"
	"github.com/speedrun-hq/giwa-runner/pkg/bridge"
	"github.com/speedrun-hq/giwa-runner/pkg/cctp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/events"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/journal"
	"github.com/speedrun-hq/giwa-runner/pkg/lock"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
	"github.com/speedrun-hq/giwa-runner/pkg/oracle"
	"github.com/speedrun-hq/giwa-runner/pkg/pipeline"
	"github.com/speedrun-hq/giwa-runner/pkg/server"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

// swap executors built at startup, chains without the contracts are skipped
var swapTargets = []pipeline.SwapKey{
	{Chain: config.Sepolia, Engine: swap.EngineCustom},
	{Chain: config.Sepolia, Engine: swap.EngineUniswapV3},
	{Chain: config.Irys, Engine: swap.EngineCustom},
	{Chain: config.Irys, Engine: swap.EngineUniswapV3},
}

// Service is the runner process
type Service struct {
	config       *config.Config
	clients      *chainclient.Factory
	gasWatcher   *chainclient.GasWatcher
	bus          *events.Bus
	journal      journal.Store
	orchestrator *pipeline.Orchestrator
	server       *server.Server
	logger       logger.Logger
}

// NewService creates the runner service
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	stdLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	stdLogger.SetChainLabels(chainLabels(cfg.Chains))

	clients, err := chainclient.NewFactory(
		cfg.Chains,
		cfg.PrivateKey,
		chainclient.WithLogger(stdLogger),
		chainclient.WithPollInterval(cfg.ReceiptPoll),
		chainclient.WithGasMultiplier(cfg.Gas.Multiplier),
		chainclient.WithCircuitBreaker(cfg.CircuitBreaker),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain clients: %v", err)
	}
	account, ok := clients.Signer()
	if !ok {
		stdLogger.Notice("No private key configured, runs will fail until one is set")
	} else {
		stdLogger.Info("Runs will be signed by %s", account.Hex())
	}
	for _, key := range clients.Chains() {
		chain, _ := clients.Chain(key)
		stdLogger.InfoWithChain(chain.ChainID, "%s configured on chain %d", chain.Name, chain.ChainID)
	}

	bridgeExecutor, err := bridge.NewExecutor(clients, config.Sepolia, config.Giwa,
		cfg.Bridge.GasReserve, cfg.Bridge.WithdrawalPollTime, stdLogger)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("failed to create bridge executor: %v", err)
	}

	attestations := cctp.NewAttestationClient(cfg.CCTP.AttestationBaseURL, stdLogger)
	cctpExecutor, err := cctp.NewExecutor(clients, config.BaseSepolia, config.Sepolia,
		attestations, cfg.CCTP.PollInterval, cfg.CCTP.MaxWait, stdLogger)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("failed to create cctp executor: %v", err)
	}

	swappers, err := newSwappers(clients, cfg.Swap, stdLogger)
	if err != nil {
		clients.Close()
		return nil, err
	}

	store, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("failed to open journal: %v", err)
	}

	var sinks []events.Sink
	if cfg.NATS.URL != "" {
		natsSink, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix, stdLogger)
		if err != nil {
			// the websocket stream still works without the broker
			stdLogger.Error("Run events will not be published to NATS: %v", err)
		} else {
			sinks = append(sinks, natsSink)
		}
	}
	bus := events.NewBus(stdLogger, sinks...)

	orchestrator, err := pipeline.New(pipeline.Deps{
		Account:  account,
		Bridge:   bridgeExecutor,
		CCTP:     cctpExecutor,
		Swappers: swappers,
		Chains:   pipeline.FactoryChains(clients),
		Symbols:  intent.SymbolsFrom(cfg.Chains),
		Oracle:   oracle.New(cfg.ReceiptPoll, stdLogger),
		Journal:  store,
		Events:   bus,
		Lock:     lock.New(),
		Logger:   stdLogger,
	})
	if err != nil {
		bus.Close()
		closeJournal(store)
		clients.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %v", err)
	}

	gasWatcher := chainclient.NewGasWatcher(clients, cfg.Gas.RefreshInterval, stdLogger)

	srv, err := server.NewServer(server.Config{
		Port:               cfg.HTTPPort,
		MetricsAPIKey:      cfg.MetricsAPIKey,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, server.Deps{
		Orchestrator: orchestrator,
		Clients:      clients,
		GasWatcher:   gasWatcher,
		Routes:       swap.NewRouteDetector(clients, swap.NewRouteCache(swap.DefaultRouteCacheTTL), stdLogger),
		Attestations: attestations,
		Logger:       stdLogger,
	})
	if err != nil {
		bus.Close()
		closeJournal(store)
		clients.Close()
		return nil, fmt.Errorf("failed to create control server: %v", err)
	}

	return &Service{
		config:       cfg,
		clients:      clients,
		gasWatcher:   gasWatcher,
		bus:          bus,
		journal:      store,
		orchestrator: orchestrator,
		server:       srv,
		logger:       stdLogger,
	}, nil
}

// log prefix of each chain the runner knows by key
var keyLabels = map[config.ChainKey]string{
	config.Sepolia:     "SEP",
	config.Giwa:        "GIWA",
	config.BaseSepolia: "BASE",
	config.Irys:        "IRYS",
}

// chainLabels maps the configured chain IDs to their log prefixes
func chainLabels(chains map[config.ChainKey]config.ChainEndpoint) map[int]string {
	labels := make(map[int]string, len(chains))
	for key, chain := range chains {
		label, ok := keyLabels[key]
		if !ok {
			label = string(key)
		}
		labels[chain.ChainID] = label
	}
	return labels
}

func newSwappers(clients *chainclient.Factory, cfg config.SwapConfig, log logger.Logger) (map[pipeline.SwapKey]pipeline.Swapper, error) {
	policy, err := approval.ParsePolicy(cfg.ApprovalPolicy)
	if err != nil {
		return nil, err
	}

	swappers := make(map[pipeline.SwapKey]pipeline.Swapper)
	for _, key := range swapTargets {
		if _, ok := clients.Chain(key.Chain); !ok {
			continue
		}
		executor, err := swap.NewExecutor(clients, swap.Params{
			Chain:      key.Chain,
			Engine:     key.Engine,
			Policy:     policy,
			Deadline:   cfg.RouterDeadline,
			FeeTier:    cfg.V3FeeTier,
			UnwrapWETH: cfg.UnwrapWETH,
		}, log)
		if err != nil {
			log.Debug("Swap engine %s on %s unavailable: %v", key.Engine, key.Chain, err)
			continue
		}
		swappers[key] = executor
	}
	log.Info("Configured %d swap executors", len(swappers))
	return swappers, nil
}

// Start serves until ctx is cancelled, then shuts every component down
func (s *Service) Start(ctx context.Context) {
	s.gasWatcher.Start(ctx)

	go s.startMetricsUpdater(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Start()
	}()

	select {
	case <-ctx.Done():
		s.logger.Notice("Context cancelled, shutting down service")
	case err := <-serverErr:
		if err != nil {
			s.logger.Error("Control server stopped: %v", err)
		}
	}
	s.shutdown()
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Control server shutdown: %v", err)
	}
	if err := s.orchestrator.Shutdown(ctx); err != nil {
		s.logger.Error("Active runs did not stop in time: %v", err)
	}
	s.gasWatcher.Stop()
	s.bus.Close()
	closeJournal(s.journal)
	s.clients.Close()
	s.logger.Notice("Service stopped")
}

func closeJournal(store journal.Store) {
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// startMetricsUpdater refreshes the signer balance gauges periodically
func (s *Service) startMetricsUpdater(ctx context.Context) {
	account, ok := s.clients.Signer()
	if !ok {
		return
	}

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	s.updateMetrics(ctx, account)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics(ctx, account)
		}
	}
}

func (s *Service) updateMetrics(ctx context.Context, account common.Address) {
	s.logger.Debug("Starting metrics update...")
	for _, key := range s.clients.Chains() {
		chain, _ := s.clients.Chain(key)
		client, err := s.clients.Read(ctx, key)
		if err != nil {
			s.logger.DebugWithChain(chain.ChainID, "Skipping balance metrics: %v", err)
			continue
		}
		chainID := strconv.Itoa(chain.ChainID)

		if balance, err := client.Balance(ctx, account); err == nil {
			metrics.SetTokenBalance(chainID, chain.NativeSymbol, balance, intent.NativeDecimals)
		} else {
			s.logger.DebugWithChain(chain.ChainID, "Error getting native balance: %v", err)
		}

		if chain.Contracts.USDC == (common.Address{}) {
			continue
		}
		token := contracts.NewToken(chain.Contracts.USDC, client.Backend)
		if balance, err := token.BalanceOf(ctx, account); err == nil {
			metrics.SetTokenBalance(chainID, "USDC", balance, intent.USDCDecimals)
		} else {
			s.logger.DebugWithChain(chain.ChainID, "Error getting USDC balance: %v", err)
		}
	}
}
