package config

import (
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// Config holds the configuration for the runner service
type Config struct {
	PrivateKey     string
	HTTPPort       string
	MetricsAPIKey  string
	Chains         map[ChainKey]ChainEndpoint
	CCTP           CCTPConfig
	Bridge         BridgeConfig
	Swap           SwapConfig
	ReceiptPoll    time.Duration
	Gas            GasConfig
	Server         ServerConfig
	Journal        JournalConfig
	NATS           NATSConfig
	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// CCTPConfig holds the burn/mint bridging configuration
type CCTPConfig struct {
	AttestationBaseURL string
	PollInterval       time.Duration
	MaxWait            time.Duration
}

// BridgeConfig holds the rollup bridging configuration
type BridgeConfig struct {
	GasReserve         *big.Int
	WithdrawalPollTime time.Duration
}

// SwapConfig holds the swap executor configuration
type SwapConfig struct {
	ApprovalPolicy string
	RouterDeadline time.Duration
	V3FeeTier      uint32
	UnwrapWETH     bool
}

// GasConfig holds the gas pricing configuration
type GasConfig struct {
	Multiplier      float64
	RefreshInterval time.Duration
}

// ServerConfig holds the control surface configuration
type ServerConfig struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// JournalConfig holds the stage journal configuration
type JournalConfig struct {
	Backend string
	Path    string
	DSN     string
}

// NATSConfig holds the run event publication configuration
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	privateKey, err := GetEnvPrivateKey()
	if err != nil {
		return nil, err
	}

	httpPort, err := GetEnvHTTPPort()
	if err != nil {
		return nil, err
	}

	chains, err := GetEnvChainConfigs()
	if err != nil {
		return nil, err
	}

	attestationURL, err := GetEnvAttestationBaseURL()
	if err != nil {
		return nil, err
	}

	attestationPoll, err := GetEnvAttestationPollInterval()
	if err != nil {
		return nil, err
	}

	attestationMaxWait, err := GetEnvAttestationMaxWait()
	if err != nil {
		return nil, err
	}

	receiptPoll, err := GetEnvReceiptPollInterval()
	if err != nil {
		return nil, err
	}

	withdrawalPoll, err := GetEnvWithdrawalPollInterval()
	if err != nil {
		return nil, err
	}

	gasReserve, err := GetEnvGasReserve()
	if err != nil {
		return nil, err
	}

	approvalPolicy, err := GetEnvApprovalPolicy()
	if err != nil {
		return nil, err
	}

	routerDeadline, err := GetEnvSwapDeadline()
	if err != nil {
		return nil, err
	}

	feeTier, err := GetEnvV3FeeTier()
	if err != nil {
		return nil, err
	}

	unwrapWETH, err := GetEnvUnwrapWETH()
	if err != nil {
		return nil, err
	}

	gasMultiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return nil, err
	}

	gasRefresh, err := GetEnvGasPriceRefreshInterval()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvRateLimitPerMinute()
	if err != nil {
		return nil, err
	}

	journal, err := GetEnvJournalConfig()
	if err != nil {
		return nil, err
	}

	natsConfig, err := GetEnvNATSConfig()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PrivateKey:    privateKey,
		HTTPPort:      httpPort,
		MetricsAPIKey: envOr("METRICS_API_KEY", ""),
		Chains:        chains,
		CCTP: CCTPConfig{
			AttestationBaseURL: attestationURL,
			PollInterval:       attestationPoll,
			MaxWait:            attestationMaxWait,
		},
		Bridge: BridgeConfig{
			GasReserve:         gasReserve,
			WithdrawalPollTime: withdrawalPoll,
		},
		Swap: SwapConfig{
			ApprovalPolicy: approvalPolicy,
			RouterDeadline: routerDeadline,
			V3FeeTier:      feeTier,
			UnwrapWETH:     unwrapWETH,
		},
		ReceiptPoll: receiptPoll,
		Gas: GasConfig{
			Multiplier:      gasMultiplier,
			RefreshInterval: gasRefresh,
		},
		Server: ServerConfig{
			AllowedOrigins:     GetEnvCORSAllowedOrigins(),
			RateLimitPerMinute: rateLimit,
		},
		Journal: journal,
		NATS:    natsConfig,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	required := []struct {
		chain ChainKey
		name  string
		empty func(Contracts) bool
	}{
		{Sepolia, "GIWA_PORTAL_ADDRESS", func(c Contracts) bool { return c.BridgePortal == (common.Address{}) }},
		{Sepolia, "CCTP_MESSAGE_TRANSMITTER", func(c Contracts) bool { return c.MessageTransmitter == (common.Address{}) }},
		{BaseSepolia, "CCTP_TOKEN_MESSENGER", func(c Contracts) bool { return c.TokenMessenger == (common.Address{}) }},
		{BaseSepolia, "USDC_BASE", func(c Contracts) bool { return c.USDC == (common.Address{}) }},
		{Giwa, "GIWA_MESSAGE_PASSER_ADDRESS", func(c Contracts) bool { return c.MessagePasser == (common.Address{}) }},
	}

	for _, r := range required {
		chain, ok := cfg.Chains[r.chain]
		if !ok {
			return fmt.Errorf("chain %s is not configured", r.chain)
		}
		if r.empty(chain.Contracts) {
			return fmt.Errorf("%s for chain %s is required", r.name, r.chain)
		}
	}
	if cfg.Bridge.GasReserve == nil {
		return fmt.Errorf("gas reserve is required")
	}
	return nil
}
