package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

const (
	// DefaultHTTPPort defines the default port for the control surface
	DefaultHTTPPort = "8080"

	// DefaultAttestationBaseURL defines the default attestation service endpoint, the message hash is appended
	DefaultAttestationBaseURL = "https://iris-api-sandbox.circle.com/v1/attestations/"

	// DefaultAttestationPollInterval defines the default attestation polling interval in seconds
	DefaultAttestationPollInterval = 5

	// DefaultAttestationMaxWait defines the default ceiling for attestation polling, 0 means unbounded
	DefaultAttestationMaxWait = 0

	// DefaultReceiptPollInterval defines the default receipt polling interval in seconds
	DefaultReceiptPollInterval = 2

	// DefaultWithdrawalPollInterval defines the default prove/finalize polling interval in seconds
	DefaultWithdrawalPollInterval = 30

	// DefaultGasReserve is left on L1 when capping deposits (0.0005 ETH)
	DefaultGasReserve = "500000000000000"

	// DefaultGasMultiplier defines the buffer applied to suggested gas prices (10%)
	DefaultGasMultiplier = 1.1

	// DefaultGasPriceRefreshInterval defines how often gas prices are refreshed in seconds
	DefaultGasPriceRefreshInterval = 60

	// DefaultApprovalPolicy defines the default allowance policy for swaps and burns
	DefaultApprovalPolicy = "exact"

	// DefaultSwapDeadlineSeconds defines the router deadline for Uniswap V3 swaps
	DefaultSwapDeadlineSeconds = 900

	// DefaultV3FeeTier defines the pool fee tier for Uniswap V3 swaps
	DefaultV3FeeTier = 2500

	// DefaultUnwrapWETH defines whether WETH received from a V3 swap is unwrapped
	DefaultUnwrapWETH = true

	// DefaultCORSAllowedOrigins defines the default CORS origins for the control surface
	DefaultCORSAllowedOrigins = "*"

	// DefaultRateLimitPerMinute defines the default per-IP request budget
	DefaultRateLimitPerMinute = 120

	// DefaultJournalBackend defines the default stage journal backend
	DefaultJournalBackend = "memory"

	// DefaultJournalPath defines the default file journal location
	DefaultJournalPath = "giwa-runs.json"

	// DefaultNATSSubjectPrefix defines the subject prefix for run events
	DefaultNATSSubjectPrefix = "giwa.runs"

	// DefaultCircuitBreakerEnabled defines whether RPC circuit breakers are enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the primary RPC is skipped
	DefaultCircuitBreakerThreshold = 3

	// DefaultCircuitBreakerWindow defines the failure window in seconds
	DefaultCircuitBreakerWindow = 60

	// DefaultCircuitBreakerReset defines the reset timeout in seconds
	DefaultCircuitBreakerReset = 300

	// Chain specific values
	// These can still be overridden by environment variables for debugging purposes

	// Sepolia (L1)

	SepoliaChainID                = 11155111
	SepoliaCCTPDomain             = 0
	SepoliaUSDCAddress            = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	SepoliaMessageTransmitter     = "0x7865fAfC2db2093669d92c0F33AeEF291086BEFD"
	SepoliaCustomRouterAddress    = "0x6e34AE9C414aa726DbBAf98b1686CB8fe43b8EAb"
	SepoliaV3RouterAddress        = "0x3bFA4769FB09eefC5a80d6E87c3B9C650f7Ae48E"
	SepoliaWETHAddress            = "0xfff9976782d46cc05630d1f6ebab18b2324d6b14"
	GiwaPortalAddress             = "0x956962C34687A954e611A83619ABaA37Ce6bC78A"
	GiwaDisputeGameFactoryAddress = "0x37347caB2afaa49B776372279143D71ad1f354F6"
	GiwaL1StandardBridgeAddress   = "0x77b2ffc0F57598cAe1DB76cb398059cF5d10A7E7"

	DefaultSepoliaRPCURL         = "https://sepolia.drpc.org"
	DefaultSepoliaFallbackRPCURL = "https://ethereum-sepolia-rpc.publicnode.com"

	// GIWA Sepolia (L2)

	GiwaChainID          = 91342
	GiwaMessagePasser    = "0x4200000000000000000000000000000000000016"
	DefaultGiwaRPCURL    = "https://sepolia-rpc.giwa.io"
	DefaultGiwaFallback  = "https://sepolia-rpc.giwa.io"
	DefaultNativeSymbol  = "ETH"
	DefaultIrysNativeSym = "IRYS"

	// Base Sepolia (CCTP source)

	BaseSepoliaChainID        = 84532
	BaseSepoliaCCTPDomain     = 6
	BaseSepoliaUSDCAddress    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	BaseSepoliaTokenMessenger = "0x9f3B8679c73C2Fef8b59B4f3444d4e156fb70AA5"
	DefaultBaseRPCURL         = "https://sepolia.base.org"
	DefaultBaseFallbackRPCURL = "https://base-sepolia-rpc.publicnode.com"

	// Irys testnet (DEX chain), contracts have no defaults

	IrysChainID       = 1270
	DefaultIrysRPCURL = "https://testnet-rpc.irys.xyz/v1/execution-rpc"
)

// GetEnvHTTPPort returns the control surface port
func GetEnvHTTPPort() (string, error) {
	port := os.Getenv("HTTP_PORT")
	if port == "" {
		return DefaultHTTPPort, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid HTTP_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvPrivateKey returns the signer key without the 0x prefix, empty means read-only mode
func GetEnvPrivateKey() (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(os.Getenv("PRIVATE_KEY")), "0x")
	if key == "" {
		return "", nil
	}
	if len(key) != 64 {
		return "", fmt.Errorf("invalid PRIVATE_KEY value: must be 32 bytes hex encoded")
	}
	return key, nil
}

// GetEnvAttestationBaseURL returns the attestation service base URL, always ending with a slash
func GetEnvAttestationBaseURL() (string, error) {
	base := os.Getenv("CCTP_ATTESTATION_BASE_URL")
	if base == "" {
		return DefaultAttestationBaseURL, nil
	}

	if _, err := url.ParseRequestURI(base); err != nil {
		return "", fmt.Errorf("invalid CCTP_ATTESTATION_BASE_URL value: %s, must be a valid URL", base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base, nil
}

// GetEnvAttestationPollInterval returns the attestation polling interval
func GetEnvAttestationPollInterval() (time.Duration, error) {
	return getEnvSeconds("ATTESTATION_POLL_INTERVAL", DefaultAttestationPollInterval, false)
}

// GetEnvAttestationMaxWait returns the attestation polling ceiling, 0 means unbounded
func GetEnvAttestationMaxWait() (time.Duration, error) {
	return getEnvSeconds("ATTESTATION_MAX_WAIT", DefaultAttestationMaxWait, true)
}

// GetEnvReceiptPollInterval returns the receipt polling interval
func GetEnvReceiptPollInterval() (time.Duration, error) {
	return getEnvSeconds("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval, false)
}

// GetEnvWithdrawalPollInterval returns the prove/finalize polling interval
func GetEnvWithdrawalPollInterval() (time.Duration, error) {
	return getEnvSeconds("WITHDRAWAL_POLL_INTERVAL", DefaultWithdrawalPollInterval, false)
}

// GetEnvGasReserve returns the native amount in wei kept on L1 when capping deposits
func GetEnvGasReserve() (*big.Int, error) {
	reserve := os.Getenv("GAS_RESERVE_WEI")
	if reserve == "" {
		reserve = DefaultGasReserve
	}

	reserveBig, ok := new(big.Int).SetString(reserve, 10)
	if !ok {
		return nil, fmt.Errorf("invalid GAS_RESERVE_WEI value: %s, must be a valid integer string", reserve)
	}
	if reserveBig.Sign() < 0 {
		return nil, fmt.Errorf("GAS_RESERVE_WEI must be greater than or equal to 0")
	}
	return reserveBig, nil
}

// GetEnvGasMultiplier returns the multiplier applied to suggested gas prices
func GetEnvGasMultiplier() (float64, error) {
	multiplier := os.Getenv("GAS_MULTIPLIER")
	if multiplier == "" {
		return DefaultGasMultiplier, nil
	}

	parsed, err := strconv.ParseFloat(multiplier, 64)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a positive number", multiplier)
	}
	return parsed, nil
}

// GetEnvGasPriceRefreshInterval returns the gas price refresh interval
func GetEnvGasPriceRefreshInterval() (time.Duration, error) {
	return getEnvSeconds("GAS_PRICE_REFRESH_INTERVAL", DefaultGasPriceRefreshInterval, false)
}

// GetEnvApprovalPolicy returns the allowance policy, either "exact" or "unlimited"
func GetEnvApprovalPolicy() (string, error) {
	policy := strings.ToLower(os.Getenv("APPROVAL_POLICY"))
	if policy == "" {
		return DefaultApprovalPolicy, nil
	}
	if policy != "exact" && policy != "unlimited" {
		return "", fmt.Errorf("invalid APPROVAL_POLICY value: %s, must be 'exact' or 'unlimited'", policy)
	}
	return policy, nil
}

// GetEnvSwapDeadline returns the router deadline added to the current time for V3 swaps
func GetEnvSwapDeadline() (time.Duration, error) {
	return getEnvSeconds("SWAP_DEADLINE_SECONDS", DefaultSwapDeadlineSeconds, false)
}

// GetEnvV3FeeTier returns the Uniswap V3 fee tier used for swaps
func GetEnvV3FeeTier() (uint32, error) {
	tier := os.Getenv("V3_FEE_TIER")
	if tier == "" {
		return DefaultV3FeeTier, nil
	}

	tierInt, err := strconv.ParseUint(tier, 10, 32)
	if err != nil || tierInt == 0 || tierInt >= 1000000 {
		return 0, fmt.Errorf("invalid V3_FEE_TIER value: %s, must be an integer in (0, 1000000)", tier)
	}
	return uint32(tierInt), nil
}

// GetEnvUnwrapWETH returns whether WETH received from a V3 swap is unwrapped into native currency
func GetEnvUnwrapWETH() (bool, error) {
	unwrap := os.Getenv("UNWRAP_WETH_AFTER_SWAP")
	if unwrap == "" {
		return DefaultUnwrapWETH, nil
	}

	switch strings.ToLower(unwrap) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid UNWRAP_WETH_AFTER_SWAP value: %s, must be 'true' or 'false'", unwrap)
}

// GetEnvCORSAllowedOrigins returns the allowed CORS origins
func GetEnvCORSAllowedOrigins() []string {
	origins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if origins == "" {
		origins = DefaultCORSAllowedOrigins
	}

	var out []string
	for _, origin := range strings.Split(origins, ",") {
		if o := strings.TrimSpace(origin); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GetEnvRateLimitPerMinute returns the per-IP request budget
func GetEnvRateLimitPerMinute() (int, error) {
	limit := os.Getenv("RATE_LIMIT_PER_MINUTE")
	if limit == "" {
		return DefaultRateLimitPerMinute, nil
	}

	limitInt, err := strconv.Atoi(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE value: %s, must be an integer", limit)
	}
	if limitInt <= 0 {
		return 0, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be greater than 0")
	}
	return limitInt, nil
}

// GetEnvJournalConfig returns the stage journal configuration
func GetEnvJournalConfig() (JournalConfig, error) {
	backend := strings.ToLower(os.Getenv("JOURNAL_BACKEND"))
	if backend == "" {
		backend = DefaultJournalBackend
	}

	cfg := JournalConfig{
		Backend: backend,
		Path:    os.Getenv("JOURNAL_PATH"),
		DSN:     os.Getenv("JOURNAL_DSN"),
	}

	switch backend {
	case "memory":
	case "file":
		if cfg.Path == "" {
			cfg.Path = DefaultJournalPath
		}
	case "postgres":
		if cfg.DSN == "" {
			return cfg, fmt.Errorf("JOURNAL_DSN is required when JOURNAL_BACKEND is 'postgres'")
		}
	default:
		return cfg, fmt.Errorf("invalid JOURNAL_BACKEND value: %s, must be 'memory', 'file' or 'postgres'", backend)
	}
	return cfg, nil
}

// GetEnvNATSConfig returns the NATS event publication configuration, empty URL disables it
func GetEnvNATSConfig() (NATSConfig, error) {
	natsURL := os.Getenv("NATS_URL")
	prefix := os.Getenv("NATS_SUBJECT_PREFIX")
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}

	if natsURL != "" {
		if _, err := url.Parse(natsURL); err != nil {
			return NATSConfig{}, fmt.Errorf("invalid NATS_URL value: %s", natsURL)
		}
	}
	return NATSConfig{URL: natsURL, SubjectPrefix: prefix}, nil
}

// GetEnvCircuitBreakerEnabled returns whether RPC circuit breakers are enabled
func GetEnvCircuitBreakerEnabled() (bool, error) {
	enabled := os.Getenv("CIRCUIT_BREAKER_ENABLED")
	if enabled == "" {
		return DefaultCircuitBreakerEnabled, nil
	}

	switch enabled {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid CIRCUIT_BREAKER_ENABLED value: %s, must be 'true' or 'false'", enabled)
}

// GetEnvCircuitBreakerThreshold returns the number of failures before the circuit breaker trips
func GetEnvCircuitBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultCircuitBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvCircuitBreakerWindow returns the circuit breaker failure window
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	window := os.Getenv("CIRCUIT_BREAKER_WINDOW")
	if window == "" {
		return DefaultCircuitBreakerWindow * time.Second, nil
	}

	parsed, err := time.ParseDuration(window)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_WINDOW value: %s, must be a valid duration string", window)
	}
	return parsed, nil
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	reset := os.Getenv("CIRCUIT_BREAKER_RESET")
	if reset == "" {
		return DefaultCircuitBreakerReset * time.Second, nil
	}

	parsed, err := time.ParseDuration(reset)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_RESET value: %s, must be a valid duration string", reset)
	}
	return parsed, nil
}

// GetEnvLogLevel returns the log level
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be 'debug', 'info', 'notice' or 'error'", os.Getenv("LOG_LEVEL"))
	}
	return level, nil
}

// GetEnvLogColoring returns whether log output is colored
func GetEnvLogColoring() (bool, error) {
	coloring := os.Getenv("LOG_COLORING")
	switch coloring {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid LOG_COLORING value: %s, must be 'true' or 'false'", coloring)
}

// GetEnvChainConfigs returns the static chain table with environment overrides applied
func GetEnvChainConfigs() (map[ChainKey]ChainEndpoint, error) {
	sepolia := ChainEndpoint{
		Key:            Sepolia,
		ChainID:        SepoliaChainID,
		Name:           GetChainName(SepoliaChainID),
		RPCURL:         envOr("SEPOLIA_RPC_URL", DefaultSepoliaRPCURL),
		FallbackRPCURL: envOr("SEPOLIA_FALLBACK_RPC_URL", DefaultSepoliaFallbackRPCURL),
		NativeSymbol:   envOr("NATIVE_SYMBOL_SEPOLIA", DefaultNativeSymbol),
	}
	giwa := ChainEndpoint{
		Key:            Giwa,
		ChainID:        GiwaChainID,
		Name:           GetChainName(GiwaChainID),
		RPCURL:         envOr("GIWA_RPC_URL", DefaultGiwaRPCURL),
		FallbackRPCURL: envOr("GIWA_FALLBACK_RPC_URL", DefaultGiwaFallback),
		NativeSymbol:   envOr("NATIVE_SYMBOL_GIWA", DefaultNativeSymbol),
	}
	base := ChainEndpoint{
		Key:            BaseSepolia,
		ChainID:        BaseSepoliaChainID,
		Name:           GetChainName(BaseSepoliaChainID),
		RPCURL:         envOr("BASE_RPC_URL", DefaultBaseRPCURL),
		FallbackRPCURL: envOr("BASE_FALLBACK_RPC_URL", DefaultBaseFallbackRPCURL),
		NativeSymbol:   envOr("NATIVE_SYMBOL_BASE", DefaultNativeSymbol),
	}
	irys := ChainEndpoint{
		Key:            Irys,
		ChainID:        IrysChainID,
		Name:           GetChainName(IrysChainID),
		RPCURL:         envOr("IRYS_RPC_URL", DefaultIrysRPCURL),
		FallbackRPCURL: envOr("IRYS_FALLBACK_RPC_URL", DefaultIrysRPCURL),
		NativeSymbol:   envOr("NATIVE_SYMBOL_IRYS", DefaultIrysNativeSym),
	}

	sepoliaDomain, err := getEnvUint32("CCTP_DOMAIN_SEPOLIA", SepoliaCCTPDomain)
	if err != nil {
		return nil, err
	}
	sepolia.CCTPDomain = sepoliaDomain
	baseDomain, err := getEnvUint32("CCTP_DOMAIN_BASE", BaseSepoliaCCTPDomain)
	if err != nil {
		return nil, err
	}
	base.CCTPDomain = baseDomain

	addresses := []struct {
		key    string
		dflt   string
		target *common.Address
	}{
		{"GIWA_PORTAL_ADDRESS", GiwaPortalAddress, &sepolia.Contracts.BridgePortal},
		{"GIWA_DISPUTE_GAME_FACTORY_ADDRESS", GiwaDisputeGameFactoryAddress, &sepolia.Contracts.DisputeGameFactory},
		{"GIWA_L1_STANDARD_BRIDGE_ADDRESS", GiwaL1StandardBridgeAddress, &sepolia.Contracts.L1StandardBridge},
		{"CCTP_MESSAGE_TRANSMITTER", SepoliaMessageTransmitter, &sepolia.Contracts.MessageTransmitter},
		{"USDC_SEPOLIA", SepoliaUSDCAddress, &sepolia.Contracts.USDC},
		{"CUSTOM_ROUTER_SEPOLIA", SepoliaCustomRouterAddress, &sepolia.Contracts.Router},
		{"V3_ROUTER_SEPOLIA", SepoliaV3RouterAddress, &sepolia.Contracts.V3Router},
		{"WETH_SEPOLIA", SepoliaWETHAddress, &sepolia.Contracts.WETH},
		{"V2_FACTORY_SEPOLIA", "", &sepolia.Contracts.V2Factory},
		{"V3_FACTORY_SEPOLIA", "", &sepolia.Contracts.V3Factory},
		{"GIWA_MESSAGE_PASSER_ADDRESS", GiwaMessagePasser, &giwa.Contracts.MessagePasser},
		{"USDC_BASE", BaseSepoliaUSDCAddress, &base.Contracts.USDC},
		{"CCTP_TOKEN_MESSENGER", BaseSepoliaTokenMessenger, &base.Contracts.TokenMessenger},
		{"USDC_IRYS", "", &irys.Contracts.USDC},
		{"CUSTOM_ROUTER_IRYS", "", &irys.Contracts.Router},
		{"WETH_IRYS", "", &irys.Contracts.WETH},
		{"V2_FACTORY_IRYS", "", &irys.Contracts.V2Factory},
		{"V3_FACTORY_IRYS", "", &irys.Contracts.V3Factory},
	}
	for _, a := range addresses {
		addr, err := getEnvAddress(a.key, a.dflt)
		if err != nil {
			return nil, err
		}
		*a.target = addr
	}

	chains := map[ChainKey]ChainEndpoint{
		Sepolia:     sepolia,
		Giwa:        giwa,
		BaseSepolia: base,
		Irys:        irys,
	}
	for key, chain := range chains {
		if _, err := url.ParseRequestURI(chain.RPCURL); err != nil {
			return nil, fmt.Errorf("invalid RPC URL for chain %s: %s", key, chain.RPCURL)
		}
	}
	return chains, nil
}

func envOr(key, dflt string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return dflt
}

func getEnvSeconds(key string, dflt int, allowZero bool) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return time.Duration(dflt) * time.Second, nil
	}

	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, value)
	}
	if seconds < 0 || (seconds == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnvUint32(key string, dflt uint32) (uint32, error) {
	value := os.Getenv(key)
	if value == "" {
		return dflt, nil
	}

	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an unsigned integer", key, value)
	}
	return uint32(parsed), nil
}

func getEnvAddress(key, dflt string) (common.Address, error) {
	value := envOr(key, dflt)
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", key, value)
	}
	return common.HexToAddress(value), nil
}
