package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giwa_runs_total",
		Help: "The total number of finished runs by mode and status",
	}, []string{"mode", "status"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "giwa_active_runs",
		Help: "The number of runs currently holding the execution lock",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giwa_stage_duration_seconds",
		Help:    "Time taken by each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s up to ~2h15m, withdrawals wait longer
	}, []string{"mode", "stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giwa_errors_total",
		Help: "Total number of run failures by error type",
	}, []string{"mode", "error_type"})

	AttestationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "giwa_attestation_wait_seconds",
		Help:    "Time spent polling the attestation service",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giwa_approvals_total",
		Help: "The total number of ERC20 approval transactions submitted",
	}, []string{"chain", "policy"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giwa_gas_used",
		Help:    "Gas used by submitted transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	}, []string{"chain_id"})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "giwa_gas_price_gwei",
		Help: "Last observed gas price in gwei",
	}, []string{"chain_id"})

	LockRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giwa_lock_rejections_total",
		Help: "Number of run starts rejected because another run was in progress",
	})

	RPCFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giwa_rpc_fallbacks_total",
		Help: "Number of times the fallback RPC URL was used for a chain",
	}, []string{"chain"})

	TokenBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "giwa_token_balance",
		Help: "Last observed balance of the signer, in whole tokens",
	}, []string{"chain_id", "symbol"})
)

// SetTokenBalance records a base unit balance as whole tokens
func SetTokenBalance(chainID, symbol string, balance *big.Int, decimals int32) {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), new(big.Float).SetInt(scale)).Float64()
	TokenBalance.WithLabelValues(chainID, symbol).Set(value)
}
