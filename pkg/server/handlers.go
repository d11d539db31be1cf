package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/circuitbreaker"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/journal"
	"github.com/speedrun-hq/giwa-runner/pkg/lock"
	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
	"github.com/speedrun-hq/giwa-runner/pkg/pipeline"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
)

// errorResponse is the body of every non-2xx JSON answer
type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

type chainStatus struct {
	Name           string               `json:"name"`
	ChainID        int                  `json:"chain_id"`
	RPCURL         string               `json:"rpc_url"`
	FallbackRPCURL string               `json:"fallback_rpc_url,omitempty"`
	Connected      bool                 `json:"connected"`
	Circuit        circuitbreaker.State `json:"circuit"`
	LatestBlock    uint64               `json:"latest_block,omitempty"`
	GasPriceGwei   string               `json:"gas_price_gwei,omitempty"`
	GasPriceAt     *time.Time           `json:"gas_price_updated_at,omitempty"`
	TokenBalances  map[string]string    `json:"token_balances,omitempty"`
}

type statusResponse struct {
	Signer     string                 `json:"signer,omitempty"`
	Wallet     bool                   `json:"wallet"`
	Lock       *lock.Holder           `json:"lock,omitempty"`
	GasWatcher bool                   `json:"gas_watcher"`
	Chains     map[string]chainStatus `json:"chains"`
}

type chainBalance struct {
	Chain        config.ChainKey `json:"chain"`
	Native       string          `json:"native,omitempty"`
	NativeSymbol string          `json:"nativeSymbol,omitempty"`
	USDC         string          `json:"usdc,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type routeResponse struct {
	Chain  config.ChainKey `json:"chain"`
	TokenA common.Address  `json:"tokenA"`
	TokenB common.Address  `json:"tokenB"`
	Route  *swap.RouteInfo `json:"route"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status matching err and its taxonomy label
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Type: pipeline.ClassifyError(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, intent.ErrInvalidIntent):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrOperationInProgress), errors.Is(err, pipeline.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, chainclient.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, journal.ErrNotFound), errors.Is(err, swap.ErrNoRoute):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...), Type: "invalid_request"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady dials every chain, the runner is ready once all of them answer
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, key := range s.clients.Chains() {
		if _, err := s.clients.Read(r.Context(), key); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("Chain %s client not connected: %v", key, err)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	signer, wallet := s.clients.Signer()
	status := statusResponse{
		Wallet:     wallet,
		GasWatcher: s.gas != nil && s.gas.IsRunning(),
		Chains:     make(map[string]chainStatus),
	}
	if wallet {
		status.Signer = signer.Hex()
	}
	if holder, held := s.orchestrator.Lock().Holder(); held {
		status.Lock = &holder
	}

	for _, key := range s.clients.Chains() {
		chain, _ := s.clients.Chain(key)
		cs := chainStatus{
			Name:      chain.Name,
			ChainID:   chain.ChainID,
			RPCURL:    chain.RPCURL,
			Connected: s.clients.Connected(key),
		}
		if chain.HasFallback() {
			cs.FallbackRPCURL = chain.FallbackRPCURL
		}
		if cb := s.clients.Breaker(key); cb != nil {
			cs.Circuit = cb.State()
		}
		if s.gas != nil {
			if price, at, ok := s.gas.Price(key); ok {
				cs.GasPriceGwei = intent.FormatUnits(price, 9)
				cs.GasPriceAt = &at
			}
		}

		// only chains that were already dialed are queried
		if cs.Connected {
			if client, err := s.clients.Read(r.Context(), key); err == nil {
				if block, err := client.GetLatestBlockNumber(r.Context()); err == nil {
					cs.LatestBlock = block
				}
				if wallet {
					cs.TokenBalances = s.tokenBalances(r.Context(), client, chain, signer)
				}
			}
		}
		status.Chains[string(key)] = cs
	}

	writeJSON(w, http.StatusOK, status)
}

// tokenBalances reads the native and USDC balances of owner and updates the balance gauge
func (s *Server) tokenBalances(ctx context.Context, client *chainclient.ReadClient, chain config.ChainEndpoint, owner common.Address) map[string]string {
	balances := make(map[string]string)
	chainID := strconv.Itoa(chain.ChainID)

	if native, err := client.Balance(ctx, owner); err == nil {
		formatted := intent.FormatUnits(native, intent.NativeDecimals)
		balances[chain.NativeSymbol] = formatted
		metrics.SetTokenBalance(chainID, chain.NativeSymbol, native, intent.NativeDecimals)
	}
	if chain.Contracts.USDC != (common.Address{}) {
		token := contracts.NewToken(chain.Contracts.USDC, client.Backend)
		if balance, err := token.BalanceOf(ctx, owner); err == nil {
			balances["USDC"] = intent.FormatUnits(balance, intent.USDCDecimals)
			metrics.SetTokenBalance(chainID, "USDC", balance, intent.USDCDecimals)
		}
	}
	return balances
}

// handleCircuitReset is the circuit breaker admin control endpoint
func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	chainParam := r.URL.Query().Get("chain")
	if chainParam == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing chain parameter"))
		return
	}

	key, err := config.ParseChainKey(chainParam)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Invalid chain"))
		return
	}

	cb := s.clients.Breaker(key)
	if cb == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for chain %s", key)))
		return
	}

	cb.Reset()
	s.logger.Notice("Circuit breaker for chain %s reset", key)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for chain %s reset", key)))
}

func decodeIntent(w http.ResponseWriter, r *http.Request) (intent.Intent, error) {
	var in intent.Intent
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&in); err != nil {
		return in, fmt.Errorf("%w: malformed body: %v", intent.ErrInvalidIntent, err)
	}
	return in, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	in, err := decodeIntent(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	preview, err := s.orchestrator.Preview(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	in, err := decodeIntent(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.orchestrator.Start(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit %q", v)
			return
		}
		limit = n
	}
	runs, err := s.orchestrator.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orchestrator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orchestrator.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.orchestrator.Get(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	bus := s.orchestrator.Events()
	if run.FinishedAt != nil && len(bus.History(runID)) == 0 {
		// finished before this process started or evicted, nothing more will be published
		bus.Finish(runID)
	}
	s.ws.ServeWS(w, r, runID)
}

// handleRoutes detects the pool of a pair, the tokens default to the chain's USDC and WETH
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "route detection is not configured"})
		return
	}

	query := r.URL.Query()
	key := config.Sepolia
	if v := query.Get("chain"); v != "" {
		var err error
		if key, err = config.ParseChainKey(v); err != nil {
			badRequest(w, "%v", err)
			return
		}
	}
	chain, ok := s.clients.Chain(key)
	if !ok {
		badRequest(w, "chain %s is not configured", key)
		return
	}

	tokenA, err := tokenParam(query.Get("tokenA"), chain.Contracts.USDC)
	if err != nil {
		badRequest(w, "tokenA: %v", err)
		return
	}
	tokenB, err := tokenParam(query.Get("tokenB"), chain.Contracts.WETH)
	if err != nil {
		badRequest(w, "tokenB: %v", err)
		return
	}

	route, err := s.detector.Detect(r.Context(), key, tokenA, tokenB)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{Chain: key, TokenA: tokenA, TokenB: tokenB, Route: route})
}

func tokenParam(v string, dflt common.Address) (common.Address, error) {
	if v == "" {
		if dflt == (common.Address{}) {
			return common.Address{}, errors.New("required")
		}
		return dflt, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address %q", v)
	}
	return common.HexToAddress(v), nil
}

// handleAttestation proxies the attestation service, keeping its status code
func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	if s.attestations == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "attestation service is not configured"})
		return
	}

	raw, err := hexutil.Decode(chi.URLParam(r, "hash"))
	if err != nil || len(raw) != common.HashLength {
		badRequest(w, "invalid message hash %q", chi.URLParam(r, "hash"))
		return
	}

	status, body, err := s.attestations.Raw(r.Context(), common.BytesToHash(raw))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Type: pipeline.ClassifyError(err)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// handleBalances reads the native and USDC balances of an address on every chain
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		badRequest(w, "invalid address %q", addr)
		return
	}
	owner := common.HexToAddress(addr)

	keys := s.clients.Chains()
	balances := make([]chainBalance, 0, len(keys))
	for _, key := range keys {
		chain, _ := s.clients.Chain(key)
		b := chainBalance{Chain: key, NativeSymbol: chain.NativeSymbol}

		client, err := s.clients.Read(r.Context(), key)
		if err != nil {
			b.Error = err.Error()
			balances = append(balances, b)
			continue
		}
		native, err := client.Balance(r.Context(), owner)
		if err != nil {
			b.Error = err.Error()
			balances = append(balances, b)
			continue
		}
		b.Native = intent.FormatUnits(native, intent.NativeDecimals)

		if chain.Contracts.USDC != (common.Address{}) {
			usdc, err := contracts.NewToken(chain.Contracts.USDC, client.Backend).BalanceOf(r.Context(), owner)
			if err != nil {
				b.Error = err.Error()
			} else {
				b.USDC = intent.FormatUnits(usdc, intent.USDCDecimals)
			}
		}
		balances = append(balances, b)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"address": owner.Hex(), "balances": balances})
}
