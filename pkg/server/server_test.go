package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/speedrun-hq/giwa-runner/pkg/bridge"
	"github.com/speedrun-hq/giwa-runner/pkg/cctp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient/chaintest"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/events"
	"github.com/speedrun-hq/giwa-runner/pkg/intent"
	"github.com/speedrun-hq/giwa-runner/pkg/pipeline"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usdcSepolia = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")

type fakeBridge struct {
	mu    sync.Mutex
	block chan struct{}
}

func (b *fakeBridge) Deposit(ctx context.Context, req bridge.DepositRequest, onStage bridge.StageFunc) (*bridge.DepositResult, error) {
	b.mu.Lock()
	block := b.block
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	onStage(bridge.StateL1Submitted, common.Hash{0x01}.Hex())
	onStage(bridge.StateL2Confirmed, common.Hash{0x02}.Hex())
	return &bridge.DepositResult{L1TxHash: common.Hash{0x01}, L2TxHash: common.Hash{0x02}, Amount: req.Amount}, nil
}

func (b *fakeBridge) ResumeDeposit(context.Context, common.Hash, bridge.StageFunc) (*bridge.DepositResult, error) {
	return nil, errors.New("not used")
}

func (b *fakeBridge) Withdraw(context.Context, bridge.WithdrawRequest, bridge.StageFunc) (*bridge.WithdrawResult, error) {
	return nil, errors.New("not used")
}

type fakeCCTP struct{}

func (fakeCCTP) Burn(context.Context, cctp.BurnRequest) (common.Hash, error) {
	return common.Hash{}, errors.New("not used")
}

func (fakeCCTP) ExtractMessage(context.Context, common.Hash) (*cctp.Message, error) {
	return nil, errors.New("not used")
}

func (fakeCCTP) WaitAttestation(context.Context, common.Hash, func(time.Duration)) (string, error) {
	return "", errors.New("not used")
}

func (fakeCCTP) Receive(context.Context, common.Address, *cctp.Message) (common.Hash, error) {
	return common.Hash{}, errors.New("not used")
}

type fakeDetector struct {
	route *swap.RouteInfo
	got   []common.Address
}

func (d *fakeDetector) Detect(_ context.Context, _ config.ChainKey, tokenA, tokenB common.Address) (*swap.RouteInfo, error) {
	d.got = []common.Address{tokenA, tokenB}
	if d.route == nil {
		return nil, swap.ErrNoRoute
	}
	return d.route, nil
}

type fakeAttestations struct {
	status int
	body   string
	err    error
}

func (a *fakeAttestations) Raw(context.Context, common.Hash) (int, []byte, error) {
	return a.status, []byte(a.body), a.err
}

type testEnv struct {
	server   *Server
	bridge   *fakeBridge
	sepolia  *chaintest.Backend
	clients  *chainclient.Factory
	detector *fakeDetector
	attest   *fakeAttestations
}

func testChains() map[config.ChainKey]config.ChainEndpoint {
	return map[config.ChainKey]config.ChainEndpoint{
		config.Sepolia: {
			Key:          config.Sepolia,
			ChainID:      config.SepoliaChainID,
			Name:         "Sepolia",
			RPCURL:       "http://sepolia",
			NativeSymbol: "ETH",
			Contracts: config.Contracts{
				USDC: usdcSepolia,
				WETH: common.HexToAddress("0xfff9976782d46cc05630d1f6ebab18b2324d6b14"),
			},
		},
		config.Giwa: {
			Key:          config.Giwa,
			ChainID:      config.GiwaChainID,
			Name:         "GIWA Sepolia",
			RPCURL:       "http://giwa",
			NativeSymbol: "ETH",
		},
	}
}

func newTestEnv(t *testing.T, privateKey string, cfg Config) *testEnv {
	t.Helper()

	sepolia := chaintest.NewBackend(config.SepoliaChainID)
	sepolia.SetBalance(chaintest.TestAccount, big.NewInt(2e18))
	sepolia.SetBlockNumber(42)
	sepolia.HandleCall(usdcSepolia, contracts.ERC20, "balanceOf", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(12_500_000)}, nil
	})
	backends := map[string]*chaintest.Backend{
		"http://sepolia": sepolia,
		"http://giwa":    chaintest.NewBackend(config.GiwaChainID),
	}

	clients, err := chainclient.NewFactory(testChains(), privateKey, chainclient.WithDialer(func(_ context.Context, rpcURL string) (chainclient.Backend, error) {
		b, ok := backends[rpcURL]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return b, nil
	}))
	require.NoError(t, err)
	signer, _ := clients.Signer()

	env := &testEnv{
		bridge:   &fakeBridge{},
		sepolia:  sepolia,
		clients:  clients,
		detector: &fakeDetector{},
		attest:   &fakeAttestations{},
	}
	orch, err := pipeline.New(pipeline.Deps{
		Account: signer,
		Bridge:  env.bridge,
		CCTP:    fakeCCTP{},
		Chains:  pipeline.FactoryChains(clients),
		Events:  events.NewBus(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	env.server, err = NewServer(cfg, Deps{
		Orchestrator: orch,
		Clients:      clients,
		Routes:       env.detector,
		Attestations: env.attest,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.clients.Connected(config.Giwa))
}

func TestReadyFailsWhenChainIsDown(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})
	chains := testChains()
	chains[config.Irys] = config.ChainEndpoint{Key: config.Irys, ChainID: config.IrysChainID, RPCURL: "http://irys"}
	clients, err := chainclient.NewFactory(chains, "", chainclient.WithDialer(func(context.Context, string) (chainclient.Backend, error) {
		return nil, errors.New("connection refused")
	}))
	require.NoError(t, err)
	env.server.clients = clients

	rec := env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected")
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})
	_, err := env.clients.Read(context.Background(), config.Sepolia)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	decode(t, rec, &status)
	assert.True(t, status.Wallet)
	assert.Equal(t, chaintest.TestAccount.Hex(), status.Signer)
	assert.Nil(t, status.Lock)

	sep := status.Chains["sepolia"]
	assert.True(t, sep.Connected)
	assert.Equal(t, uint64(42), sep.LatestBlock)
	assert.Equal(t, "2", sep.TokenBalances["ETH"])
	assert.Equal(t, "12.5", sep.TokenBalances["USDC"])
	assert.False(t, sep.Circuit.Open)

	giwa := status.Chains["giwa"]
	assert.False(t, giwa.Connected, "status does not dial")
	assert.Empty(t, giwa.TokenBalances)
}

func TestCircuitReset(t *testing.T) {
	env := newTestEnv(t, "", Config{})

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/circuit/reset", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/circuit/reset?chain=mainnet", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/circuit/reset?chain=irys", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/circuit/reset?chain=sepolia", "").Code)

	rec := env.do(t, http.MethodPost, "/circuit/reset?chain=sepolia", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sepolia reset")
}

func TestMetricsAuth(t *testing.T) {
	env := newTestEnv(t, "", Config{MetricsAPIKey: "secret"})

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"format", []string{"Authorization", "Token secret"}, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/metrics", "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	open := newTestEnv(t, "", Config{})
	assert.Equal(t, http.StatusOK, open.do(t, http.MethodGet, "/metrics", "").Code)
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/intents/preview", `{"mode":"PIPELINE_BASE_TO_GIWA","amount":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview struct {
		Unit  string   `json:"unit"`
		From  string   `json:"from"`
		Route []string `json:"route"`
	}
	decode(t, rec, &preview)
	assert.Equal(t, "USDC", preview.Unit)
	assert.Equal(t, chaintest.TestAccount.Hex(), preview.From)
	assert.Equal(t, []string{"CCTP:USDC Base→Sepolia", "CustomPool:USDC→ETH (Sepolia)", "OP:Sepolia→GIWA (ETH)"}, preview.Route)

	for _, body := range []string{`{"mode":"DEPOSIT","amount":"1e3"}`, `{"mode":"DEPOSIT"`, `{"mode":"DEPOSIT","amount":"1","extra":true}`} {
		rec = env.do(t, http.MethodPost, "/api/v1/intents/preview", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		var e errorResponse
		decode(t, rec, &e)
		assert.Equal(t, "invalid_intent", e.Type)
	}
}

func TestStartAndGetRun(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"mode":"DEPOSIT","amount":"0.25"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run pipeline.Run
	decode(t, rec, &run)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, "/api/v1/runs/"+run.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, "")
		var got pipeline.Run
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return rec.Code == http.StatusOK && got.Status == pipeline.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []pipeline.Run
	decode(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "0.25 ETH", runs[0].Amounts["deposited"])

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/runs?limit=zero", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/runs/missing/resume", "").Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/resume", "").Code)
}

func TestStartRunConflicts(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})
	env.bridge.block = make(chan struct{})
	defer close(env.bridge.block)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"mode":"DEPOSIT","amount":"0.1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/runs", `{"mode":"DEPOSIT","amount":"0.2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e errorResponse
	decode(t, rec, &e)
	assert.Equal(t, "operation_in_progress", e.Type)

	var status statusResponse
	decode(t, env.do(t, http.MethodGet, "/status", ""), &status)
	require.NotNil(t, status.Lock)
}

func TestStartRunWithoutWallet(t *testing.T) {
	env := newTestEnv(t, "", Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"mode":"DEPOSIT","amount":"0.1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var e errorResponse
	decode(t, rec, &e)
	assert.Equal(t, "wallet_unavailable", e.Type)
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t, "", Config{})

	rec := env.do(t, http.MethodGet, "/api/v1/routes", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, env.detector.got, 2)
	assert.Equal(t, usdcSepolia, env.detector.got[0], "tokenA defaults to USDC")

	pool := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	env.detector.route = &swap.RouteInfo{Kind: swap.RouteV3, Address: pool, FeeTier: 3000}
	rec = env.do(t, http.MethodGet, "/api/v1/routes?chain=sepolia&tokenB=0x00000000000000000000000000000000000000dd", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got routeResponse
	decode(t, rec, &got)
	assert.Equal(t, pool, got.Route.Address)
	assert.Equal(t, uint32(3000), got.Route.FeeTier)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/routes?tokenA=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/routes?chain=giwa", "").Code, "giwa has no USDC default")
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/routes?chain=irys", "").Code)
}

func TestAttestationProxy(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	hash := common.Hash{0xab}.Hex()

	env.attest.status, env.attest.body = http.StatusNotFound, `{"error":"Message hash not found"}`
	rec := env.do(t, http.MethodGet, "/api/v1/attestations/"+hash, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Message hash not found"}`, rec.Body.String())

	env.attest.status, env.attest.body = http.StatusOK, `{"attestation":"0x01","status":"complete"}`
	rec = env.do(t, http.MethodGet, "/api/v1/attestations/"+hash, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	env.attest.err = errors.New("dial tcp: connection refused")
	assert.Equal(t, http.StatusBadGateway, env.do(t, http.MethodGet, "/api/v1/attestations/"+hash, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/attestations/0x1234", "").Code)
}

func TestBalances(t *testing.T) {
	env := newTestEnv(t, "", Config{})

	rec := env.do(t, http.MethodGet, "/api/v1/balances/"+chaintest.TestAccount.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Address  string         `json:"address"`
		Balances []chainBalance `json:"balances"`
	}
	decode(t, rec, &got)
	require.Len(t, got.Balances, 2)

	byChain := map[config.ChainKey]chainBalance{}
	for _, b := range got.Balances {
		byChain[b.Chain] = b
	}
	assert.Equal(t, "2", byChain[config.Sepolia].Native)
	assert.Equal(t, "12.5", byChain[config.Sepolia].USDC)
	assert.Equal(t, "0", byChain[config.Giwa].Native)
	assert.Empty(t, byChain[config.Giwa].USDC)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/balances/0x123", "").Code)
}

func TestRunEventsStream(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	run, err := env.server.orchestrator.Execute(context.Background(), mustIntent(t, `{"mode":"DEPOSIT","amount":"0.1"}`))
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + run.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var received []events.Event
	for {
		var ev events.Event
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		received = append(received, ev)
	}
	require.NotEmpty(t, received)
	assert.Equal(t, uint64(1), received[0].Seq)
	assert.True(t, received[len(received)-1].Final)

	resp, err := http.Get(srv.URL + "/api/v1/runs/missing/events")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunEventsAfterHistoryEviction(t *testing.T) {
	env := newTestEnv(t, chaintest.TestKeyHex, Config{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	run, err := env.server.orchestrator.Execute(context.Background(), mustIntent(t, `{"mode":"DEPOSIT","amount":"0.1"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := env.server.orchestrator.Get(context.Background(), run.ID)
		history := env.server.orchestrator.Events().History(run.ID)
		return err == nil && got.FinishedAt != nil && len(history) > 0 && history[len(history)-1].Final
	}, 2*time.Second, 5*time.Millisecond)

	bus := env.server.orchestrator.Events()
	bus.SetRetention(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.Event{RunID: "other"})
	require.Empty(t, bus.History(run.ID))
	bus.SetRetention(time.Minute)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + run.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "finished run closes the stream, got %v", err)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "", Config{AllowedOrigins: []string{"https://app.giwa.io"}})

	rec := env.do(t, http.MethodGet, "/health", "", "Origin", "https://app.giwa.io")
	assert.Equal(t, "https://app.giwa.io", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = env.do(t, http.MethodGet, "/health", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, "", Config{RateLimitPerMinute: 2})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/health", "").Code)
}

func mustIntent(t *testing.T, raw string) (in intent.Intent) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	return in
}
