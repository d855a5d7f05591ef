package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/perp-pool-portfolio/internal/errors"
	"github.com/perp-pool-portfolio/internal/models"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/types"
)

const testUser = "0xa11ce00000000000000000000000000000000001"

// mockController implements PortfolioController with overridable funcs
type mockController struct {
	loadFunc    func(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error)
	refreshFunc func(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error)
	tradeFunc   func(ctx context.Context, trade service.TradeConfirmation) (*service.PortfolioView, error)
	clearFunc   func(ctx context.Context) error
	cachedFunc  func(ctx context.Context, user string) ([]service.PortfolioView, error)
}

func viewFor(user string, chainID types.ChainID, state service.SessionState, source service.ViewSource) *service.PortfolioView {
	return &service.PortfolioView{
		UserAddress:  types.NormalizeAddress(user),
		ChainID:      chainID,
		State:        state,
		Source:       source,
		CacheEnabled: true,
		Portfolio:    &models.PortfolioCache{UserAddress: types.NormalizeAddress(user), ChainID: chainID},
	}
}

func (m *mockController) Load(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx, user, chainID)
	}
	return viewFor(user, chainID, service.StateReady, service.ViewFromCache), nil
}

func (m *mockController) Refresh(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, user, chainID)
	}
	return viewFor(user, chainID, service.StateReady, service.ViewFromChain), nil
}

func (m *mockController) ApplyConfirmedTrade(ctx context.Context, trade service.TradeConfirmation) (*service.PortfolioView, error) {
	if m.tradeFunc != nil {
		return m.tradeFunc(ctx, trade)
	}
	return viewFor(trade.UserAddress, trade.ChainID, service.StateOptimisticallyUpdated, service.ViewFromPatch), nil
}

func (m *mockController) CachedPortfolios(ctx context.Context, user string) ([]service.PortfolioView, error) {
	if m.cachedFunc != nil {
		return m.cachedFunc(ctx, user)
	}
	return []service.PortfolioView{*viewFor(user, types.ChainBaseSepolia, service.StateReady, service.ViewFromCache)}, nil
}

func (m *mockController) ClearCache(ctx context.Context) error {
	if m.clearFunc != nil {
		return m.clearFunc(ctx)
	}
	return nil
}

func (m *mockController) CacheEnabled() bool { return true }

func (m *mockController) Chains() []types.ChainID {
	return []types.ChainID{types.ChainBaseSepolia}
}

type mockPools struct {
	entries []service.PoolEntry
	err     error
}

func (m mockPools) Pools(context.Context) ([]service.PoolEntry, error) { return m.entries, m.err }

func (m mockPools) PoolsByCreator(_ context.Context, creator string) ([]service.PoolEntry, error) {
	var out []service.PoolEntry
	for _, e := range m.entries {
		if types.SameAddress(e.Details.Creator, creator) {
			out = append(out, e)
		}
	}
	return out, m.err
}

func createTestServer(controller *mockController, rps int) *Server {
	pools := map[types.ChainID]PoolLister{
		types.ChainBaseSepolia: mockPools{entries: []service.PoolEntry{{
			Details: models.PoolDetails{Address: "0x1000000000000000000000000000000000000001", Name: "WETH BULL/BEAR", Creator: testUser},
		}}},
	}
	return NewServer(DefaultServerConfig("127.0.0.1", "0", rps), controller, pools, nil)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	w := do(t, createTestServer(&mockController{}, 0), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["cacheEnabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := createTestServer(&mockController{}, 0)
	do(t, s, http.MethodGet, "/health", nil)

	w := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "perp_portfolio_http_requests_total")
}

func TestGetPortfolio(t *testing.T) {
	var gotUser string
	var gotChain types.ChainID
	controller := &mockController{
		loadFunc: func(_ context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error) {
			gotUser, gotChain = user, chainID
			return viewFor(user, chainID, service.StateReady, service.ViewFromCache), nil
		},
	}

	w := do(t, createTestServer(controller, 0), http.MethodGet, "/api/chains/84532/portfolio/"+testUser, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testUser, gotUser)
	assert.Equal(t, types.ChainBaseSepolia, gotChain)

	var view service.PortfolioView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, service.StateReady, view.State)
	assert.Equal(t, service.ViewFromCache, view.Source)
}

func TestGetPortfolio_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad chain", "/api/chains/base/portfolio/" + testUser, nil, http.StatusBadRequest, "INVALID_PARAMETER"},
		{"bad address", "/api/chains/84532/portfolio/0x123", nil, http.StatusBadRequest, "INVALID_ADDRESS"},
		{"unsupported chain", "/api/chains/1/portfolio/" + testUser, apperrors.NewUnsupportedChainError(types.ChainEthereum), http.StatusBadRequest, "UNSUPPORTED_CHAIN"},
		{"provider down", "/api/chains/84532/portfolio/" + testUser, apperrors.NewProviderError("base-sepolia", errors.New("dial tcp")), http.StatusBadGateway, "PROVIDER_ERROR"},
		{"superseded", "/api/chains/84532/portfolio/" + testUser, service.ErrSuperseded, http.StatusConflict, ErrCodeSuperseded},
		{"unexpected", "/api/chains/84532/portfolio/" + testUser, errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := &mockController{
				loadFunc: func(context.Context, string, types.ChainID) (*service.PortfolioView, error) {
					return nil, tt.err
				},
			}
			w := do(t, createTestServer(controller, 0), http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

func TestRefreshPortfolio(t *testing.T) {
	called := false
	controller := &mockController{
		refreshFunc: func(_ context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error) {
			called = true
			return viewFor(user, chainID, service.StateReady, service.ViewFromChain), nil
		},
	}

	w := do(t, createTestServer(controller, 0), http.MethodPost, "/api/chains/84532/portfolio/"+testUser+"/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)

	w = do(t, createTestServer(controller, 0), http.MethodGet, "/api/chains/84532/portfolio/"+testUser+"/refresh", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestConfirmedTrade(t *testing.T) {
	var got service.TradeConfirmation
	controller := &mockController{
		tradeFunc: func(_ context.Context, trade service.TradeConfirmation) (*service.PortfolioView, error) {
			got = trade
			if err := trade.Validate(); err != nil {
				return nil, err
			}
			return viewFor(trade.UserAddress, trade.ChainID, service.StateOptimisticallyUpdated, service.ViewFromPatch), nil
		},
	}
	s := createTestServer(controller, 0)
	path := "/api/chains/84532/portfolio/" + testUser + "/trades"

	body := map[string]interface{}{
		"txHash":       "0xfeed",
		"confirmed":    true,
		"tokenAddress": "0x2000000000000000000000000000000000000001",
		"tokenType":    "bull",
		"type":         "Buy",
		"amountAsset":  "5",
		"amountCoin":   "4.5",
		"feePaid":      "0.01",
		"blockNumber":  20_010,
	}
	w := do(t, s, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testUser, got.UserAddress)
	assert.Equal(t, types.ChainBaseSepolia, got.ChainID)
	assert.Equal(t, "4.5", got.AmountCoin.String())

	var view service.PortfolioView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, service.StateOptimisticallyUpdated, view.State)

	t.Run("unconfirmed", func(t *testing.T) {
		body["confirmed"] = false
		w := do(t, s, http.MethodPost, path, body)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "TRADE_NOT_CONFIRMED", decodeError(t, w).Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		w := do(t, s, http.MethodPost, path, map[string]interface{}{"txHash": "0x1", "gas": 1})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrCodeInvalidInput, decodeError(t, w).Code)
	})
}

func TestListPools(t *testing.T) {
	s := createTestServer(&mockController{}, 0)

	w := do(t, s, http.MethodGet, "/api/chains/84532/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count int                 `json:"count"`
		Pools []service.PoolEntry `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "WETH BULL/BEAR", body.Pools[0].Details.Name)

	w = do(t, s, http.MethodGet, "/api/chains/8453/pools", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/chains/84532/pools?creator="+testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	w = do(t, s, http.MethodGet, "/api/chains/84532/pools?creator=0x00000000000000000000000000000000000000bb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
	assert.Empty(t, body.Pools)

	w = do(t, s, http.MethodGet, "/api/chains/84532/pools?creator=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCachedPortfolios(t *testing.T) {
	s := createTestServer(&mockController{}, 0)

	w := do(t, s, http.MethodGet, "/api/portfolio/"+testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count      int                     `json:"count"`
		Portfolios []service.PortfolioView `json:"portfolios"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, types.ChainBaseSepolia, body.Portfolios[0].ChainID)

	w = do(t, s, http.MethodGet, "/api/portfolio/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	failing := createTestServer(&mockController{cachedFunc: func(context.Context, string) ([]service.PortfolioView, error) {
		return nil, apperrors.NewPersistenceError("list portfolios", errors.New("connection reset"))
	}}, 0)
	w = do(t, failing, http.MethodGet, "/api/portfolio/"+testUser, nil)
	assert.GreaterOrEqual(t, w.Code, http.StatusInternalServerError)
}

func TestListChains(t *testing.T) {
	w := do(t, createTestServer(&mockController{}, 0), http.MethodGet, "/api/chains", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chainId":84532`)
}

func TestClearCache(t *testing.T) {
	cleared := false
	controller := &mockController{clearFunc: func(context.Context) error {
		cleared = true
		return nil
	}}
	w := do(t, createTestServer(controller, 0), http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, cleared)

	controller.clearFunc = func(context.Context) error {
		return apperrors.NewPersistenceError("reinitialize cache", errors.New("READONLY"))
	}
	w = do(t, createTestServer(controller, 0), http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimit(t *testing.T) {
	s := NewServer(&ServerConfig{RequestsPerSecond: 1, Burst: 2}, &mockController{}, nil, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	controller := &mockController{
		loadFunc: func(context.Context, string, types.ChainID) (*service.PortfolioView, error) {
			panic("nil map")
		},
	}
	w := do(t, createTestServer(controller, 0), http.MethodGet, "/api/chains/84532/portfolio/"+testUser, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORSHeaders(t *testing.T) {
	w := do(t, createTestServer(&mockController{}, 0), http.MethodGet, "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := createTestServer(&mockController{}, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}
