package api

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

	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/metrics"
	"github.com/chirp-indexer/internal/service"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockIndexer serves a fixed thread: 1 (root) with reply 2
type mockIndexer struct {
	mu         sync.Mutex
	ready      bool
	count      uint64
	backfillFn func(ctx context.Context, reset bool) (uint64, error)
	supplyErr  error
	checkErr   error
	resets     []bool
}

func newMockIndexer() *mockIndexer {
	return &mockIndexer{ready: true, count: 3}
}

var mockAuthor = "0x000000000000000000000000000000000000000A"

func mockRecord(id, parent uint64) types.Record {
	return types.Record{ID: id, Author: mockAuthor, Body: "hello", ParentID: parent, ReplyIDs: []uint64{}}
}

func (m *mockIndexer) GetWithReplies(id uint64) (*types.ChirpView, bool) {
	switch id {
	case 1:
		root := mockRecord(1, 0)
		root.ReplyIDs = []uint64{2}
		return &types.ChirpView{Record: root, Replies: []types.Record{mockRecord(2, 1)}}, true
	case 2:
		return &types.ChirpView{Record: mockRecord(2, 1), Replies: []types.Record{}}, true
	}
	return nil, false
}

func (m *mockIndexer) GetByAuthor(address string) []types.Record {
	if strings.EqualFold(address, mockAuthor) {
		return []types.Record{mockRecord(1, 0), mockRecord(2, 1)}
	}
	return nil
}

func validate(address string) error {
	if !common.IsHexAddress(address) {
		return &apperrors.InvalidAddressError{Address: address}
	}
	return nil
}

func (m *mockIndexer) GetAlias(ctx context.Context, address string) (string, error) {
	if err := validate(address); err != nil {
		return "", err
	}
	return "alpha", nil
}

func (m *mockIndexer) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := validate(address); err != nil {
		return nil, err
	}
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	return huge, nil
}

func (m *mockIndexer) GetPurchasableSupply(ctx context.Context) (*big.Int, error) {
	if m.supplyErr != nil {
		return nil, m.supplyErr
	}
	return big.NewInt(5000), nil
}

func (m *mockIndexer) GetCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mockIndexer) RunBackfill(ctx context.Context, reset bool) (uint64, error) {
	m.mu.Lock()
	m.resets = append(m.resets, reset)
	m.mu.Unlock()
	if m.backfillFn != nil {
		return m.backfillFn(ctx, reset)
	}
	return m.GetCount(), nil
}

func (m *mockIndexer) CheckConsistency(ctx context.Context) (*service.ConsistencyCheckResult, error) {
	if m.checkErr != nil {
		return nil, m.checkErr
	}
	return &service.ConsistencyCheckResult{
		Count:           3,
		Sampled:         []uint64{1, 2},
		Inconsistencies: []string{"chirp 2 is missing from the replies of chirp 1"},
	}, nil
}

func (m *mockIndexer) Stats() service.Stats {
	return service.Stats{Ready: m.ready}
}

func newTestServer(ix ChirpIndexer, rps int) *Server {
	return NewServer(&ServerConfig{
		Host:              "127.0.0.1",
		Port:              "0",
		RequestsPerSecond: rps,
		Burst:             2,
		Logger:            logging.Nop(),
	}, ix)
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestHandleGetChirp(t *testing.T) {
	s := newTestServer(newMockIndexer(), 0)

	rec := do(t, s, http.MethodGet, "/api/chirps/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view types.ChirpView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, uint64(1), view.ID)
	assert.Equal(t, []uint64{2}, view.ReplyIDs)
	require.Len(t, view.Replies, 1)
	assert.Equal(t, uint64(2), view.Replies[0].ID)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/api/chirps/99", http.StatusNotFound, "NOT_FOUND"},
		{"/api/chirps/0", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"/api/chirps/abc", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"/api/chirps/-1", http.StatusBadRequest, "INVALID_PARAMETER"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestHandleGetChirpsByAuthor(t *testing.T) {
	s := newTestServer(newMockIndexer(), 0)

	rec := do(t, s, http.MethodGet, "/api/chirpers/"+strings.ToLower(mockAuthor)+"/chirps")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ChirpListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 2, list.Total)

	rec = do(t, s, http.MethodGet, "/api/chirpers/nobody/chirps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chirps":[]`, "unknown authors get an empty list, not null")
}

func TestHandleAddressLookups(t *testing.T) {
	s := newTestServer(newMockIndexer(), 0)

	rec := do(t, s, http.MethodGet, "/api/aliases/"+mockAuthor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alias":"alpha"`)

	rec = do(t, s, http.MethodGet, "/api/balances/"+mockAuthor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"123456789012345678901234567890"`)

	for _, path := range []string{"/api/aliases/0x1234", "/api/balances/alice"} {
		rec = do(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "INVALID_ADDRESS", decodeError(t, rec).Code)
	}
}

func TestHandleSupplyAndCount(t *testing.T) {
	ix := newMockIndexer()
	s := newTestServer(ix, 0)

	rec := do(t, s, http.MethodGet, "/api/supply")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"supply":"5000"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())

	ix.supplyErr = apperrors.NewGatewayError("FetchBalance", errors.New("dial tcp: refused"), nil)
	rec = do(t, s, http.MethodGet, "/api/supply")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "GATEWAY_ERROR", decodeError(t, rec).Code)
}

func TestHandleBackfill(t *testing.T) {
	ix := newMockIndexer()
	s := newTestServer(ix, 0)

	rec := do(t, s, http.MethodPost, "/api/backfill?reset=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":3,"reset":true}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/backfill")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/backfill?reset=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []bool{true, false}, ix.resets)

	rec = do(t, s, http.MethodGet, "/api/backfill")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	ix.backfillFn = func(ctx context.Context, reset bool) (uint64, error) {
		return 5, &apperrors.BackfillError{NextID: 5, Err: apperrors.NewMaterializationError(5, "flags", "missing", nil)}
	}
	rec = do(t, s, http.MethodPost, "/api/backfill")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "MATERIALIZATION_ERROR", decodeError(t, rec).Code)

	ix.backfillFn = func(ctx context.Context, reset bool) (uint64, error) {
		return 0, errors.New("secret internals")
	}
	rec = do(t, s, http.MethodPost, "/api/backfill")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestHandleConsistency(t *testing.T) {
	ix := newMockIndexer()
	s := newTestServer(ix, 0)

	rec := do(t, s, http.MethodGet, "/api/consistency")
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.ConsistencyCheckResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.False(t, result.Consistent)
	assert.Equal(t, []uint64{1, 2}, result.Sampled)
	assert.Len(t, result.Inconsistencies, 1)

	ix.checkErr = apperrors.NewGatewayError("FetchRecord", errors.New("timeout"), nil)
	rec = do(t, s, http.MethodGet, "/api/consistency")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	ix := newMockIndexer()
	s := newTestServer(ix, 0)

	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, uint64(3), health.Count)

	s.AddHealthCheck("ledger", func(ctx context.Context) (interface{}, error) {
		return map[string]string{"state": "closed"}, nil
	})
	s.AddHealthCheck("cache", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	rec = do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Checks, "ledger")
	assert.Contains(t, health.Checks, "cache")

	ix.ready = false
	rec = do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(newMockIndexer(), 0)

	t.Run("request id is generated", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/count")
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	})

	t.Run("request id is propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/count", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("preflight", func(t *testing.T) {
		rec := do(t, s, http.MethodOptions, "/api/chirps/1")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ix := newMockIndexer()
	s := NewServer(&ServerConfig{
		Host:    "127.0.0.1",
		Port:    "0",
		Logger:  logging.Nop(),
		Metrics: metrics.New(ix.Stats),
	}, ix)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/chirps/1").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/chirps/42").Code)

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `chirp_indexer_http_requests_total{method="GET",route="/api/chirps/{id}",status="200"} 1`)
	assert.Contains(t, body, `chirp_indexer_http_requests_total{method="GET",route="/api/chirps/{id}",status="404"} 1`)
	assert.Contains(t, body, "chirp_indexer_ready 1")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(newMockIndexer(), 1)

	fromClient := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	// burst of 2
	assert.Equal(t, http.StatusOK, fromClient("/api/count", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, fromClient("/api/count", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, fromClient("/api/count", "10.0.0.1"))

	assert.Equal(t, http.StatusOK, fromClient("/api/count", "10.0.0.2"), "clients are limited independently")
	assert.Equal(t, http.StatusOK, fromClient("/health", "10.0.0.1"), "health is not limited")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientKey(req))
}
