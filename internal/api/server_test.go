package api

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "net/url"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/dialer"
    "github.com/voiceops/outdial/internal/ledger"
    "github.com/voiceops/outdial/internal/lifecycle"
    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/pool"
    "github.com/voiceops/outdial/internal/provider"
    "github.com/voiceops/outdial/internal/recovery"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
)

type stubCache struct{}

func (stubCache) Get(ctx context.Context, key string, dest interface{}) error {
    return errors.New(errors.ErrRedis, "cache miss")
}
func (stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    return nil
}
func (stubCache) Delete(ctx context.Context, keys ...string) error { return nil }
func (stubCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    return func() {}, nil
}

type stubMetrics struct{}

func (stubMetrics) IncrementCounter(name string, labels map[string]string)                {}
func (stubMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {}
func (stubMetrics) SetGauge(name string, value float64, labels map[string]string)         {}

type fixture struct {
    server   *Server
    machine  *lifecycle.Machine
    pool     *pool.Manager
    mock     *provider.MockController
    units    *store.MemoryCallerIDStore
    records  *store.MemoryCallRecordStore
    balances *store.MemoryBalanceStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
    t.Helper()
    ctx := context.Background()

    units := store.NewMemoryCallerIDStore()
    require.NoError(t, units.Insert(ctx, &models.CallerID{
        Number:      "+15550000001",
        AccountName: "acct-a",
        Active:      true,
    }))

    accounts := store.NewMemoryAccountStore()
    require.NoError(t, accounts.Insert(ctx, &models.ProviderAccount{Name: "acct-a", Active: true}))

    mock := provider.NewMockController()
    registry := provider.NewRegistry(accounts, stubMetrics{}, func(models.ProviderAccount) provider.CallController {
        return mock
    })

    records := store.NewMemoryCallRecordStore()
    balances := store.NewMemoryBalanceStore()
    blacklist := store.NewMemoryBlacklistStore()

    poolMgr := pool.NewManager(units, stubCache{}, stubMetrics{}, pool.Config{LeaseTTL: 90 * time.Second})
    machine := lifecycle.NewMachine(records, poolMgr, registry, stubMetrics{})
    ledgerSvc := ledger.NewService(balances, stubMetrics{})
    recoverySvc := recovery.NewService(records, poolMgr, machine, registry, registry, stubMetrics{}, recovery.Config{})
    orchestrator := dialer.NewOrchestrator(poolMgr, ledgerSvc, registry, machine, records, blacklist, stubMetrics{}, dialer.Config{
        AttemptTimeout: time.Second,
    })

    server := NewServer(orchestrator, poolMgr, recoverySvc, machine, lifecycle.ParseWebhookForm, ledgerSvc, registry, records, cfg)

    return &fixture{
        server:   server,
        machine:  machine,
        pool:     poolMgr,
        mock:     mock,
        units:    units,
        records:  records,
        balances: balances,
    }
}

func (f *fixture) seedCall(t *testing.T, callID, providerCallID string, status models.CallStatus) {
    t.Helper()
    require.NoError(t, f.records.Insert(context.Background(), &models.CallRecord{
        CallID:         callID,
        UserID:         1,
        Destination:    "+15559990000",
        CallerIDID:     1,
        AccountName:    "acct-a",
        ProviderCallID: providerCallID,
        Status:         status,
        StartTime:      time.Now(),
    }))
}

func TestWebhookAdvancesCall(t *testing.T) {
    f := newFixture(t, Config{})
    f.seedCall(t, "call-1", "PC1", models.CallStatusInProgress)

    form := url.Values{}
    form.Set("CallSid", "PC1")
    form.Set("CallStatus", "completed")
    form.Set("CallDuration", "33")

    req := httptest.NewRequest("POST", "/webhooks/call-status", strings.NewReader(form.Encode()))
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)

    assert.Equal(t, http.StatusNoContent, rec.Code)

    record, err := f.records.GetByCallID(context.Background(), "call-1")
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusCompleted, record.Status)
    assert.Equal(t, 33, record.CallDuration)
}

func TestWebhookRejectsBadPayload(t *testing.T) {
    f := newFixture(t, Config{})

    form := url.Values{}
    form.Set("CallStatus", "completed")

    req := httptest.NewRequest("POST", "/webhooks/call-status", strings.NewReader(form.Encode()))
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)

    assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRequiresAuthToken(t *testing.T) {
    f := newFixture(t, Config{AuthToken: "secret"})

    req := httptest.NewRequest("GET", "/api/v1/pool/status", nil)
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusUnauthorized, rec.Code)

    req = httptest.NewRequest("GET", "/api/v1/pool/status", nil)
    req.Header.Set("Authorization", "Bearer secret")
    rec = httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookBypassesAuth(t *testing.T) {
    f := newFixture(t, Config{AuthToken: "secret"})
    f.seedCall(t, "call-1", "PC1", models.CallStatusRinging)

    form := url.Values{}
    form.Set("CallSid", "PC1")
    form.Set("CallStatus", "no-answer")

    req := httptest.NewRequest("POST", "/webhooks/call-status", strings.NewReader(form.Encode()))
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPoolStatusEndpoint(t *testing.T) {
    f := newFixture(t, Config{})

    req := httptest.NewRequest("GET", "/api/v1/pool/status", nil)
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code)

    var status models.PoolStatus
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
    assert.Equal(t, 1, status.Total)
    assert.Equal(t, 1, status.Available)
}

func TestDialEndpoint(t *testing.T) {
    f := newFixture(t, Config{})
    _, err := f.balances.Credit(context.Background(), 1, 1000, "topup")
    require.NoError(t, err)

    f.mock.OnPlace = func(req provider.PlaceCallRequest) (*provider.PlaceCallResponse, error) {
        go func() {
            time.Sleep(30 * time.Millisecond)
            f.machine.HandleEvent(context.Background(), &models.ProviderEvent{
                ProviderCallID: "PC1",
                Status:         models.CallStatusCompleted,
                Duration:       10,
                Timestamp:      time.Now(),
            })
        }()
        return &provider.PlaceCallResponse{ProviderCallID: "PC1", Status: models.CallStatusInitiated}, nil
    }

    body, _ := json.Marshal(map[string]interface{}{
        "user_id":     1,
        "destination": "+15559990000",
        "attempts":    1,
    })
    req := httptest.NewRequest("POST", "/api/v1/dial", bytes.NewReader(body))
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

    var result models.DialResult
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
    assert.Equal(t, 1, result.Placed)
}

func TestDialEndpointInsufficientBalance(t *testing.T) {
    f := newFixture(t, Config{})
    _, err := f.balances.Credit(context.Background(), 1, 10, "topup")
    require.NoError(t, err)

    body, _ := json.Marshal(map[string]interface{}{
        "user_id":     1,
        "destination": "+15559990000",
        "attempts":    1,
    })
    req := httptest.NewRequest("POST", "/api/v1/dial", bytes.NewReader(body))
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestRecoveryEndpoints(t *testing.T) {
    f := newFixture(t, Config{})

    req := httptest.NewRequest("POST", "/api/v1/recovery/run", nil)
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code)

    var stats models.RecoveryStats
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
    assert.Equal(t, int64(1), stats.Sweeps)
}

func TestGetCallNotFound(t *testing.T) {
    f := newFixture(t, Config{})

    req := httptest.NewRequest("GET", "/api/v1/calls/nope", nil)
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalanceEndpoints(t *testing.T) {
    f := newFixture(t, Config{})

    body, _ := json.Marshal(map[string]interface{}{"amount": 500})
    req := httptest.NewRequest("POST", "/api/v1/balance/7/credit", bytes.NewReader(body))
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code)

    req = httptest.NewRequest("GET", "/api/v1/balance/7", nil)
    rec = httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    require.Equal(t, http.StatusOK, rec.Code)

    var resp map[string]int64
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
    assert.Equal(t, int64(500), resp["balance"])
}

func TestReleaseOldestValidatesN(t *testing.T) {
    f := newFixture(t, Config{})

    req := httptest.NewRequest("POST", "/api/v1/pool/release-oldest?n=0", nil)
    rec := httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusBadRequest, rec.Code)

    req = httptest.NewRequest("POST", fmt.Sprintf("/api/v1/pool/release-oldest?n=%d", 2), nil)
    rec = httptest.NewRecorder()
    f.server.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusOK, rec.Code)
}
