package recovery

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/lifecycle"
    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/pool"
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

type fakeAccounts struct {
    mu       sync.Mutex
    finished []bool
}

func (a *fakeAccounts) CallFinished(name string, success bool) {
    a.mu.Lock()
    defer a.mu.Unlock()
    a.finished = append(a.finished, success)
}

func (a *fakeAccounts) TerminateUpstream(ctx context.Context, accountName, providerCallID string) error {
    return nil
}

type fakeQuerier struct {
    events map[string]*models.ProviderEvent
}

func (q *fakeQuerier) QueryUpstreamStatus(ctx context.Context, accountName, providerCallID string) (*models.ProviderEvent, error) {
    event, ok := q.events[providerCallID]
    if !ok {
        return nil, errors.New(errors.ErrCallNotFound, "unknown call")
    }
    return event, nil
}

type fixture struct {
    service *Service
    pool    *pool.Manager
    units   *store.MemoryCallerIDStore
    records *store.MemoryCallRecordStore
    querier *fakeQuerier
}

func newFixture(t *testing.T, cfg Config) *fixture {
    t.Helper()
    units := store.NewMemoryCallerIDStore()
    records := store.NewMemoryCallRecordStore()
    accounts := &fakeAccounts{}
    poolMgr := pool.NewManager(units, stubCache{}, stubMetrics{}, pool.Config{LeaseTTL: 90 * time.Second})
    machine := lifecycle.NewMachine(records, poolMgr, accounts, stubMetrics{})
    querier := &fakeQuerier{events: make(map[string]*models.ProviderEvent)}

    return &fixture{
        service: NewService(records, poolMgr, machine, querier, accounts, stubMetrics{}, cfg),
        pool:    poolMgr,
        units:   units,
        records: records,
        querier: querier,
    }
}

func (f *fixture) seedUnit(t *testing.T, number string) *models.CallerID {
    t.Helper()
    require.NoError(t, f.units.Insert(context.Background(), &models.CallerID{
        Number:      number,
        AccountName: "acct-a",
        Active:      true,
    }))
    unit, err := f.units.GetByNumber(context.Background(), number)
    require.NoError(t, err)
    return unit
}

func (f *fixture) seedCall(t *testing.T, record *models.CallRecord) {
    t.Helper()
    require.NoError(t, f.records.Insert(context.Background(), record))
}

func TestFailsCallsStuckInInitiated(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    unit := f.seedUnit(t, "+15550000001")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    f.seedCall(t, &models.CallRecord{
        CallID:         "call-1",
        CallerIDID:     unit.ID,
        Destination:    "+15559990000",
        AccountName:    "acct-a",
        ProviderCallID: "PC1",
        Status:         models.CallStatusInitiated,
        StartTime:      time.Now().Add(-3 * time.Minute),
    })

    f.service.RunOnce(ctx)

    record, err := f.records.GetByCallID(ctx, "call-1")
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusFailed, record.Status)
    assert.Equal(t, "timeout-recovery", record.FailureReason)
    require.NotNil(t, record.EndTime)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)

    assert.Equal(t, int64(1), f.service.Stats().StuckInitiated)
}

func TestFreshInitiatedCallsAreLeftAlone(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    f.seedCall(t, &models.CallRecord{
        CallID:    "call-1",
        Status:    models.CallStatusInitiated,
        StartTime: time.Now().Add(-10 * time.Second),
    })

    f.service.RunOnce(ctx)

    record, err := f.records.GetByCallID(ctx, "call-1")
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusInitiated, record.Status)
}

func TestForceCompletesCallsPastHardCap(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    unit := f.seedUnit(t, "+15550000001")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    answered := time.Now().Add(-6 * time.Minute)
    f.seedCall(t, &models.CallRecord{
        CallID:      "call-1",
        CallerIDID:  unit.ID,
        Destination: "+15559990000",
        AccountName: "acct-a",
        Status:      models.CallStatusInProgress,
        StartTime:   time.Now().Add(-7 * time.Minute),
        AnswerTime:  &answered,
    })

    f.service.RunOnce(ctx)

    record, err := f.records.GetByCallID(ctx, "call-1")
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusCompleted, record.Status)
    assert.True(t, record.CallDuration >= 359)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
}

func TestReleasesOrphanedUnits(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    f.seedUnit(t, "+15550000001")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    // No call record ever attached to the lease.
    f.service.RunOnce(ctx)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
    assert.Equal(t, int64(1), f.service.Stats().OrphansReleased)
}

func TestLeasedUnitWithLiveCallIsNotOrphaned(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    unit := f.seedUnit(t, "+15550000001")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    f.seedCall(t, &models.CallRecord{
        CallID:     "call-1",
        CallerIDID: unit.ID,
        Status:     models.CallStatusRinging,
        StartTime:  time.Now().Add(-20 * time.Second),
    })

    f.service.RunOnce(ctx)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Leased)
    assert.Equal(t, int64(0), f.service.Stats().OrphansReleased)
}

func TestEmergencyReleaseOnExhaustedPool(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    unitA := f.seedUnit(t, "+15550000001")
    unitB := f.seedUnit(t, "+15550000002")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    _, err = f.pool.Lease(ctx, "+15559990001", nil)
    require.NoError(t, err)

    // Both leases carry live young calls, so only the exhaustion rule fires.
    f.seedCall(t, &models.CallRecord{
        CallID: "call-1", CallerIDID: unitA.ID,
        Status: models.CallStatusRinging, StartTime: time.Now().Add(-15 * time.Second),
    })
    f.seedCall(t, &models.CallRecord{
        CallID: "call-2", CallerIDID: unitB.ID,
        Status: models.CallStatusRinging, StartTime: time.Now().Add(-10 * time.Second),
    })

    f.service.RunOnce(ctx)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
    assert.Equal(t, int64(1), f.service.Stats().EmergencyReleases)
}

func TestEmergencyReleaseSkippedWhenUnitsAvailable(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    f.seedUnit(t, "+15550000001")
    f.seedUnit(t, "+15550000002")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    f.service.RunOnce(ctx)

    assert.Equal(t, int64(0), f.service.Stats().EmergencyReleases)
}

func TestVerifyReconcilesWithUpstream(t *testing.T) {
    f := newFixture(t, Config{VerifyEverySweeps: 1, VerifyAfter: 30 * time.Second})
    ctx := context.Background()

    unit := f.seedUnit(t, "+15550000001")
    _, err := f.pool.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    answered := time.Now().Add(-90 * time.Second)
    f.seedCall(t, &models.CallRecord{
        CallID:         "call-1",
        CallerIDID:     unit.ID,
        Destination:    "+15559990000",
        AccountName:    "acct-a",
        ProviderCallID: "PC1",
        Status:         models.CallStatusInProgress,
        StartTime:      time.Now().Add(-2 * time.Minute),
        AnswerTime:     &answered,
    })

    // Upstream says the call already finished; the terminal webhook was lost.
    f.querier.events["PC1"] = &models.ProviderEvent{
        ProviderCallID: "PC1",
        Status:         models.CallStatusCompleted,
        Duration:       80,
        Timestamp:      time.Now(),
    }

    f.service.RunOnce(ctx)

    record, err := f.records.GetByCallID(ctx, "call-1")
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusCompleted, record.Status)
    assert.Equal(t, 80, record.CallDuration)

    status, err := f.pool.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
    assert.Equal(t, int64(1), f.service.Stats().StatusesVerified)
}

func TestStatsTracksSweeps(t *testing.T) {
    f := newFixture(t, Config{})
    ctx := context.Background()

    assert.Nil(t, f.service.Stats().LastSweepAt)
    f.service.RunOnce(ctx)
    f.service.RunOnce(ctx)

    stats := f.service.Stats()
    assert.Equal(t, int64(2), stats.Sweeps)
    require.NotNil(t, stats.LastSweepAt)
}
