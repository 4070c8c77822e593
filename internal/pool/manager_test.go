package pool

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
)

type stubCache struct {
    mu    sync.Mutex
    locks map[string]*sync.Mutex
}

func newStubCache() *stubCache {
    return &stubCache{locks: make(map[string]*sync.Mutex)}
}

func (c *stubCache) Get(ctx context.Context, key string, dest interface{}) error {
    return errors.New(errors.ErrRedis, "cache miss")
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    return nil
}

func (c *stubCache) Delete(ctx context.Context, keys ...string) error {
    return nil
}

func (c *stubCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    c.mu.Lock()
    l, ok := c.locks[key]
    if !ok {
        l = &sync.Mutex{}
        c.locks[key] = l
    }
    c.mu.Unlock()
    l.Lock()
    return l.Unlock, nil
}

type stubMetrics struct{}

func (stubMetrics) IncrementCounter(name string, labels map[string]string)              {}
func (stubMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {}
func (stubMetrics) SetGauge(name string, value float64, labels map[string]string)         {}

func newTestManager(t *testing.T, numbers ...string) (*Manager, *store.MemoryCallerIDStore) {
    t.Helper()
    units := store.NewMemoryCallerIDStore()
    for _, n := range numbers {
        require.NoError(t, units.Insert(context.Background(), &models.CallerID{
            Number:      n,
            AccountName: "acct-a",
            Active:      true,
        }))
    }
    mgr := NewManager(units, newStubCache(), stubMetrics{}, Config{
        LeaseTTL: 90 * time.Second,
    })
    return mgr, units
}

func TestLeaseExcludesUnitsServingSameTarget(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001", "+15550000002")
    ctx := context.Background()

    first, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    second, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    assert.NotEqual(t, first.Number, second.Number)

    _, err = mgr.Lease(ctx, "+15559990000", nil)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
}

func TestLeaseAllowsSameUnitForDifferentTargets(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001")
    ctx := context.Background()

    first, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    second, err := mgr.Lease(ctx, "+15559990001", nil)
    require.NoError(t, err)
    assert.Equal(t, first.Number, second.Number)
}

func TestReleaseForEarlierTargetKeepsNewerLease(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001")
    ctx := context.Background()

    first, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    // The same unit goes out again for a second destination while the
    // first call is still live.
    second, err := mgr.Lease(ctx, "+15559990001", nil)
    require.NoError(t, err)
    require.Equal(t, first.ID, second.ID)

    // The first call settles. Its release names its own destination and
    // must leave the newer lease untouched.
    require.NoError(t, mgr.Release(ctx, first.ID, "+15559990000", "completed"))

    _, err = mgr.Lease(ctx, "+15559990001", nil)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
}

func TestReleaseWithEmptyTargetClearsAnyLease(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001")
    ctx := context.Background()

    unit, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    require.NoError(t, mgr.Release(ctx, unit.ID, "", "manual"))

    status, err := mgr.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
    assert.Equal(t, 0, status.Leased)
}

func TestConcurrentLeaseNeverDoubleAssigns(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001", "+15550000002")
    ctx := context.Background()

    const attempts = 3
    results := make(chan *models.CallerID, attempts)
    errsCh := make(chan error, attempts)

    var wg sync.WaitGroup
    for i := 0; i < attempts; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            unit, err := mgr.Lease(ctx, "+15559990000", nil)
            if err != nil {
                errsCh <- err
                return
            }
            results <- unit
        }()
    }
    wg.Wait()
    close(results)
    close(errsCh)

    seen := make(map[string]bool)
    for unit := range results {
        assert.False(t, seen[unit.Number], "unit %s leased twice", unit.Number)
        seen[unit.Number] = true
    }
    assert.Len(t, seen, 2)

    var failures int
    for err := range errsCh {
        assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
        failures++
    }
    assert.Equal(t, 1, failures)
}

func TestLeasePrefersLeastRecentlyUsed(t *testing.T) {
    mgr, units := newTestManager(t, "+15550000001", "+15550000002")
    ctx := context.Background()

    first, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    require.NoError(t, mgr.Release(ctx, first.ID, "+15559990000", "completed"))

    // The untouched unit has no last_used_at and must go out next.
    second, err := mgr.Lease(ctx, "+15559990001", nil)
    require.NoError(t, err)
    assert.NotEqual(t, first.Number, second.Number)
    require.NoError(t, mgr.Release(ctx, second.ID, "+15559990001", "completed"))

    // Both used now; the earlier-used one rotates back first.
    third, err := mgr.Lease(ctx, "+15559990002", nil)
    require.NoError(t, err)
    assert.Equal(t, first.Number, third.Number)

    all, err := units.List(ctx)
    require.NoError(t, err)
    for _, u := range all {
        assert.NotNil(t, u.LastUsedAt)
    }
}

func TestLeaseHonorsExclusions(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001", "+15550000002")
    ctx := context.Background()

    unit, err := mgr.Lease(ctx, "+15559990000", []string{"+15550000001"})
    require.NoError(t, err)
    assert.Equal(t, "+15550000002", unit.Number)

    _, err = mgr.Lease(ctx, "+15559990001", []string{"+15550000001", "+15550000002"})
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
}

func TestReleaseIsIdempotent(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001")
    ctx := context.Background()

    unit, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    require.NoError(t, mgr.Release(ctx, unit.ID, "+15559990000", "completed"))
    require.NoError(t, mgr.Release(ctx, unit.ID, "+15559990000", "completed"))
    require.NoError(t, mgr.Release(ctx, 0, "+15559990000", "completed"))

    status, err := mgr.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 1, status.Available)
    assert.Equal(t, 0, status.Leased)
}

func TestExpiredLeaseBecomesAvailableAgain(t *testing.T) {
    units := store.NewMemoryCallerIDStore()
    ctx := context.Background()
    require.NoError(t, units.Insert(ctx, &models.CallerID{
        Number:      "+15550000001",
        AccountName: "acct-a",
        Active:      true,
    }))

    now := time.Now()
    units.Clock = func() time.Time { return now }

    mgr := NewManager(units, newStubCache(), stubMetrics{}, Config{LeaseTTL: time.Minute})

    _, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)

    _, err = mgr.Lease(ctx, "+15559990000", nil)
    require.Error(t, err)

    // Past the safety window the unit is reclaimable even without a release.
    now = now.Add(2 * time.Minute)
    unit, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    assert.Equal(t, "+15550000001", unit.Number)
}

func TestForceReleaseOldest(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001", "+15550000002", "+15550000003")
    ctx := context.Background()

    for i, target := range []string{"+15559990000", "+15559990001", "+15559990002"} {
        _, err := mgr.Lease(ctx, target, nil)
        require.NoError(t, err, "lease %d", i)
    }

    released, err := mgr.ForceReleaseOldest(ctx, 2)
    require.NoError(t, err)
    assert.Equal(t, 2, released)

    status, err := mgr.Status(ctx)
    require.NoError(t, err)
    assert.Equal(t, 2, status.Available)
    assert.Equal(t, 1, status.Leased)
}

func TestForceReleaseAll(t *testing.T) {
    mgr, _ := newTestManager(t, "+15550000001", "+15550000002")
    ctx := context.Background()

    _, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    _, err = mgr.Lease(ctx, "+15559990001", nil)
    require.NoError(t, err)

    released, err := mgr.ForceReleaseAll(ctx)
    require.NoError(t, err)
    assert.Equal(t, 2, released)

    released, err = mgr.ForceReleaseAll(ctx)
    require.NoError(t, err)
    assert.Equal(t, 0, released)
}

// tryLockCache mimics the production lock: a non-blocking SetNX that
// fails fast with ErrLockHeld while the key is held.
type tryLockCache struct {
    mu   sync.Mutex
    held map[string]bool
}

func newTryLockCache() *tryLockCache {
    return &tryLockCache{held: make(map[string]bool)}
}

func (c *tryLockCache) Get(ctx context.Context, key string, dest interface{}) error {
    return errors.New(errors.ErrRedis, "cache miss")
}

func (c *tryLockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    return nil
}

func (c *tryLockCache) Delete(ctx context.Context, keys ...string) error {
    return nil
}

func (c *tryLockCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.held[key] {
        return nil, errors.New(errors.ErrLockHeld, "lock already held")
    }
    c.held[key] = true
    return func() {
        c.mu.Lock()
        delete(c.held, key)
        c.mu.Unlock()
    }, nil
}

func TestLeaseWaitsOutLockContention(t *testing.T) {
    units := store.NewMemoryCallerIDStore()
    ctx := context.Background()
    require.NoError(t, units.Insert(ctx, &models.CallerID{
        Number:      "+15550000001",
        AccountName: "acct-a",
        Active:      true,
    }))

    cache := newTryLockCache()
    mgr := NewManager(units, cache, stubMetrics{}, Config{
        LockRetries:    100,
        LockRetryDelay: time.Millisecond,
    })

    unlock, err := cache.Lock(ctx, "pool:lease:+15559990000", time.Second)
    require.NoError(t, err)
    go func() {
        time.Sleep(10 * time.Millisecond)
        unlock()
    }()

    unit, err := mgr.Lease(ctx, "+15559990000", nil)
    require.NoError(t, err)
    assert.Equal(t, "+15550000001", unit.Number)
}

func TestConcurrentLeaseSerializesOnNonBlockingLock(t *testing.T) {
    units := store.NewMemoryCallerIDStore()
    ctx := context.Background()
    for _, n := range []string{"+15550000001", "+15550000002"} {
        require.NoError(t, units.Insert(ctx, &models.CallerID{
            Number:      n,
            AccountName: "acct-a",
            Active:      true,
        }))
    }

    mgr := NewManager(units, newTryLockCache(), stubMetrics{}, Config{
        LockRetries:    500,
        LockRetryDelay: time.Millisecond,
    })

    const attempts = 3
    results := make(chan *models.CallerID, attempts)
    errsCh := make(chan error, attempts)

    var wg sync.WaitGroup
    for i := 0; i < attempts; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            unit, err := mgr.Lease(ctx, "+15559990000", nil)
            if err != nil {
                errsCh <- err
                return
            }
            results <- unit
        }()
    }
    wg.Wait()
    close(results)
    close(errsCh)

    seen := make(map[string]bool)
    for unit := range results {
        assert.False(t, seen[unit.Number], "unit %s leased twice", unit.Number)
        seen[unit.Number] = true
    }
    assert.Len(t, seen, 2)

    var failures int
    for err := range errsCh {
        assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
        failures++
    }
    assert.Equal(t, 1, failures)
}

func TestLeaseFailsWhenLockNeverFrees(t *testing.T) {
    units := store.NewMemoryCallerIDStore()
    ctx := context.Background()
    require.NoError(t, units.Insert(ctx, &models.CallerID{
        Number:      "+15550000001",
        AccountName: "acct-a",
        Active:      true,
    }))

    cache := newTryLockCache()
    _, err := cache.Lock(ctx, "pool:lease:+15559990000", time.Second)
    require.NoError(t, err)

    mgr := NewManager(units, cache, stubMetrics{}, Config{
        LockRetries:    3,
        LockRetryDelay: time.Millisecond,
    })

    _, err = mgr.Lease(ctx, "+15559990000", nil)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrLockHeld))
}

func TestInactiveUnitsAreNeverLeased(t *testing.T) {
    units := store.NewMemoryCallerIDStore()
    ctx := context.Background()
    require.NoError(t, units.Insert(ctx, &models.CallerID{
        Number:      "+15550000001",
        AccountName: "acct-a",
        Active:      false,
    }))

    mgr := NewManager(units, newStubCache(), stubMetrics{}, Config{})
    _, err := mgr.Lease(ctx, "+15559990000", nil)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))
}
