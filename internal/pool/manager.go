package pool

import (
    "context"
    "fmt"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// CacheInterface defines cache operations
type CacheInterface interface {
    Get(ctx context.Context, key string, dest interface{}) error
    Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
    Delete(ctx context.Context, keys ...string) error
    Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

// Config holds pool manager configuration
type Config struct {
    // LeaseTTL is the safety ceiling on a lease, not the expected call
    // duration. A lease past this age counts as stale and may be reclaimed.
    LeaseTTL time.Duration

    // LockTTL bounds the per-destination allocation lock.
    LockTTL time.Duration

    // LockRetries and LockRetryDelay bound how long a lease call waits
    // on a contended allocation lock before giving up. The lock is a
    // non-blocking SetNX, so waiting means polling.
    LockRetries    int
    LockRetryDelay time.Duration

    StatusCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
    if c.LeaseTTL <= 0 {
        c.LeaseTTL = 90 * time.Second
    }
    if c.LockTTL <= 0 {
        c.LockTTL = 5 * time.Second
    }
    if c.LockRetries <= 0 {
        c.LockRetries = 40
    }
    if c.LockRetryDelay <= 0 {
        c.LockRetryDelay = 25 * time.Millisecond
    }
    if c.StatusCacheTTL <= 0 {
        c.StatusCacheTTL = 15 * time.Second
    }
}

// Manager owns the shared caller-ID pool. All lease-state mutation goes
// through here or through the recovery service.
type Manager struct {
    units   store.CallerIDStore
    cache   CacheInterface
    metrics MetricsInterface
    cfg     Config
}

func NewManager(units store.CallerIDStore, cache CacheInterface, metrics MetricsInterface, cfg Config) *Manager {
    cfg.applyDefaults()
    return &Manager{
        units:   units,
        cache:   cache,
        metrics: metrics,
        cfg:     cfg,
    }
}

// LeaseTTL returns the configured lease safety ceiling.
func (m *Manager) LeaseTTL() time.Duration {
    return m.cfg.LeaseTTL
}

// Lease selects the least-recently-used eligible unit for target and marks
// it leased. Units already serving target are skipped; units serving other
// destinations remain eligible. Returns ErrResourceNotAvailable on
// exhaustion; callers decide whether to retry, queue or fail.
func (m *Manager) Lease(ctx context.Context, target string, exclude []string) (*models.CallerID, error) {
    // Serialize allocation per destination on top of the store's row
    // locking; cross-destination leases proceed in parallel.
    unlock, err := m.acquireLock(ctx, fmt.Sprintf("pool:lease:%s", target))
    if err != nil {
        return nil, err
    }
    defer unlock()

    expiry := time.Now().Add(m.cfg.LeaseTTL)
    unit, err := m.units.LeaseNext(ctx, target, exclude, expiry)
    if err != nil {
        if errors.Is(err, errors.ErrResourceNotAvailable) {
            m.metrics.IncrementCounter("pool_lease_failures", map[string]string{
                "reason": "exhausted",
            })
        }
        return nil, err
    }

    m.cache.Delete(ctx, "pool:status")
    m.metrics.IncrementCounter("pool_leases", map[string]string{
        "account": unit.AccountName,
    })

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "number":  unit.Number,
        "account": unit.AccountName,
        "target":  target,
        "expiry":  expiry,
    }).Debug("Caller-ID leased")

    return unit, nil
}

// acquireLock takes the per-destination allocation lock, polling through
// contention. The underlying lock fails fast when held, so contending
// lease calls serialize here instead of erroring out.
func (m *Manager) acquireLock(ctx context.Context, key string) (func(), error) {
    for attempt := 0; ; attempt++ {
        unlock, err := m.cache.Lock(ctx, key, m.cfg.LockTTL)
        if err == nil {
            return unlock, nil
        }
        if !errors.Is(err, errors.ErrLockHeld) || attempt >= m.cfg.LockRetries {
            return nil, errors.Wrap(err, errors.ErrInternal, "failed to acquire pool lock")
        }

        select {
        case <-ctx.Done():
            return nil, errors.Wrap(ctx.Err(), errors.ErrInternal, "failed to acquire pool lock")
        case <-time.After(m.cfg.LockRetryDelay):
        }
    }
}

// Release returns a unit's lease for target to the pool. The clear is
// conditional on the lease still belonging to target, so a terminal
// event for one destination cannot drop a newer lease the same unit
// holds for another. An empty target clears unconditionally. Idempotent:
// releasing an already released lease is a no-op.
func (m *Manager) Release(ctx context.Context, unitID int64, target, reason string) error {
    if unitID == 0 {
        return nil
    }

    if err := m.units.Release(ctx, unitID, target); err != nil {
        return err
    }

    m.cache.Delete(ctx, "pool:status")
    m.metrics.IncrementCounter("pool_releases", map[string]string{
        "reason": reason,
    })

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "unit_id": unitID,
        "target":  target,
        "reason":  reason,
    }).Debug("Caller-ID released")

    return nil
}

// ForceReleaseAll clears every lease regardless of call state. Operator
// escape valve; a brief double-use collision beats a deadlocked pool.
func (m *Manager) ForceReleaseAll(ctx context.Context) (int, error) {
    released, err := m.units.ReleaseAll(ctx)
    if err != nil {
        return 0, err
    }

    m.cache.Delete(ctx, "pool:status")
    if released > 0 {
        m.metrics.IncrementCounter("pool_force_releases", map[string]string{
            "mode": "all",
        })
        logger.WithContext(ctx).WithField("count", released).Warn("Force-released all leases")
    }

    return released, nil
}

// ForceReleaseOldest clears the n longest-held leases.
func (m *Manager) ForceReleaseOldest(ctx context.Context, n int) (int, error) {
    released, err := m.units.ReleaseOldest(ctx, n)
    if err != nil {
        return 0, err
    }

    m.cache.Delete(ctx, "pool:status")
    if released > 0 {
        m.metrics.IncrementCounter("pool_force_releases", map[string]string{
            "mode": "oldest",
        })
        logger.WithContext(ctx).WithField("count", released).Warn("Force-released oldest leases")
    }

    return released, nil
}

// Status returns the pool snapshot. Stale counts leases whose expiry has
// passed without a release; the recovery service watches this number.
func (m *Manager) Status(ctx context.Context) (*models.PoolStatus, error) {
    var cached models.PoolStatus
    if err := m.cache.Get(ctx, "pool:status", &cached); err == nil && cached.Total > 0 {
        return &cached, nil
    }

    status, err := m.units.Status(ctx)
    if err != nil {
        return nil, err
    }

    m.cache.Set(ctx, "pool:status", status, m.cfg.StatusCacheTTL)

    m.metrics.SetGauge("pool_units_total", float64(status.Total), nil)
    m.metrics.SetGauge("pool_units_available", float64(status.Available), nil)
    m.metrics.SetGauge("pool_units_leased", float64(status.Leased), nil)
    m.metrics.SetGauge("pool_units_stale", float64(status.Stale), nil)

    return status, nil
}

// ListLeased returns the currently leased units, oldest lease first.
func (m *Manager) ListLeased(ctx context.Context) ([]*models.CallerID, error) {
    return m.units.ListLeased(ctx)
}
