package recovery

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/logger"
)

// PoolInterface is the slice of the pool manager recovery drives.
type PoolInterface interface {
    Release(ctx context.Context, unitID int64, target, reason string) error
    ForceReleaseOldest(ctx context.Context, n int) (int, error)
    Status(ctx context.Context) (*models.PoolStatus, error)
    ListLeased(ctx context.Context) ([]*models.CallerID, error)
}

// EventSink accepts provider events; the lifecycle machine implements it.
type EventSink interface {
    HandleEvent(ctx context.Context, event *models.ProviderEvent) error
}

// StatusQuerier asks the upstream account what it thinks a call's state is.
type StatusQuerier interface {
    QueryUpstreamStatus(ctx context.Context, accountName, providerCallID string) (*models.ProviderEvent, error)
}

// AccountNotifier feeds recovery outcomes back to account selection.
type AccountNotifier interface {
    CallFinished(name string, success bool)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

// Config holds recovery cadence and thresholds.
type Config struct {
    Interval time.Duration

    // StuckInitiatedAfter fails calls that never got a first event.
    StuckInitiatedAfter time.Duration

    // ForceCompleteAfter caps how long any call may stay live.
    ForceCompleteAfter time.Duration

    // VerifyAfter is the minimum age before a live call's status is
    // requeried upstream; VerifyEverySweeps throttles that pass.
    VerifyAfter       time.Duration
    VerifyEverySweeps int
}

func (c *Config) applyDefaults() {
    if c.Interval <= 0 {
        c.Interval = 30 * time.Second
    }
    if c.StuckInitiatedAfter <= 0 {
        c.StuckInitiatedAfter = 2 * time.Minute
    }
    if c.ForceCompleteAfter <= 0 {
        c.ForceCompleteAfter = 5 * time.Minute
    }
    if c.VerifyAfter <= 0 {
        c.VerifyAfter = 45 * time.Second
    }
    if c.VerifyEverySweeps <= 0 {
        c.VerifyEverySweeps = 4
    }
}

// Service is the self-healing loop. Webhooks get lost, processes die
// mid-call and leases leak; each sweep walks the call records and the
// pool and repairs whatever drifted.
type Service struct {
    records  store.CallRecordStore
    pool     PoolInterface
    sink     EventSink
    querier  StatusQuerier
    accounts AccountNotifier
    metrics  MetricsInterface
    cfg      Config

    sweeps            int64
    stuckInitiated    int64
    forceCompleted    int64
    orphansReleased   int64
    emergencyReleases int64
    statusesVerified  int64

    mu          sync.Mutex
    lastSweepAt *time.Time

    stopCh chan struct{}
    doneCh chan struct{}
}

func NewService(records store.CallRecordStore, pool PoolInterface, sink EventSink, querier StatusQuerier, accounts AccountNotifier, metrics MetricsInterface, cfg Config) *Service {
    cfg.applyDefaults()
    return &Service{
        records:  records,
        pool:     pool,
        sink:     sink,
        querier:  querier,
        accounts: accounts,
        metrics:  metrics,
        cfg:      cfg,
        stopCh:   make(chan struct{}),
        doneCh:   make(chan struct{}),
    }
}

// Start runs the sweep loop until Stop is called.
func (s *Service) Start(ctx context.Context) {
    go func() {
        defer close(s.doneCh)

        ticker := time.NewTicker(s.cfg.Interval)
        defer ticker.Stop()

        logger.Info("Recovery service started")
        for {
            select {
            case <-ticker.C:
                s.RunOnce(ctx)
            case <-s.stopCh:
                return
            case <-ctx.Done():
                return
            }
        }
    }()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
    close(s.stopCh)
    <-s.doneCh
    logger.Info("Recovery service stopped")
}

// RunOnce executes a single sweep. Order matters: call-state repairs
// run before pool repairs so the orphan sweep sees fresh records, and
// the emergency release is strictly last.
func (s *Service) RunOnce(ctx context.Context) {
    sweep := atomic.AddInt64(&s.sweeps, 1)

    s.failStuckInitiated(ctx)
    s.forceCompleteStale(ctx)
    if s.querier != nil && sweep%int64(s.cfg.VerifyEverySweeps) == 0 {
        s.verifyLiveStatuses(ctx)
    }
    s.releaseOrphanedUnits(ctx)
    s.emergencyRelease(ctx)

    now := time.Now()
    s.mu.Lock()
    s.lastSweepAt = &now
    s.mu.Unlock()

    s.metrics.IncrementCounter("recovery_sweeps", nil)
}

// failStuckInitiated fails calls that never received a first event.
// The origination request likely died in flight; without this the call
// record and its lease would sit live forever.
func (s *Service) failStuckInitiated(ctx context.Context) {
    cutoff := time.Now().Add(-s.cfg.StuckInitiatedAfter)
    stuck, err := s.records.ListStuck(ctx, models.CallStatusInitiated, cutoff)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to list stuck calls")
        return
    }

    for _, record := range stuck {
        s.terminateRecord(ctx, record, models.CallStatusFailed, "timeout-recovery")
        atomic.AddInt64(&s.stuckInitiated, 1)
        s.metrics.IncrementCounter("recovery_actions", map[string]string{
            "action": "fail_stuck_initiated",
        })
        logger.WithFields(map[string]interface{}{
            "call_id": record.CallID,
            "age":     time.Since(record.StartTime).String(),
        }).Warn("Recovery: failed stuck-initiated call")
    }
}

// forceCompleteStale closes any call live past the hard age cap.
func (s *Service) forceCompleteStale(ctx context.Context) {
    cutoff := time.Now().Add(-s.cfg.ForceCompleteAfter)
    stale, err := s.records.ListNonTerminalOlderThan(ctx, cutoff)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to list stale calls")
        return
    }

    for _, record := range stale {
        s.terminateRecord(ctx, record, models.CallStatusCompleted, "force-complete-recovery")
        atomic.AddInt64(&s.forceCompleted, 1)
        s.metrics.IncrementCounter("recovery_actions", map[string]string{
            "action": "force_complete",
        })
        logger.WithFields(map[string]interface{}{
            "call_id": record.CallID,
            "status":  record.Status,
        }).Warn("Recovery: force-completed stale call")
    }
}

// terminateRecord applies a synthetic terminal state directly. The
// record may predate any provider acknowledgement, so this bypasses
// the event path and mirrors its terminal side effects.
func (s *Service) terminateRecord(ctx context.Context, record *models.CallRecord, status models.CallStatus, reason string) {
    now := time.Now()
    record.Status = status
    record.FailureReason = reason
    record.EndTime = &now
    record.TotalDuration = int(now.Sub(record.StartTime).Seconds())
    if record.AnswerTime != nil {
        record.CallDuration = int(now.Sub(*record.AnswerTime).Seconds())
    }

    if err := s.records.Update(ctx, record); err != nil {
        logger.WithError(err).WithField("call_id", record.CallID).Error("Recovery: failed to update record")
        return
    }

    if err := s.pool.Release(ctx, record.CallerIDID, record.Destination, reason); err != nil {
        logger.WithError(err).WithField("call_id", record.CallID).Error("Recovery: failed to release unit")
    }
    s.accounts.CallFinished(record.AccountName, status == models.CallStatusCompleted)
}

// verifyLiveStatuses requeries the upstream for calls that have been
// quiet too long and feeds the answers through the normal event path.
func (s *Service) verifyLiveStatuses(ctx context.Context) {
    cutoff := time.Now().Add(-s.cfg.VerifyAfter)
    live, err := s.records.ListNonTerminalOlderThan(ctx, cutoff)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to list live calls")
        return
    }

    for _, record := range live {
        if record.ProviderCallID == "" {
            continue
        }

        event, err := s.querier.QueryUpstreamStatus(ctx, record.AccountName, record.ProviderCallID)
        if err != nil {
            logger.WithError(err).WithField("call_id", record.CallID).
                Warn("Recovery: upstream status query failed")
            continue
        }

        atomic.AddInt64(&s.statusesVerified, 1)
        s.metrics.IncrementCounter("recovery_actions", map[string]string{
            "action": "verify_status",
        })

        if event.Status != record.Status {
            logger.WithFields(map[string]interface{}{
                "call_id":  record.CallID,
                "recorded": record.Status,
                "upstream": event.Status,
            }).Info("Recovery: reconciling call with upstream status")
            if err := s.sink.HandleEvent(ctx, event); err != nil {
                logger.WithError(err).WithField("call_id", record.CallID).
                    Error("Recovery: failed to apply upstream status")
            }
        }
    }
}

// releaseOrphanedUnits frees leased units with no live call attached.
// A crash between lease and placement, or a lost terminal webhook,
// leaves exactly this signature.
func (s *Service) releaseOrphanedUnits(ctx context.Context) {
    leased, err := s.pool.ListLeased(ctx)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to list leased units")
        return
    }
    if len(leased) == 0 {
        return
    }

    live, err := s.records.ListNonTerminal(ctx)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to list live calls")
        return
    }

    inUse := make(map[int64]bool, len(live))
    for _, record := range live {
        inUse[record.CallerIDID] = true
    }

    for _, unit := range leased {
        if inUse[unit.ID] {
            continue
        }
        if err := s.pool.Release(ctx, unit.ID, unit.CurrentTarget, "orphan-recovery"); err != nil {
            logger.WithError(err).WithField("number", unit.Number).
                Error("Recovery: failed to release orphaned unit")
            continue
        }
        atomic.AddInt64(&s.orphansReleased, 1)
        s.metrics.IncrementCounter("recovery_actions", map[string]string{
            "action": "release_orphan",
        })
        logger.WithFields(map[string]interface{}{
            "number": unit.Number,
            "target": unit.CurrentTarget,
        }).Warn("Recovery: released orphaned unit")
    }
}

// emergencyRelease reclaims the oldest half of the leases when the
// pool is fully exhausted. Risk of a rare double-use beats a stalled
// dialer; the caller-ID collision is cosmetic, the stall is not.
func (s *Service) emergencyRelease(ctx context.Context) {
    status, err := s.pool.Status(ctx)
    if err != nil {
        logger.WithError(err).Error("Recovery: failed to read pool status")
        return
    }

    if status.Available > 0 || status.Leased == 0 {
        return
    }

    n := status.Leased / 2
    if n < 1 {
        n = 1
    }

    released, err := s.pool.ForceReleaseOldest(ctx, n)
    if err != nil {
        logger.WithError(err).Error("Recovery: emergency release failed")
        return
    }

    atomic.AddInt64(&s.emergencyReleases, int64(released))
    s.metrics.IncrementCounter("recovery_actions", map[string]string{
        "action": "emergency_release",
    })
    logger.WithField("count", released).Warn("Recovery: emergency-released oldest leases")
}

// Stats returns counters accumulated since process start.
func (s *Service) Stats() *models.RecoveryStats {
    s.mu.Lock()
    last := s.lastSweepAt
    s.mu.Unlock()

    return &models.RecoveryStats{
        Sweeps:            atomic.LoadInt64(&s.sweeps),
        StuckInitiated:    atomic.LoadInt64(&s.stuckInitiated),
        ForceCompleted:    atomic.LoadInt64(&s.forceCompleted),
        OrphansReleased:   atomic.LoadInt64(&s.orphansReleased),
        EmergencyReleases: atomic.LoadInt64(&s.emergencyReleases),
        StatusesVerified:  atomic.LoadInt64(&s.statusesVerified),
        LastSweepAt:       last,
    }
}
