package dialer

import (
    "context"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/provider"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// PoolInterface is the slice of the pool manager the dialer drives.
type PoolInterface interface {
    Lease(ctx context.Context, target string, exclude []string) (*models.CallerID, error)
    Release(ctx context.Context, unitID int64, target, reason string) error
}

// LedgerInterface is the balance surface the dialer charges against.
type LedgerInterface interface {
    Debit(ctx context.Context, userID, amount int64, reason, callID string) (int64, error)
    Credit(ctx context.Context, userID, amount int64, reason string) (int64, error)
}

// AccountRegistry selects and tracks upstream accounts.
type AccountRegistry interface {
    Select(ctx context.Context) (*models.ProviderAccount, provider.CallController, error)
    Controller(ctx context.Context, name string) (provider.CallController, error)
    CallStarted(name string)
    CallFinished(name string, success bool)
}

// TerminalWaiter blocks until a call settles.
type TerminalWaiter interface {
    WaitTerminal(ctx context.Context, callID string, timeout time.Duration) (*models.CallRecord, error)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
}

// Config holds orchestrator tuning.
type Config struct {
    // UnitCost is the charge per attempt in minor units.
    UnitCost int64

    // AttemptTimeout bounds how long one attempt is watched before the
    // dialer moves on; the call itself keeps running.
    AttemptTimeout time.Duration

    InterAttemptDelay time.Duration

    // MaxLeaseRetries bounds blacklist-driven re-leases within one
    // attempt. Exclusions do not consume attempts.
    MaxLeaseRetries int

    // StatusCallbackURL is where the provider posts lifecycle events.
    StatusCallbackURL string
}

func (c *Config) applyDefaults() {
    if c.UnitCost <= 0 {
        c.UnitCost = 100
    }
    if c.AttemptTimeout <= 0 {
        c.AttemptTimeout = 25 * time.Second
    }
    if c.InterAttemptDelay < 0 {
        c.InterAttemptDelay = 0
    }
    if c.MaxLeaseRetries <= 0 {
        c.MaxLeaseRetries = 5
    }
}

// Orchestrator runs multi-attempt outbound dials end to end: charge,
// lease, originate, watch, settle.
type Orchestrator struct {
    pool      PoolInterface
    ledger    LedgerInterface
    registry  AccountRegistry
    waiter    TerminalWaiter
    records   store.CallRecordStore
    blacklist store.BlacklistStore
    metrics   MetricsInterface
    cfg       Config
}

func NewOrchestrator(pool PoolInterface, ledger LedgerInterface, registry AccountRegistry, waiter TerminalWaiter, records store.CallRecordStore, blacklist store.BlacklistStore, metrics MetricsInterface, cfg Config) *Orchestrator {
    cfg.applyDefaults()
    return &Orchestrator{
        pool:      pool,
        ledger:    ledger,
        registry:  registry,
        waiter:    waiter,
        records:   records,
        blacklist: blacklist,
        metrics:   metrics,
        cfg:       cfg,
    }
}

// Dial places up to attempts sequential calls to destination on behalf
// of userID, stopping early on the first answered one. The whole batch
// is charged up front; attempts never made are refunded at the end.
func (o *Orchestrator) Dial(ctx context.Context, userID int64, destination string, attempts int) (*models.DialResult, error) {
    if destination == "" {
        return nil, errors.New(errors.ErrInternal, "destination is required")
    }
    if attempts < 1 {
        attempts = 1
    }

    batchID := uuid.NewString()
    charge := int64(attempts) * o.cfg.UnitCost
    if _, err := o.ledger.Debit(ctx, userID, charge, "dial-batch", batchID); err != nil {
        return nil, err
    }

    log := logger.WithContext(ctx).WithFields(map[string]interface{}{
        "user_id":     userID,
        "destination": destination,
        "attempts":    attempts,
    })
    log.Info("Dial batch started")

    result := &models.DialResult{Requested: attempts, Charged: charge}
    attemptsUsed := 0

    for i := 1; i <= attempts; i++ {
        if err := ctx.Err(); err != nil {
            break
        }
        if i > 1 && o.cfg.InterAttemptDelay > 0 {
            time.Sleep(o.cfg.InterAttemptDelay)
        }

        attemptsUsed++
        record, err := o.runAttempt(ctx, userID, destination, i, attempts)
        if err != nil {
            result.Failed++
            o.metrics.IncrementCounter("dialer_attempts", map[string]string{"result": "failed"})
            log.WithError(err).WithField("attempt", i).Warn("Dial attempt failed")
            continue
        }

        result.Placed++
        result.Calls = append(result.Calls, record)
        o.metrics.IncrementCounter("dialer_attempts", map[string]string{"result": "placed"})

        if record.Status == models.CallStatusCompleted {
            break
        }
    }

    if unused := attempts - attemptsUsed; unused > 0 {
        refund := int64(unused) * o.cfg.UnitCost
        if _, err := o.ledger.Credit(ctx, userID, refund, "dial-batch-refund"); err != nil {
            log.WithError(err).Error("Failed to refund unused attempts")
        } else {
            result.Charged -= refund
            result.Refunded = refund
        }
    }

    log.WithFields(map[string]interface{}{
        "placed": result.Placed,
        "failed": result.Failed,
    }).Info("Dial batch finished")

    return result, nil
}

// runAttempt executes one attempt: lease a clean caller-ID, originate
// through its account, record the call and watch it settle.
func (o *Orchestrator) runAttempt(ctx context.Context, userID int64, destination string, index, total int) (*models.CallRecord, error) {
    unit, controller, err := o.leaseCleanUnit(ctx, destination)
    if err != nil {
        return nil, err
    }

    callID := uuid.NewString()
    req := provider.PlaceCallRequest{
        CallID:         callID,
        From:           unit.Number,
        To:             destination,
        StatusCallback: o.cfg.StatusCallbackURL,
    }

    o.registry.CallStarted(unit.AccountName)
    resp, err := controller.PlaceCall(ctx, req)
    if err != nil {
        // The lease is useless without a live call behind it.
        o.registry.CallFinished(unit.AccountName, false)
        if releaseErr := o.pool.Release(ctx, unit.ID, destination, "placement-failed"); releaseErr != nil {
            logger.WithContext(ctx).WithError(releaseErr).Error("Failed to release unit after placement failure")
        }
        return nil, err
    }

    record := &models.CallRecord{
        CallID:         callID,
        UserID:         userID,
        Destination:    destination,
        CallerIDID:     unit.ID,
        CallerIDNumber: unit.Number,
        AccountName:    unit.AccountName,
        AttemptIndex:   index,
        TotalAttempts:  total,
        ProviderCallID: resp.ProviderCallID,
        Status:         resp.Status,
        StartTime:      time.Now(),
    }
    if err := o.records.Insert(ctx, record); err != nil {
        return nil, err
    }

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "call_id":          callID,
        "provider_call_id": resp.ProviderCallID,
        "from":             unit.Number,
        "attempt":          fmt.Sprintf("%d/%d", index, total),
    }).Info("Call placed")

    settled, err := o.waiter.WaitTerminal(ctx, callID, o.cfg.AttemptTimeout)
    if err != nil {
        // Still live past the watch window; recovery owns it from here.
        logger.WithContext(ctx).WithField("call_id", callID).
            Info("Call still live after attempt window, moving on")
        return record, nil
    }

    return settled, nil
}

// leaseCleanUnit leases until it finds a caller-ID not blacklisted for
// the destination, excluding rejected numbers on each retry. Retries
// are bounded; a fully blacklisted pool reads as exhaustion.
func (o *Orchestrator) leaseCleanUnit(ctx context.Context, destination string) (*models.CallerID, provider.CallController, error) {
    var exclude []string

    for try := 0; try < o.cfg.MaxLeaseRetries; try++ {
        unit, err := o.pool.Lease(ctx, destination, exclude)
        if err != nil {
            return nil, nil, err
        }

        blocked, err := o.blacklist.IsBlacklisted(ctx, unit.Number, destination)
        if err != nil {
            o.pool.Release(ctx, unit.ID, destination, "blacklist-check-failed")
            return nil, nil, err
        }
        if blocked {
            o.metrics.IncrementCounter("dialer_blacklist_skips", nil)
            logger.WithContext(ctx).WithFields(map[string]interface{}{
                "number":      unit.Number,
                "destination": destination,
            }).Info("Caller-ID blacklisted for destination, retrying lease")
            o.pool.Release(ctx, unit.ID, destination, "blacklisted")
            exclude = append(exclude, unit.Number)
            continue
        }

        controller, err := o.controllerFor(ctx, unit)
        if err != nil {
            o.pool.Release(ctx, unit.ID, destination, "no-account")
            return nil, nil, err
        }
        return unit, controller, nil
    }

    return nil, nil, errors.New(errors.ErrResourceNotAvailable, "no caller-ID clean for destination").
        WithContext("destination", destination).
        WithContext("excluded", len(exclude))
}

func (o *Orchestrator) controllerFor(ctx context.Context, unit *models.CallerID) (provider.CallController, error) {
    if unit.AccountName != "" {
        return o.registry.Controller(ctx, unit.AccountName)
    }

    // Unbound unit: route through the least-loaded account.
    account, controller, err := o.registry.Select(ctx)
    if err != nil {
        return nil, err
    }
    unit.AccountName = account.Name
    return controller, nil
}
