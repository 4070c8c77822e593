package lifecycle

import (
    "context"
    "sync"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// PoolReleaser returns leased caller-IDs to the pool. The target narrows
// the release to the call's own destination lease.
type PoolReleaser interface {
    Release(ctx context.Context, unitID int64, target, reason string) error
}

// AccountNotifier feeds call outcomes back to account selection and
// exposes the per-account control surface for forced hangups.
type AccountNotifier interface {
    CallFinished(name string, success bool)
    TerminateUpstream(ctx context.Context, accountName, providerCallID string) error
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
}

// statusRank orders the live statuses so stale events can be told apart
// from progress. Terminal statuses all rank the same.
func statusRank(s models.CallStatus) int {
    switch s {
    case models.CallStatusInitiated:
        return 0
    case models.CallStatusRinging:
        return 1
    case models.CallStatusInProgress:
        return 2
    }
    return 3
}

// Machine applies provider events to call records. Events arrive over
// the webhook path and from recovery's direct status queries; both
// funnel through HandleEvent so the transition rules live in one place.
type Machine struct {
    records  store.CallRecordStore
    pool     PoolReleaser
    accounts AccountNotifier
    metrics  MetricsInterface

    mu      sync.Mutex
    waiters map[string][]chan *models.CallRecord
}

func NewMachine(records store.CallRecordStore, pool PoolReleaser, accounts AccountNotifier, metrics MetricsInterface) *Machine {
    return &Machine{
        records:  records,
        pool:     pool,
        accounts: accounts,
        metrics:  metrics,
        waiters:  make(map[string][]chan *models.CallRecord),
    }
}

// HandleEvent advances the call the event belongs to. Duplicate and
// out-of-order events are absorbed: a terminal record never changes
// again, and a live record never moves backward. Events for unknown
// provider call ids are logged and dropped; the provider may fire
// callbacks before the placement response commits, and recovery will
// requery anything that stays silent.
func (m *Machine) HandleEvent(ctx context.Context, event *models.ProviderEvent) error {
    record, err := m.records.GetByProviderCallID(ctx, event.ProviderCallID)
    if err != nil {
        if errors.Is(err, errors.ErrCallNotFound) {
            logger.WithContext(ctx).WithFields(map[string]interface{}{
                "provider_call_id": event.ProviderCallID,
                "status":           event.Status,
            }).Warn("Event for unknown call, dropping")
            m.metrics.IncrementCounter("lifecycle_events_unknown", nil)
            return nil
        }
        return err
    }

    m.metrics.IncrementCounter("lifecycle_events", map[string]string{
        "status": string(event.Status),
    })

    if record.Status.IsTerminal() {
        logger.WithContext(ctx).WithFields(map[string]interface{}{
            "call_id": record.CallID,
            "status":  event.Status,
        }).Debug("Event after terminal state, ignoring")
        return nil
    }

    if statusRank(event.Status) <= statusRank(record.Status) && !event.Status.IsTerminal() {
        logger.WithContext(ctx).WithFields(map[string]interface{}{
            "call_id": record.CallID,
            "current": record.Status,
            "event":   event.Status,
        }).Debug("Stale event, ignoring")
        return nil
    }

    now := event.Timestamp
    if now.IsZero() {
        now = time.Now()
    }

    m.applyTransition(record, event, now)

    if err := m.records.Update(ctx, record); err != nil {
        return err
    }

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "call_id":     record.CallID,
        "status":      record.Status,
        "destination": record.Destination,
    }).Info("Call transitioned")

    if record.Status.IsTerminal() {
        m.finalize(ctx, record)
    } else if event.MachineAnswered() {
        // A machine picked up; hang up rather than burn talk time. The
        // terminal webhook that follows does the accounting.
        logger.WithContext(ctx).WithField("call_id", record.CallID).Info("Machine answer detected, terminating")
        m.metrics.IncrementCounter("lifecycle_machine_answers", nil)
        if err := m.accounts.TerminateUpstream(ctx, record.AccountName, record.ProviderCallID); err != nil {
            logger.WithContext(ctx).WithError(err).Warn("Failed to terminate machine-answered call")
        }
    }

    return nil
}

func (m *Machine) applyTransition(record *models.CallRecord, event *models.ProviderEvent, now time.Time) {
    switch event.Status {
    case models.CallStatusRinging:
        record.RingingTime = &now

    case models.CallStatusInProgress:
        record.AnswerTime = &now
        if record.RingingTime == nil {
            record.RingingTime = &now
        }
        if event.AnsweredBy != "" {
            record.AnsweredBy = event.AnsweredBy
        }
    }

    if !event.Status.IsTerminal() {
        record.Status = event.Status
        return
    }

    record.EndTime = &now
    if event.AnsweredBy != "" && record.AnsweredBy == "" {
        record.AnsweredBy = event.AnsweredBy
    }

    // Completed implies the call was answered even if the in-progress
    // event never arrived; backfill so durations stay consistent.
    if event.Status == models.CallStatusCompleted && record.AnswerTime == nil {
        answer := now
        if event.Duration > 0 {
            answer = now.Add(-time.Duration(event.Duration) * time.Second)
        }
        record.AnswerTime = &answer
        if record.RingingTime == nil {
            record.RingingTime = &answer
        }
    }

    if record.RingingTime != nil {
        ringEnd := now
        if record.AnswerTime != nil {
            ringEnd = *record.AnswerTime
        }
        record.RingingDuration = int(ringEnd.Sub(*record.RingingTime).Seconds())
    }
    if event.Duration > 0 {
        record.CallDuration = event.Duration
    } else if record.AnswerTime != nil {
        record.CallDuration = int(now.Sub(*record.AnswerTime).Seconds())
    }
    record.TotalDuration = int(now.Sub(record.StartTime).Seconds())

    if event.Status == models.CallStatusFailed && record.FailureReason == "" {
        record.FailureReason = "provider-failed"
    }

    record.Status = event.Status
}

// finalize runs the terminal-state side effects: pool release, account
// feedback, waiter wakeup.
func (m *Machine) finalize(ctx context.Context, record *models.CallRecord) {
    if err := m.pool.Release(ctx, record.CallerIDID, record.Destination, string(record.Status)); err != nil {
        logger.WithContext(ctx).WithError(err).WithField("call_id", record.CallID).
            Error("Failed to release caller-ID after terminal state")
    }

    m.accounts.CallFinished(record.AccountName, record.Status == models.CallStatusCompleted)

    m.metrics.IncrementCounter("calls_finished", map[string]string{
        "status": string(record.Status),
    })
    if record.CallDuration > 0 {
        m.metrics.ObserveHistogram("call_duration_seconds", float64(record.CallDuration), nil)
    }

    m.mu.Lock()
    waiters := m.waiters[record.CallID]
    delete(m.waiters, record.CallID)
    m.mu.Unlock()

    for _, ch := range waiters {
        ch <- record
        close(ch)
    }
}

// WaitTerminal blocks until the call reaches a terminal status or the
// timeout passes. A slow poll backstops the event path in case the
// terminal webhook is lost.
func (m *Machine) WaitTerminal(ctx context.Context, callID string, timeout time.Duration) (*models.CallRecord, error) {
    record, err := m.records.GetByCallID(ctx, callID)
    if err != nil {
        return nil, err
    }
    if record.Status.IsTerminal() {
        return record, nil
    }

    ch := make(chan *models.CallRecord, 1)
    m.mu.Lock()
    m.waiters[callID] = append(m.waiters[callID], ch)
    m.mu.Unlock()

    defer func() {
        m.mu.Lock()
        remaining := m.waiters[callID][:0]
        for _, w := range m.waiters[callID] {
            if w != ch {
                remaining = append(remaining, w)
            }
        }
        if len(remaining) == 0 {
            delete(m.waiters, callID)
        } else {
            m.waiters[callID] = remaining
        }
        m.mu.Unlock()
    }()

    deadline := time.NewTimer(timeout)
    defer deadline.Stop()
    poll := time.NewTicker(2 * time.Second)
    defer poll.Stop()

    for {
        select {
        case record := <-ch:
            if record != nil {
                return record, nil
            }
        case <-poll.C:
            record, err := m.records.GetByCallID(ctx, callID)
            if err == nil && record.Status.IsTerminal() {
                return record, nil
            }
        case <-deadline.C:
            return nil, errors.New(errors.ErrInternal, "timed out waiting for terminal state").
                WithContext("call_id", callID).
                WithContext("timeout", timeout.String())
        case <-ctx.Done():
            return nil, ctx.Err()
        }
    }
}
