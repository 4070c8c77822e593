package provider

import (
    "context"
    "sync"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

// ControllerFactory builds the control surface for an account. The
// default wires HTTPController; tests substitute mocks.
type ControllerFactory func(account models.ProviderAccount) CallController

// accountHealth tracks in-flight load and failure streaks per account.
type accountHealth struct {
    mu                  sync.Mutex
    activeCalls         int64
    totalCalls          int64
    failedCalls         int64
    consecutiveFailures int
    lastFailure         time.Time
    healthy             bool
}

// Registry holds the upstream accounts and picks the least-loaded
// healthy one for each origination. Adapted least-connections selection
// with failure-streak health marking and timed auto-recovery.
type Registry struct {
    accounts store.AccountStore
    metrics  MetricsInterface
    factory  ControllerFactory

    recoveryAfter time.Duration

    mu          sync.Mutex
    controllers map[string]CallController
    health      map[string]*accountHealth
}

func NewRegistry(accounts store.AccountStore, metrics MetricsInterface, factory ControllerFactory) *Registry {
    if factory == nil {
        factory = func(account models.ProviderAccount) CallController {
            return NewHTTPController(account, 10*time.Second)
        }
    }
    return &Registry{
        accounts:      accounts,
        metrics:       metrics,
        factory:       factory,
        recoveryAfter: 5 * time.Minute,
        controllers:   make(map[string]CallController),
        health:        make(map[string]*accountHealth),
    }
}

// Select returns the least-active healthy account and its controller.
// Accounts at their concurrent-call cap are skipped; when every account
// is unhealthy the least-failed one is used anyway.
func (r *Registry) Select(ctx context.Context) (*models.ProviderAccount, CallController, error) {
    accounts, err := r.accounts.ListActive(ctx)
    if err != nil {
        return nil, nil, err
    }
    if len(accounts) == 0 {
        return nil, nil, errors.New(errors.ErrAccountNotFound, "no active provider accounts")
    }

    var selected *models.ProviderAccount
    var fallback *models.ProviderAccount
    minActive := int64(-1)
    minFailures := -1

    for _, account := range accounts {
        h := r.getHealth(account.Name)
        h.mu.Lock()
        active := h.activeCalls
        healthy := h.healthy || time.Since(h.lastFailure) > r.recoveryAfter
        failures := h.consecutiveFailures
        h.mu.Unlock()

        if account.MaxConcurrent > 0 && active >= int64(account.MaxConcurrent) {
            continue
        }

        if healthy && (minActive < 0 || active < minActive) {
            minActive = active
            selected = account
        }
        if minFailures < 0 || failures < minFailures {
            minFailures = failures
            fallback = account
        }
    }

    if selected == nil {
        if fallback == nil {
            return nil, nil, errors.New(errors.ErrResourceNotAvailable, "all provider accounts at capacity")
        }
        logger.WithContext(ctx).Warn("No healthy provider accounts, using least-failed")
        selected = fallback
    }

    return selected, r.getController(*selected), nil
}

// Controller returns the control surface for a named account.
func (r *Registry) Controller(ctx context.Context, name string) (CallController, error) {
    account, err := r.accounts.GetByName(ctx, name)
    if err != nil {
        return nil, err
    }
    return r.getController(*account), nil
}

// TerminateUpstream hangs up a call on its owning account.
func (r *Registry) TerminateUpstream(ctx context.Context, accountName, providerCallID string) error {
    controller, err := r.Controller(ctx, accountName)
    if err != nil {
        return err
    }
    return controller.TerminateCall(ctx, providerCallID)
}

// QueryUpstreamStatus asks the owning account for a call's current state.
func (r *Registry) QueryUpstreamStatus(ctx context.Context, accountName, providerCallID string) (*models.ProviderEvent, error) {
    controller, err := r.Controller(ctx, accountName)
    if err != nil {
        return nil, err
    }
    return controller.QueryCallStatus(ctx, providerCallID)
}

// CallStarted records an origination against the account's load.
func (r *Registry) CallStarted(name string) {
    h := r.getHealth(name)
    h.mu.Lock()
    h.activeCalls++
    h.totalCalls++
    active := h.activeCalls
    h.mu.Unlock()

    r.metrics.SetGauge("provider_active_calls", float64(active), map[string]string{
        "account": name,
    })
}

// CallFinished records the outcome and releases the load slot. Five
// straight failures mark the account unhealthy until the recovery
// window passes without another failure.
func (r *Registry) CallFinished(name string, success bool) {
    h := r.getHealth(name)
    h.mu.Lock()
    if h.activeCalls > 0 {
        h.activeCalls--
    }
    if success {
        h.consecutiveFailures = 0
        h.healthy = true
    } else {
        h.failedCalls++
        h.consecutiveFailures++
        h.lastFailure = time.Now()
        if h.consecutiveFailures >= 5 {
            h.healthy = false
        }
    }
    active := h.activeCalls
    healthy := h.healthy
    h.mu.Unlock()

    r.metrics.SetGauge("provider_active_calls", float64(active), map[string]string{
        "account": name,
    })
    r.metrics.IncrementCounter("provider_calls_total", map[string]string{
        "account": name,
        "status":  map[bool]string{true: "success", false: "failed"}[success],
    })

    if !healthy {
        logger.WithField("account", name).Warn("Provider account marked unhealthy")
    }
}

// Stats returns a snapshot of per-account counters for monitoring.
func (r *Registry) Stats() map[string]models.ProviderAccountStats {
    r.mu.Lock()
    defer r.mu.Unlock()

    stats := make(map[string]models.ProviderAccountStats, len(r.health))
    for name, h := range r.health {
        h.mu.Lock()
        stats[name] = models.ProviderAccountStats{
            AccountName: name,
            ActiveCalls: h.activeCalls,
            TotalCalls:  h.totalCalls,
            FailedCalls: h.failedCalls,
            Healthy:     h.healthy,
        }
        h.mu.Unlock()
    }
    return stats
}

func (r *Registry) getHealth(name string) *accountHealth {
    r.mu.Lock()
    defer r.mu.Unlock()

    h, ok := r.health[name]
    if !ok {
        h = &accountHealth{healthy: true}
        r.health[name] = h
    }
    return h
}

func (r *Registry) getController(account models.ProviderAccount) CallController {
    r.mu.Lock()
    defer r.mu.Unlock()

    c, ok := r.controllers[account.Name]
    if !ok {
        c = r.factory(account)
        r.controllers[account.Name] = c
    }
    return c
}
