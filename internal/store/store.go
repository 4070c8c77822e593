package store

import (
    "context"
    "time"

    "github.com/voiceops/outdial/internal/models"
)

// CallerIDStore persists the caller-ID pool. LeaseNext and the release
// operations carry the atomicity contract the pool manager relies on:
// no two concurrent LeaseNext calls for the same target may return the
// same unit while both leases are live.
type CallerIDStore interface {
    // LeaseNext atomically selects and marks the least-recently-used
    // eligible unit. Eligible: active, not in exclude, and not holding a
    // live lease for target. Returns ErrResourceNotAvailable when the
    // pool has no eligible unit.
    LeaseNext(ctx context.Context, target string, exclude []string, expiry time.Time) (*models.CallerID, error)

    // Release clears the lease fields, but only while the unit's lease
    // still belongs to target; a unit re-leased to another destination
    // keeps that newer lease. An empty target clears unconditionally.
    // Idempotent.
    Release(ctx context.Context, unitID int64, target string) error

    // ReleaseAll clears every live lease and returns how many were cleared.
    ReleaseAll(ctx context.Context) (int, error)

    // ReleaseOldest clears the n least-recently-leased live leases.
    ReleaseOldest(ctx context.Context, n int) (int, error)

    Status(ctx context.Context) (*models.PoolStatus, error)
    ListLeased(ctx context.Context) ([]*models.CallerID, error)
    List(ctx context.Context) ([]*models.CallerID, error)
    GetByNumber(ctx context.Context, number string) (*models.CallerID, error)
    Insert(ctx context.Context, unit *models.CallerID) error
    SetActive(ctx context.Context, number string, active bool) error
}

// CallRecordStore persists call attempts. Records require only per-row
// atomic updates; there is no cross-row locking discipline here.
type CallRecordStore interface {
    Insert(ctx context.Context, record *models.CallRecord) error
    Update(ctx context.Context, record *models.CallRecord) error
    GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
    GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error)
    ListNonTerminal(ctx context.Context) ([]*models.CallRecord, error)
    ListStuck(ctx context.Context, status models.CallStatus, cutoff time.Time) ([]*models.CallRecord, error)
    ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.CallRecord, error)
    ListRecent(ctx context.Context, limit int) ([]*models.CallRecord, error)
}

// BalanceStore holds user balances in minor units. Debit is serializable
// against concurrent debits on the same user: at most floor(balance/amount)
// of a burst may succeed.
type BalanceStore interface {
    // Debit decrements atomically and returns the new balance, or
    // ErrInsufficientBalance with no side effects.
    Debit(ctx context.Context, userID, amount int64, reason, callID string) (int64, error)

    // Credit increments atomically under the same locking primitive.
    Credit(ctx context.Context, userID, amount int64, reason string) (int64, error)

    Balance(ctx context.Context, userID int64) (int64, error)
}

// BlacklistStore tracks caller-ID numbers that must not dial a destination.
type BlacklistStore interface {
    IsBlacklisted(ctx context.Context, callerNumber, destination string) (bool, error)
    Add(ctx context.Context, entry *models.BlacklistEntry) error
    Remove(ctx context.Context, callerNumber, destination string) error
    List(ctx context.Context) ([]*models.BlacklistEntry, error)
}

// AccountStore persists provider accounts. Populated by inventory sync
// and the CLI, read by the placement path.
type AccountStore interface {
    ListActive(ctx context.Context) ([]*models.ProviderAccount, error)
    List(ctx context.Context) ([]*models.ProviderAccount, error)
    GetByName(ctx context.Context, name string) (*models.ProviderAccount, error)
    Insert(ctx context.Context, account *models.ProviderAccount) error
    SetActive(ctx context.Context, name string, active bool) error
}
