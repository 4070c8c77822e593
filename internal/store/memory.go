package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

// In-memory store implementations with the same atomicity contracts as the
// MySQL ones, guarded by a single mutex per store. Used by the test suite;
// the clock is injectable so lease-expiry behavior is deterministic.

type MemoryCallerIDStore struct {
    mu     sync.Mutex
    units  map[int64]*models.CallerID
    nextID int64
    Clock  func() time.Time
}

func NewMemoryCallerIDStore() *MemoryCallerIDStore {
    return &MemoryCallerIDStore{
        units:  make(map[int64]*models.CallerID),
        nextID: 1,
        Clock:  time.Now,
    }
}

func (s *MemoryCallerIDStore) LeaseNext(ctx context.Context, target string, exclude []string, expiry time.Time) (*models.CallerID, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    now := s.Clock()
    excluded := make(map[string]bool, len(exclude))
    for _, n := range exclude {
        excluded[n] = true
    }

    var eligible []*models.CallerID
    for _, u := range s.units {
        if !u.Active || excluded[u.Number] || u.IsLeasedTo(target, now) {
            continue
        }
        eligible = append(eligible, u)
    }

    if len(eligible) == 0 {
        return nil, errors.New(errors.ErrResourceNotAvailable, "no caller-ID available").
            WithContext("target", target)
    }

    // Idle units first, then least recently used.
    sort.Slice(eligible, func(i, j int) bool {
        a, b := eligible[i], eligible[j]
        if avA, avB := a.IsAvailable(now), b.IsAvailable(now); avA != avB {
            return avA
        }
        switch {
        case a.LastUsedAt == nil && b.LastUsedAt != nil:
            return true
        case a.LastUsedAt != nil && b.LastUsedAt == nil:
            return false
        case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
            return a.LastUsedAt.Before(*b.LastUsedAt)
        }
        return a.ID < b.ID
    })

    u := eligible[0]
    exp := expiry
    leasedAt := now
    lastUsed := now
    u.CurrentTarget = target
    u.LeaseExpiry = &exp
    u.LeasedAt = &leasedAt
    u.LastUsedAt = &lastUsed
    u.UsageCount++
    u.UpdatedAt = now

    copied := *u
    return &copied, nil
}

func (s *MemoryCallerIDStore) Release(ctx context.Context, unitID int64, target string) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    u, ok := s.units[unitID]
    if !ok {
        return nil
    }
    if target != "" && u.CurrentTarget != target {
        return nil
    }

    now := s.Clock()
    u.CurrentTarget = ""
    u.LeaseExpiry = nil
    u.ReleasedAt = &now
    lastUsed := now
    u.LastUsedAt = &lastUsed
    u.UpdatedAt = now

    return nil
}

func (s *MemoryCallerIDStore) ReleaseAll(ctx context.Context) (int, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    now := s.Clock()
    released := 0
    for _, u := range s.units {
        if u.CurrentTarget != "" {
            u.CurrentTarget = ""
            u.LeaseExpiry = nil
            u.ReleasedAt = &now
            u.UpdatedAt = now
            released++
        }
    }

    return released, nil
}

func (s *MemoryCallerIDStore) ReleaseOldest(ctx context.Context, n int) (int, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var leased []*models.CallerID
    for _, u := range s.units {
        if u.CurrentTarget != "" {
            leased = append(leased, u)
        }
    }

    sort.Slice(leased, func(i, j int) bool {
        a, b := leased[i], leased[j]
        switch {
        case a.LeasedAt == nil:
            return true
        case b.LeasedAt == nil:
            return false
        }
        return a.LeasedAt.Before(*b.LeasedAt)
    })

    now := s.Clock()
    released := 0
    for i := 0; i < len(leased) && i < n; i++ {
        u := leased[i]
        u.CurrentTarget = ""
        u.LeaseExpiry = nil
        u.ReleasedAt = &now
        u.UpdatedAt = now
        released++
    }

    return released, nil
}

func (s *MemoryCallerIDStore) Status(ctx context.Context) (*models.PoolStatus, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    now := s.Clock()
    status := &models.PoolStatus{}
    for _, u := range s.units {
        if !u.Active {
            continue
        }
        status.Total++
        if u.IsAvailable(now) {
            status.Available++
        } else {
            status.Leased++
        }
        if u.CurrentTarget != "" && u.IsAvailable(now) {
            status.Stale++
        }
    }

    return status, nil
}

func (s *MemoryCallerIDStore) ListLeased(ctx context.Context) ([]*models.CallerID, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*models.CallerID
    for _, u := range s.units {
        if u.CurrentTarget != "" {
            copied := *u
            out = append(out, &copied)
        }
    }

    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (s *MemoryCallerIDStore) List(ctx context.Context) ([]*models.CallerID, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    out := make([]*models.CallerID, 0, len(s.units))
    for _, u := range s.units {
        copied := *u
        out = append(out, &copied)
    }

    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (s *MemoryCallerIDStore) GetByNumber(ctx context.Context, number string) (*models.CallerID, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    for _, u := range s.units {
        if u.Number == number {
            copied := *u
            return &copied, nil
        }
    }

    return nil, errors.New(errors.ErrResourceNotAvailable, "caller-ID not found").
        WithContext("number", number)
}

func (s *MemoryCallerIDStore) Insert(ctx context.Context, unit *models.CallerID) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    now := s.Clock()
    unit.ID = s.nextID
    s.nextID++
    unit.CreatedAt = now
    unit.UpdatedAt = now

    copied := *unit
    s.units[unit.ID] = &copied
    return nil
}

func (s *MemoryCallerIDStore) SetActive(ctx context.Context, number string, active bool) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    for _, u := range s.units {
        if u.Number == number {
            u.Active = active
            u.UpdatedAt = s.Clock()
            return nil
        }
    }

    return nil
}

type MemoryCallRecordStore struct {
    mu      sync.Mutex
    records map[string]*models.CallRecord
    order   []string
    nextID  int64
}

func NewMemoryCallRecordStore() *MemoryCallRecordStore {
    return &MemoryCallRecordStore{
        records: make(map[string]*models.CallRecord),
        nextID:  1,
    }
}

func (s *MemoryCallRecordStore) Insert(ctx context.Context, record *models.CallRecord) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    record.ID = s.nextID
    s.nextID++

    copied := *record
    s.records[record.CallID] = &copied
    s.order = append(s.order, record.CallID)
    return nil
}

func (s *MemoryCallRecordStore) Update(ctx context.Context, record *models.CallRecord) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if _, ok := s.records[record.CallID]; !ok {
        return errors.New(errors.ErrCallNotFound, "call record not found").
            WithContext("call_id", record.CallID)
    }

    copied := *record
    s.records[record.CallID] = &copied
    return nil
}

func (s *MemoryCallRecordStore) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    r, ok := s.records[callID]
    if !ok {
        return nil, errors.New(errors.ErrCallNotFound, "call record not found").
            WithContext("call_id", callID)
    }

    copied := *r
    return &copied, nil
}

func (s *MemoryCallRecordStore) GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    for _, r := range s.records {
        if r.ProviderCallID == providerCallID {
            copied := *r
            return &copied, nil
        }
    }

    return nil, errors.New(errors.ErrCallNotFound, "no call record for provider call id").
        WithContext("provider_call_id", providerCallID)
}

func (s *MemoryCallRecordStore) ListNonTerminal(ctx context.Context) ([]*models.CallRecord, error) {
    return s.filter(func(r *models.CallRecord) bool {
        return !r.Status.IsTerminal()
    })
}

func (s *MemoryCallRecordStore) ListStuck(ctx context.Context, status models.CallStatus, cutoff time.Time) ([]*models.CallRecord, error) {
    return s.filter(func(r *models.CallRecord) bool {
        return r.Status == status && r.StartTime.Before(cutoff)
    })
}

func (s *MemoryCallRecordStore) ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.CallRecord, error) {
    return s.filter(func(r *models.CallRecord) bool {
        return !r.Status.IsTerminal() && r.StartTime.Before(cutoff)
    })
}

func (s *MemoryCallRecordStore) ListRecent(ctx context.Context, limit int) ([]*models.CallRecord, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*models.CallRecord
    for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
        copied := *s.records[s.order[i]]
        out = append(out, &copied)
    }

    return out, nil
}

func (s *MemoryCallRecordStore) filter(keep func(*models.CallRecord) bool) ([]*models.CallRecord, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*models.CallRecord
    for _, callID := range s.order {
        r := s.records[callID]
        if keep(r) {
            copied := *r
            out = append(out, &copied)
        }
    }

    return out, nil
}

type MemoryBalanceStore struct {
    mu       sync.Mutex
    balances map[int64]int64
    ledger   []*models.LedgerEntry
    nextID   int64
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
    return &MemoryBalanceStore{
        balances: make(map[int64]int64),
        nextID:   1,
    }
}

func (s *MemoryBalanceStore) Debit(ctx context.Context, userID, amount int64, reason, callID string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "debit amount must be positive")
    }

    s.mu.Lock()
    defer s.mu.Unlock()

    balance, ok := s.balances[userID]
    if !ok {
        return 0, errors.New(errors.ErrUserNotFound, "no balance for user").
            WithContext("user_id", userID)
    }

    if balance < amount {
        return balance, errors.New(errors.ErrInsufficientBalance, "insufficient balance").
            WithContext("user_id", userID).
            WithContext("balance", balance).
            WithContext("amount", amount).
            WithStatusCode(402)
    }

    newBalance := balance - amount
    s.balances[userID] = newBalance
    s.appendEntry(userID, -amount, newBalance, reason, callID)

    return newBalance, nil
}

func (s *MemoryBalanceStore) Credit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "credit amount must be positive")
    }

    s.mu.Lock()
    defer s.mu.Unlock()

    newBalance := s.balances[userID] + amount
    s.balances[userID] = newBalance
    s.appendEntry(userID, amount, newBalance, reason, "")

    return newBalance, nil
}

func (s *MemoryBalanceStore) appendEntry(userID, amount, balance int64, reason, callID string) {
    s.ledger = append(s.ledger, &models.LedgerEntry{
        ID:        s.nextID,
        UserID:    userID,
        Amount:    amount,
        Balance:   balance,
        Reason:    reason,
        CallID:    callID,
        CreatedAt: time.Now(),
    })
    s.nextID++
}

func (s *MemoryBalanceStore) Balance(ctx context.Context, userID int64) (int64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    balance, ok := s.balances[userID]
    if !ok {
        return 0, errors.New(errors.ErrUserNotFound, "no balance for user").
            WithContext("user_id", userID)
    }

    return balance, nil
}

// Entries returns a copy of the ledger, oldest first.
func (s *MemoryBalanceStore) Entries() []*models.LedgerEntry {
    s.mu.Lock()
    defer s.mu.Unlock()

    out := make([]*models.LedgerEntry, len(s.ledger))
    copy(out, s.ledger)
    return out
}

type MemoryBlacklistStore struct {
    mu      sync.Mutex
    entries map[string]*models.BlacklistEntry
    nextID  int64
}

func NewMemoryBlacklistStore() *MemoryBlacklistStore {
    return &MemoryBlacklistStore{
        entries: make(map[string]*models.BlacklistEntry),
        nextID:  1,
    }
}

func blacklistKey(callerNumber, destination string) string {
    return callerNumber + "|" + destination
}

func (s *MemoryBlacklistStore) IsBlacklisted(ctx context.Context, callerNumber, destination string) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    _, ok := s.entries[blacklistKey(callerNumber, destination)]
    return ok, nil
}

func (s *MemoryBlacklistStore) Add(ctx context.Context, entry *models.BlacklistEntry) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    entry.ID = s.nextID
    s.nextID++
    entry.CreatedAt = time.Now()

    copied := *entry
    s.entries[blacklistKey(entry.CallerNumber, entry.Destination)] = &copied
    return nil
}

func (s *MemoryBlacklistStore) Remove(ctx context.Context, callerNumber, destination string) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    delete(s.entries, blacklistKey(callerNumber, destination))
    return nil
}

func (s *MemoryBlacklistStore) List(ctx context.Context) ([]*models.BlacklistEntry, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    out := make([]*models.BlacklistEntry, 0, len(s.entries))
    for _, e := range s.entries {
        copied := *e
        out = append(out, &copied)
    }

    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

type MemoryAccountStore struct {
    mu       sync.Mutex
    accounts map[string]*models.ProviderAccount
    nextID   int64
}

func NewMemoryAccountStore() *MemoryAccountStore {
    return &MemoryAccountStore{
        accounts: make(map[string]*models.ProviderAccount),
        nextID:   1,
    }
}

func (s *MemoryAccountStore) ListActive(ctx context.Context) ([]*models.ProviderAccount, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*models.ProviderAccount
    for _, a := range s.accounts {
        if a.Active {
            copied := *a
            out = append(out, &copied)
        }
    }

    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out, nil
}

func (s *MemoryAccountStore) List(ctx context.Context) ([]*models.ProviderAccount, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    out := make([]*models.ProviderAccount, 0, len(s.accounts))
    for _, a := range s.accounts {
        copied := *a
        out = append(out, &copied)
    }

    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out, nil
}

func (s *MemoryAccountStore) GetByName(ctx context.Context, name string) (*models.ProviderAccount, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    a, ok := s.accounts[name]
    if !ok {
        return nil, errors.New(errors.ErrAccountNotFound, "provider account not found").
            WithContext("name", name)
    }

    copied := *a
    return &copied, nil
}

func (s *MemoryAccountStore) Insert(ctx context.Context, account *models.ProviderAccount) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    account.ID = s.nextID
    s.nextID++
    account.CreatedAt = time.Now()
    account.UpdatedAt = account.CreatedAt

    copied := *account
    s.accounts[account.Name] = &copied
    return nil
}

func (s *MemoryAccountStore) SetActive(ctx context.Context, name string, active bool) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if a, ok := s.accounts[name]; ok {
        a.Active = active
        a.UpdatedAt = time.Now()
    }

    return nil
}
