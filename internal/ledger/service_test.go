package ledger

import (
    "context"
    "sync"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
)

type stubMetrics struct{}

func (stubMetrics) IncrementCounter(name string, labels map[string]string) {}

func newTestService() (*Service, *store.MemoryBalanceStore) {
    balances := store.NewMemoryBalanceStore()
    return NewService(balances, stubMetrics{}), balances
}

func TestDebitAndCredit(t *testing.T) {
    svc, _ := newTestService()
    ctx := context.Background()

    balance, err := svc.Credit(ctx, 1, 1000, "topup")
    require.NoError(t, err)
    assert.Equal(t, int64(1000), balance)

    balance, err = svc.Debit(ctx, 1, 300, "call-charge", "call-1")
    require.NoError(t, err)
    assert.Equal(t, int64(700), balance)

    balance, err = svc.Balance(ctx, 1)
    require.NoError(t, err)
    assert.Equal(t, int64(700), balance)
}

func TestDebitRejectsInsufficientFunds(t *testing.T) {
    svc, _ := newTestService()
    ctx := context.Background()

    _, err := svc.Credit(ctx, 1, 100, "topup")
    require.NoError(t, err)

    _, err = svc.Debit(ctx, 1, 150, "call-charge", "call-1")
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))

    // Rejected debit leaves the balance exactly as it was.
    balance, err := svc.Balance(ctx, 1)
    require.NoError(t, err)
    assert.Equal(t, int64(100), balance)
}

func TestDebitRejectsNonPositiveAmounts(t *testing.T) {
    svc, _ := newTestService()
    ctx := context.Background()

    _, err := svc.Debit(ctx, 1, 0, "call-charge", "")
    require.Error(t, err)
    _, err = svc.Debit(ctx, 1, -5, "call-charge", "")
    require.Error(t, err)
    _, err = svc.Credit(ctx, 1, 0, "topup")
    require.Error(t, err)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
    svc, _ := newTestService()
    ctx := context.Background()

    _, err := svc.Credit(ctx, 1, 1000, "topup")
    require.NoError(t, err)

    // 20 workers race to take 300 each from a balance of 1000; exactly
    // floor(1000/300) = 3 must succeed.
    const workers = 20
    var wg sync.WaitGroup
    var mu sync.Mutex
    var succeeded int
    for i := 0; i < workers; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            if _, err := svc.Debit(ctx, 1, 300, "call-charge", ""); err == nil {
                mu.Lock()
                succeeded++
                mu.Unlock()
            }
        }()
    }
    wg.Wait()

    assert.Equal(t, 3, succeeded)

    balance, err := svc.Balance(ctx, 1)
    require.NoError(t, err)
    assert.Equal(t, int64(100), balance)
}

func TestLedgerEntriesRecordEveryMovement(t *testing.T) {
    svc, balances := newTestService()
    ctx := context.Background()

    _, err := svc.Credit(ctx, 1, 500, "topup")
    require.NoError(t, err)
    _, err = svc.Debit(ctx, 1, 200, "call-charge", "call-9")
    require.NoError(t, err)
    _, err = svc.Credit(ctx, 1, 200, "refund")
    require.NoError(t, err)

    entries := balances.Entries()
    require.Len(t, entries, 3)
    assert.Equal(t, int64(500), entries[0].Amount)
    assert.Equal(t, int64(-200), entries[1].Amount)
    assert.Equal(t, "call-9", entries[1].CallID)
    assert.Equal(t, int64(200), entries[2].Amount)
    assert.Equal(t, int64(500), entries[2].Balance)
}

func TestBalanceForUnknownUser(t *testing.T) {
    svc, _ := newTestService()
    _, err := svc.Balance(context.Background(), 42)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrUserNotFound))

    _, err = svc.Debit(context.Background(), 42, 10, "call-charge", "")
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrUserNotFound))
}
