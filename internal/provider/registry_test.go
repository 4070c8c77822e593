package provider

import (
    "context"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
)

type stubMetrics struct{}

func (stubMetrics) IncrementCounter(name string, labels map[string]string)                {}
func (stubMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {}
func (stubMetrics) SetGauge(name string, value float64, labels map[string]string)         {}

func newTestRegistry(t *testing.T, accounts ...*models.ProviderAccount) *Registry {
    t.Helper()
    accountStore := store.NewMemoryAccountStore()
    for _, a := range accounts {
        require.NoError(t, accountStore.Insert(context.Background(), a))
    }
    return NewRegistry(accountStore, stubMetrics{}, func(account models.ProviderAccount) CallController {
        return NewMockController()
    })
}

func TestSelectPrefersLeastActiveAccount(t *testing.T) {
    reg := newTestRegistry(t,
        &models.ProviderAccount{Name: "acct-a", Active: true},
        &models.ProviderAccount{Name: "acct-b", Active: true},
    )
    ctx := context.Background()

    first, _, err := reg.Select(ctx)
    require.NoError(t, err)
    reg.CallStarted(first.Name)

    second, _, err := reg.Select(ctx)
    require.NoError(t, err)
    assert.NotEqual(t, first.Name, second.Name)
}

func TestSelectSkipsAccountsAtCapacity(t *testing.T) {
    reg := newTestRegistry(t,
        &models.ProviderAccount{Name: "acct-a", MaxConcurrent: 1, Active: true},
        &models.ProviderAccount{Name: "acct-b", MaxConcurrent: 1, Active: true},
    )
    ctx := context.Background()

    reg.CallStarted("acct-a")

    selected, _, err := reg.Select(ctx)
    require.NoError(t, err)
    assert.Equal(t, "acct-b", selected.Name)

    reg.CallStarted("acct-b")
    _, _, err = reg.Select(ctx)
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrResourceNotAvailable))

    reg.CallFinished("acct-a", true)
    selected, _, err = reg.Select(ctx)
    require.NoError(t, err)
    assert.Equal(t, "acct-a", selected.Name)
}

func TestFailureStreakMarksAccountUnhealthy(t *testing.T) {
    reg := newTestRegistry(t,
        &models.ProviderAccount{Name: "acct-a", Active: true},
        &models.ProviderAccount{Name: "acct-b", Active: true},
    )
    ctx := context.Background()

    for i := 0; i < 5; i++ {
        reg.CallStarted("acct-a")
        reg.CallFinished("acct-a", false)
    }

    for i := 0; i < 3; i++ {
        selected, _, err := reg.Select(ctx)
        require.NoError(t, err)
        assert.Equal(t, "acct-b", selected.Name)
        reg.CallStarted(selected.Name)
    }
}

func TestAllUnhealthyFallsBackToLeastFailed(t *testing.T) {
    reg := newTestRegistry(t,
        &models.ProviderAccount{Name: "acct-a", Active: true},
        &models.ProviderAccount{Name: "acct-b", Active: true},
    )
    ctx := context.Background()

    for i := 0; i < 6; i++ {
        reg.CallStarted("acct-a")
        reg.CallFinished("acct-a", false)
    }
    for i := 0; i < 5; i++ {
        reg.CallStarted("acct-b")
        reg.CallFinished("acct-b", false)
    }

    selected, _, err := reg.Select(ctx)
    require.NoError(t, err)
    assert.Equal(t, "acct-b", selected.Name)
}

func TestSelectWithNoAccounts(t *testing.T) {
    reg := newTestRegistry(t)
    _, _, err := reg.Select(context.Background())
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func TestStatsSnapshot(t *testing.T) {
    reg := newTestRegistry(t, &models.ProviderAccount{Name: "acct-a", Active: true})

    reg.CallStarted("acct-a")
    reg.CallFinished("acct-a", true)
    reg.CallStarted("acct-a")
    reg.CallFinished("acct-a", false)

    stats := reg.Stats()
    require.Contains(t, stats, "acct-a")
    assert.Equal(t, int64(2), stats["acct-a"].TotalCalls)
    assert.Equal(t, int64(1), stats["acct-a"].FailedCalls)
    assert.Equal(t, int64(0), stats["acct-a"].ActiveCalls)
    assert.True(t, stats["acct-a"].Healthy)
}
