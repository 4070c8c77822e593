package provider

import (
    "context"
    "fmt"
    "sync"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

// MockController is an in-memory CallController for tests. Each
// origination gets a generated provider call id; behavior is scripted
// through the hook funcs.
type MockController struct {
    mu     sync.Mutex
    nextID int

    // PlaceErr, when set, fails every origination.
    PlaceErr error

    // OnPlace, when set, overrides the default accept behavior.
    OnPlace func(req PlaceCallRequest) (*PlaceCallResponse, error)

    // Statuses maps provider call ids to the event QueryCallStatus
    // returns. Unknown ids fail.
    Statuses map[string]*models.ProviderEvent

    Placed     []PlaceCallRequest
    Terminated []string
}

func NewMockController() *MockController {
    return &MockController{Statuses: make(map[string]*models.ProviderEvent)}
}

func (m *MockController) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    if m.OnPlace != nil {
        resp, err := m.OnPlace(req)
        if err == nil {
            m.Placed = append(m.Placed, req)
        }
        return resp, err
    }
    if m.PlaceErr != nil {
        return nil, m.PlaceErr
    }

    m.nextID++
    m.Placed = append(m.Placed, req)
    return &PlaceCallResponse{
        ProviderCallID: fmt.Sprintf("PC%04d", m.nextID),
        Status:         models.CallStatusInitiated,
    }, nil
}

func (m *MockController) TerminateCall(ctx context.Context, providerCallID string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.Terminated = append(m.Terminated, providerCallID)
    return nil
}

func (m *MockController) QueryCallStatus(ctx context.Context, providerCallID string) (*models.ProviderEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    event, ok := m.Statuses[providerCallID]
    if !ok {
        return nil, errors.New(errors.ErrCallNotFound, "unknown provider call id").
            WithContext("provider_call_id", providerCallID)
    }
    return event, nil
}

// SetStatus scripts the status QueryCallStatus reports for a call.
func (m *MockController) SetStatus(providerCallID string, event *models.ProviderEvent) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.Statuses[providerCallID] = event
}

// PlacedCount returns how many originations succeeded.
func (m *MockController) PlacedCount() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.Placed)
}
