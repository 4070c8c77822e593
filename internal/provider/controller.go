package provider

import (
    "context"

    "github.com/voiceops/outdial/internal/models"
)

// PlaceCallRequest carries everything an upstream account needs to
// originate a call.
type PlaceCallRequest struct {
    CallID         string
    From           string
    To             string
    StatusCallback string
}

// PlaceCallResponse is the upstream acknowledgement of an origination.
type PlaceCallResponse struct {
    ProviderCallID string
    Status         models.CallStatus
}

// CallController is the upstream control surface for a single account.
// Implementations must be safe for concurrent use.
type CallController interface {
    PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error)
    TerminateCall(ctx context.Context, providerCallID string) error
    QueryCallStatus(ctx context.Context, providerCallID string) (*models.ProviderEvent, error)
}
