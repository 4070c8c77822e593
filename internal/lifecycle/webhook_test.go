package lifecycle

import (
    "net/url"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/voiceops/outdial/internal/models"
)

func TestParseWebhookForm(t *testing.T) {
    form := url.Values{}
    form.Set("CallSid", "PC123")
    form.Set("CallStatus", "completed")
    form.Set("CallDuration", "42")
    form.Set("AnsweredBy", "human")

    event, err := ParseWebhookForm(form)
    require.NoError(t, err)
    assert.Equal(t, "PC123", event.ProviderCallID)
    assert.Equal(t, models.CallStatusCompleted, event.Status)
    assert.Equal(t, 42, event.Duration)
    assert.Equal(t, "human", event.AnsweredBy)
    assert.False(t, event.Timestamp.IsZero())
}

func TestParseWebhookFormMapsProviderAliases(t *testing.T) {
    form := url.Values{}
    form.Set("CallSid", "PC123")
    form.Set("CallStatus", "queued")

    event, err := ParseWebhookForm(form)
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusInitiated, event.Status)

    form.Set("CallStatus", "answered")
    event, err = ParseWebhookForm(form)
    require.NoError(t, err)
    assert.Equal(t, models.CallStatusInProgress, event.Status)
}

func TestParseWebhookFormRejectsBadInput(t *testing.T) {
    form := url.Values{}
    form.Set("CallStatus", "completed")
    _, err := ParseWebhookForm(form)
    require.Error(t, err)

    form.Set("CallSid", "PC123")
    form.Set("CallStatus", "warbling")
    _, err = ParseWebhookForm(form)
    require.Error(t, err)

    form.Set("CallStatus", "completed")
    form.Set("CallDuration", "-3")
    _, err = ParseWebhookForm(form)
    require.Error(t, err)
}
