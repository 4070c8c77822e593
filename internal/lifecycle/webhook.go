package lifecycle

import (
    "net/url"
    "strconv"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

// ParseWebhookForm decodes a provider status callback. Providers post
// form-encoded callbacks with CallSid/CallStatus and, on terminal
// events, CallDuration.
func ParseWebhookForm(form url.Values) (*models.ProviderEvent, error) {
    sid := form.Get("CallSid")
    if sid == "" {
        return nil, errors.New(errors.ErrInternal, "callback missing CallSid")
    }

    rawStatus := form.Get("CallStatus")
    status, ok := models.ParseCallStatus(rawStatus)
    if !ok {
        return nil, errors.New(errors.ErrInternal, "callback has unknown CallStatus").
            WithContext("call_status", rawStatus)
    }

    event := &models.ProviderEvent{
        ProviderCallID: sid,
        Status:         status,
        AnsweredBy:     form.Get("AnsweredBy"),
        Timestamp:      time.Now(),
    }

    if raw := form.Get("CallDuration"); raw != "" {
        duration, err := strconv.Atoi(raw)
        if err != nil || duration < 0 {
            return nil, errors.New(errors.ErrInternal, "callback has invalid CallDuration").
                WithContext("call_duration", raw)
        }
        event.Duration = duration
    }

    if raw := form.Get("Timestamp"); raw != "" {
        if ts, err := time.Parse(time.RFC1123Z, raw); err == nil {
            event.Timestamp = ts
        }
    }

    return event, nil
}
