package provider

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// HTTPController drives one upstream account over its REST call API.
// Origination and status queries are form/JSON exchanges against the
// account's base URL.
type HTTPController struct {
    account models.ProviderAccount
    client  *http.Client
}

func NewHTTPController(account models.ProviderAccount, timeout time.Duration) *HTTPController {
    if timeout <= 0 {
        timeout = 10 * time.Second
    }
    return &HTTPController{
        account: account,
        client:  &http.Client{Timeout: timeout},
    }
}

func (c *HTTPController) AccountName() string {
    return c.account.Name
}

type callResource struct {
    Sid        string `json:"sid"`
    Status     string `json:"status"`
    Duration   int    `json:"duration,string,omitempty"`
    AnsweredBy string `json:"answered_by,omitempty"`
}

func (c *HTTPController) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
    form := url.Values{}
    form.Set("From", req.From)
    form.Set("To", req.To)
    form.Set("CallId", req.CallID)
    if req.StatusCallback != "" {
        form.Set("StatusCallback", req.StatusCallback)
    }

    var resource callResource
    if err := c.do(ctx, http.MethodPost, "/Calls", form, &resource); err != nil {
        return nil, errors.Wrap(err, errors.ErrPlacementFailed, "failed to place call").
            WithContext("account", c.account.Name).
            WithContext("call_id", req.CallID)
    }

    if resource.Sid == "" {
        return nil, errors.New(errors.ErrPlacementFailed, "provider returned no call sid").
            WithContext("account", c.account.Name)
    }

    status, ok := models.ParseCallStatus(resource.Status)
    if !ok {
        status = models.CallStatusInitiated
    }

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "account":          c.account.Name,
        "provider_call_id": resource.Sid,
        "status":           status,
    }).Debug("Call placed upstream")

    return &PlaceCallResponse{ProviderCallID: resource.Sid, Status: status}, nil
}

// TerminateCall asks the upstream to hang up. The upstream pushes the
// resulting terminal status through the normal webhook path.
func (c *HTTPController) TerminateCall(ctx context.Context, providerCallID string) error {
    form := url.Values{}
    form.Set("Status", "completed")

    path := fmt.Sprintf("/Calls/%s", url.PathEscape(providerCallID))
    if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to terminate call").
            WithContext("account", c.account.Name).
            WithContext("provider_call_id", providerCallID)
    }
    return nil
}

func (c *HTTPController) QueryCallStatus(ctx context.Context, providerCallID string) (*models.ProviderEvent, error) {
    path := fmt.Sprintf("/Calls/%s", url.PathEscape(providerCallID))

    var resource callResource
    if err := c.do(ctx, http.MethodGet, path, nil, &resource); err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to query call status").
            WithContext("account", c.account.Name).
            WithContext("provider_call_id", providerCallID)
    }

    status, ok := models.ParseCallStatus(resource.Status)
    if !ok {
        return nil, errors.New(errors.ErrInternal, "provider returned unknown status").
            WithContext("status", resource.Status)
    }

    return &models.ProviderEvent{
        ProviderCallID: providerCallID,
        Status:         status,
        Duration:       resource.Duration,
        AnsweredBy:     resource.AnsweredBy,
        Timestamp:      time.Now(),
    }, nil
}

func (c *HTTPController) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
    var body io.Reader
    if form != nil {
        body = strings.NewReader(form.Encode())
    }

    req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.account.BaseURL, "/")+path, body)
    if err != nil {
        return err
    }
    if form != nil {
        req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    }
    if c.account.AuthToken != "" {
        req.Header.Set("Authorization", "Bearer "+c.account.AuthToken)
    }

    resp, err := c.client.Do(req)
    if err != nil {
        return err
    }
    defer resp.Body.Close()

    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
    }

    if out == nil {
        return nil
    }
    return json.NewDecoder(resp.Body).Decode(out)
}
