package models

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// Call status, following the provider's webhook vocabulary
type CallStatus string

const (
    CallStatusInitiated  CallStatus = "initiated"
    CallStatusRinging    CallStatus = "ringing"
    CallStatusInProgress CallStatus = "in-progress"
    CallStatusCompleted  CallStatus = "completed"
    CallStatusBusy       CallStatus = "busy"
    CallStatusNoAnswer   CallStatus = "no-answer"
    CallStatusCanceled   CallStatus = "canceled"
    CallStatusFailed     CallStatus = "failed"
)

// IsTerminal reports whether no further transition is possible from s.
func (s CallStatus) IsTerminal() bool {
    switch s {
    case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
        CallStatusCanceled, CallStatusFailed:
        return true
    }
    return false
}

// ParseCallStatus maps a provider status string onto a known status.
// Unknown strings come back as empty with ok=false.
func ParseCallStatus(s string) (CallStatus, bool) {
    switch CallStatus(s) {
    case CallStatusInitiated, CallStatusRinging, CallStatusInProgress,
        CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
        CallStatusCanceled, CallStatusFailed:
        return CallStatus(s), true
    case "queued":
        return CallStatusInitiated, true
    case "answered":
        return CallStatusInProgress, true
    }
    return "", false
}

// JSON field for database storage
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        return nil
    }

    return json.Unmarshal(bytes, j)
}

// CallerID is a leasable outbound caller-ID number owned by a provider account.
type CallerID struct {
    ID            int64      `json:"id" db:"id"`
    Number        string     `json:"number" db:"number"`
    AccountName   string     `json:"account_name" db:"account_name"`
    Active        bool       `json:"active" db:"active"`
    CurrentTarget string     `json:"current_target,omitempty" db:"current_target"`
    LeaseExpiry   *time.Time `json:"lease_expiry,omitempty" db:"lease_expiry"`
    LeasedAt      *time.Time `json:"leased_at,omitempty" db:"leased_at"`
    ReleasedAt    *time.Time `json:"released_at,omitempty" db:"released_at"`
    LastUsedAt    *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
    UsageCount    int64      `json:"usage_count" db:"usage_count"`
    Metadata      JSON       `json:"metadata,omitempty" db:"metadata"`
    CreatedAt     time.Time  `json:"created_at" db:"created_at"`
    UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// IsAvailable reports whether the unit can take a fresh lease at now.
// A unit is available when it has no target or its lease safety window passed.
func (c *CallerID) IsAvailable(now time.Time) bool {
    if c.CurrentTarget == "" {
        return true
    }
    return c.LeaseExpiry != nil && !c.LeaseExpiry.After(now)
}

// IsLeasedTo reports whether the unit holds a live lease for target.
func (c *CallerID) IsLeasedTo(target string, now time.Time) bool {
    return c.CurrentTarget == target && c.LeaseExpiry != nil && c.LeaseExpiry.After(now)
}

// CallRecord tracks one call attempt through its lifecycle.
type CallRecord struct {
    ID              int64      `json:"id" db:"id"`
    CallID          string     `json:"call_id" db:"call_id"`
    UserID          int64      `json:"user_id" db:"user_id"`
    Destination     string     `json:"destination" db:"destination"`
    CallerIDID      int64      `json:"caller_id_id" db:"caller_id_id"`
    CallerIDNumber  string     `json:"caller_id_number" db:"caller_id_number"`
    AccountName     string     `json:"account_name" db:"account_name"`
    AttemptIndex    int        `json:"attempt_index" db:"attempt_index"`
    TotalAttempts   int        `json:"total_attempts" db:"total_attempts"`
    ProviderCallID  string     `json:"provider_call_id,omitempty" db:"provider_call_id"`
    Status          CallStatus `json:"status" db:"status"`
    FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
    AnsweredBy      string     `json:"answered_by,omitempty" db:"answered_by"`
    StartTime       time.Time  `json:"start_time" db:"start_time"`
    RingingTime     *time.Time `json:"ringing_time,omitempty" db:"ringing_time"`
    AnswerTime      *time.Time `json:"answer_time,omitempty" db:"answer_time"`
    EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
    RingingDuration int        `json:"ringing_duration" db:"ringing_duration"`
    CallDuration    int        `json:"call_duration" db:"call_duration"`
    TotalDuration   int        `json:"total_duration" db:"total_duration"`
    Metadata        JSON       `json:"metadata,omitempty" db:"metadata"`
}

// ProviderEvent is one inbound lifecycle event from the telephony provider.
// Delivery is asynchronous and at-least-zero; events may duplicate or reorder.
type ProviderEvent struct {
    ProviderCallID string     `json:"provider_call_id"`
    Status         CallStatus `json:"status"`
    Duration       int        `json:"duration,omitempty"`
    AnsweredBy     string     `json:"answered_by,omitempty"`
    Timestamp      time.Time  `json:"timestamp"`
}

// MachineAnswered reports whether the event says an answering machine,
// not a person, picked up.
func (e ProviderEvent) MachineAnswered() bool {
    switch e.AnsweredBy {
    case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other", "fax":
        return true
    }
    return false
}

// PoolStatus is a point-in-time snapshot of the caller-ID pool.
// Stale counts units whose lease expiry passed without a release.
type PoolStatus struct {
    Total     int `json:"total"`
    Available int `json:"available"`
    Leased    int `json:"leased"`
    Stale     int `json:"stale"`
}

// LedgerEntry is one immutable balance mutation.
type LedgerEntry struct {
    ID        int64     `json:"id" db:"id"`
    UserID    int64     `json:"user_id" db:"user_id"`
    Amount    int64     `json:"amount" db:"amount"`
    Balance   int64     `json:"balance" db:"balance"`
    Reason    string    `json:"reason" db:"reason"`
    CallID    string    `json:"call_id,omitempty" db:"call_id"`
    CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ProviderAccount is one upstream telephony account the pool spans.
type ProviderAccount struct {
    ID            int64     `json:"id" db:"id"`
    Name          string    `json:"name" db:"name"`
    BaseURL       string    `json:"base_url" db:"base_url"`
    AuthToken     string    `json:"auth_token,omitempty" db:"auth_token"`
    MaxConcurrent int       `json:"max_concurrent" db:"max_concurrent"`
    Active        bool      `json:"active" db:"active"`
    CreatedAt     time.Time `json:"created_at" db:"created_at"`
    UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ProviderAccountStats is a monitoring snapshot of one upstream account.
type ProviderAccountStats struct {
    AccountName string `json:"account_name"`
    ActiveCalls int64  `json:"active_calls"`
    TotalCalls  int64  `json:"total_calls"`
    FailedCalls int64  `json:"failed_calls"`
    Healthy     bool   `json:"healthy"`
}

// BlacklistEntry marks a caller-ID number as unusable for a destination.
type BlacklistEntry struct {
    ID           int64     `json:"id" db:"id"`
    CallerNumber string    `json:"caller_number" db:"caller_number"`
    Destination  string    `json:"destination" db:"destination"`
    Reason       string    `json:"reason,omitempty" db:"reason"`
    CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// DialResult summarizes a multi-attempt dial request. Charged is the net
// amount kept after the refund for attempts never made; Refunded is what
// came back from the up-front batch charge.
type DialResult struct {
    Requested int           `json:"requested"`
    Placed    int           `json:"placed"`
    Failed    int           `json:"failed"`
    Charged   int64         `json:"charged"`
    Refunded  int64         `json:"refunded"`
    Calls     []*CallRecord `json:"calls"`
}

// RecoveryStats counts repair actions since process start.
type RecoveryStats struct {
    Sweeps            int64      `json:"sweeps"`
    StuckInitiated    int64      `json:"stuck_initiated"`
    ForceCompleted    int64      `json:"force_completed"`
    OrphansReleased   int64      `json:"orphans_released"`
    EmergencyReleases int64      `json:"emergency_releases"`
    StatusesVerified  int64      `json:"statuses_verified"`
    LastSweepAt       *time.Time `json:"last_sweep_at,omitempty"`
}
