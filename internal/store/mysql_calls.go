package store

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "time"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

type MySQLCallRecordStore struct {
    db *sql.DB
}

func NewMySQLCallRecordStore(db *sql.DB) *MySQLCallRecordStore {
    return &MySQLCallRecordStore{db: db}
}

var terminalStatuses = []models.CallStatus{
    models.CallStatusCompleted, models.CallStatusBusy, models.CallStatusNoAnswer,
    models.CallStatusCanceled, models.CallStatusFailed,
}

func terminalPlaceholders() (string, []interface{}) {
    args := make([]interface{}, len(terminalStatuses))
    for i, s := range terminalStatuses {
        args[i] = string(s)
    }
    return "?" + strings.Repeat(",?", len(terminalStatuses)-1), args
}

const callRecordColumns = `id, call_id, user_id, destination, caller_id_id, caller_id_number,
       account_name, attempt_index, total_attempts, provider_call_id, status,
       failure_reason, answered_by, start_time, ringing_time, answer_time, end_time,
       ringing_duration, call_duration, total_duration, metadata`

func scanCallRecord(row interface{ Scan(...interface{}) error }) (*models.CallRecord, error) {
    var r models.CallRecord
    var providerCallID, failureReason, answeredBy sql.NullString
    var ringingTime, answerTime, endTime sql.NullTime

    err := row.Scan(
        &r.ID, &r.CallID, &r.UserID, &r.Destination, &r.CallerIDID, &r.CallerIDNumber,
        &r.AccountName, &r.AttemptIndex, &r.TotalAttempts, &providerCallID, &r.Status,
        &failureReason, &answeredBy, &r.StartTime, &ringingTime, &answerTime, &endTime,
        &r.RingingDuration, &r.CallDuration, &r.TotalDuration, &r.Metadata,
    )
    if err != nil {
        return nil, err
    }

    if providerCallID.Valid {
        r.ProviderCallID = providerCallID.String
    }
    if failureReason.Valid {
        r.FailureReason = failureReason.String
    }
    if answeredBy.Valid {
        r.AnsweredBy = answeredBy.String
    }
    if ringingTime.Valid {
        r.RingingTime = &ringingTime.Time
    }
    if answerTime.Valid {
        r.AnswerTime = &answerTime.Time
    }
    if endTime.Valid {
        r.EndTime = &endTime.Time
    }

    return &r, nil
}

func (s *MySQLCallRecordStore) Insert(ctx context.Context, record *models.CallRecord) error {
    query := `
        INSERT INTO call_records (
            call_id, user_id, destination, caller_id_id, caller_id_number,
            account_name, attempt_index, total_attempts, provider_call_id,
            status, start_time, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

    result, err := s.db.ExecContext(ctx, query,
        record.CallID, record.UserID, record.Destination,
        record.CallerIDID, record.CallerIDNumber, record.AccountName,
        record.AttemptIndex, record.TotalAttempts, record.ProviderCallID,
        record.Status, record.StartTime, record.Metadata,
    )
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert call record")
    }

    record.ID, _ = result.LastInsertId()
    return nil
}

func (s *MySQLCallRecordStore) Update(ctx context.Context, record *models.CallRecord) error {
    query := `
        UPDATE call_records
        SET status = ?, failure_reason = ?, answered_by = ?,
            ringing_time = ?, answer_time = ?, end_time = ?,
            ringing_duration = ?, call_duration = ?, total_duration = ?,
            metadata = ?
        WHERE call_id = ?`

    _, err := s.db.ExecContext(ctx, query,
        record.Status, record.FailureReason, record.AnsweredBy,
        record.RingingTime, record.AnswerTime, record.EndTime,
        record.RingingDuration, record.CallDuration, record.TotalDuration,
        record.Metadata, record.CallID,
    )
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update call record")
    }

    return nil
}

func (s *MySQLCallRecordStore) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
    record, err := scanCallRecord(s.db.QueryRowContext(ctx, `
        SELECT `+callRecordColumns+`
        FROM call_records
        WHERE call_id = ?`, callID))
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrCallNotFound, "call record not found").
            WithContext("call_id", callID)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to get call record")
    }

    return record, nil
}

func (s *MySQLCallRecordStore) GetByProviderCallID(ctx context.Context, providerCallID string) (*models.CallRecord, error) {
    record, err := scanCallRecord(s.db.QueryRowContext(ctx, `
        SELECT `+callRecordColumns+`
        FROM call_records
        WHERE provider_call_id = ?`, providerCallID))
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrCallNotFound, "no call record for provider call id").
            WithContext("provider_call_id", providerCallID)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to get call record")
    }

    return record, nil
}

func (s *MySQLCallRecordStore) ListNonTerminal(ctx context.Context) ([]*models.CallRecord, error) {
    ph, args := terminalPlaceholders()
    return s.list(ctx, fmt.Sprintf(`
        SELECT %s
        FROM call_records
        WHERE status NOT IN (%s)
        ORDER BY start_time ASC`, callRecordColumns, ph), args...)
}

func (s *MySQLCallRecordStore) ListStuck(ctx context.Context, status models.CallStatus, cutoff time.Time) ([]*models.CallRecord, error) {
    return s.list(ctx, `
        SELECT `+callRecordColumns+`
        FROM call_records
        WHERE status = ? AND start_time < ?
        ORDER BY start_time ASC`, status, cutoff)
}

func (s *MySQLCallRecordStore) ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.CallRecord, error) {
    ph, args := terminalPlaceholders()
    args = append(args, cutoff)
    return s.list(ctx, fmt.Sprintf(`
        SELECT %s
        FROM call_records
        WHERE status NOT IN (%s) AND start_time < ?
        ORDER BY start_time ASC`, callRecordColumns, ph), args...)
}

func (s *MySQLCallRecordStore) ListRecent(ctx context.Context, limit int) ([]*models.CallRecord, error) {
    return s.list(ctx, `
        SELECT `+callRecordColumns+`
        FROM call_records
        ORDER BY start_time DESC
        LIMIT ?`, limit)
}

func (s *MySQLCallRecordStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.CallRecord, error) {
    rows, err := s.db.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query call records")
    }
    defer rows.Close()

    var records []*models.CallRecord
    for rows.Next() {
        record, err := scanCallRecord(rows)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan call record")
        }
        records = append(records, record)
    }

    return records, rows.Err()
}
