package store

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "time"

    "github.com/voiceops/outdial/internal/db"
    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

// MySQLCallerIDStore implements CallerIDStore on MySQL. Lease selection is
// read-then-write under a row lock (SELECT ... FOR UPDATE) so two concurrent
// lease calls cannot mark the same unit for the same destination. The
// transactional paths go through the connection's retrying transaction
// wrapper, so a lease that loses an InnoDB deadlock is retried rather
// than surfaced.
type MySQLCallerIDStore struct {
    db *db.DB
}

func NewMySQLCallerIDStore(db *db.DB) *MySQLCallerIDStore {
    return &MySQLCallerIDStore{db: db}
}

const callerIDColumns = `id, number, account_name, active, current_target, lease_expiry,
       leased_at, released_at, last_used_at, usage_count, created_at, updated_at`

func scanCallerID(row interface{ Scan(...interface{}) error }) (*models.CallerID, error) {
    var c models.CallerID
    var target sql.NullString
    var leaseExpiry, leasedAt, releasedAt, lastUsedAt sql.NullTime

    err := row.Scan(
        &c.ID, &c.Number, &c.AccountName, &c.Active, &target, &leaseExpiry,
        &leasedAt, &releasedAt, &lastUsedAt, &c.UsageCount,
        &c.CreatedAt, &c.UpdatedAt,
    )
    if err != nil {
        return nil, err
    }

    if target.Valid {
        c.CurrentTarget = target.String
    }
    if leaseExpiry.Valid {
        c.LeaseExpiry = &leaseExpiry.Time
    }
    if leasedAt.Valid {
        c.LeasedAt = &leasedAt.Time
    }
    if releasedAt.Valid {
        c.ReleasedAt = &releasedAt.Time
    }
    if lastUsedAt.Valid {
        c.LastUsedAt = &lastUsedAt.Time
    }

    return &c, nil
}

func (s *MySQLCallerIDStore) LeaseNext(ctx context.Context, target string, exclude []string, expiry time.Time) (*models.CallerID, error) {
    // Units holding a live lease for another destination stay eligible;
    // the collision rule is per-destination, not global exclusivity.
    query := `
        SELECT ` + callerIDColumns + `
        FROM caller_ids
        WHERE active = 1
          AND NOT (current_target = ? AND COALESCE(lease_expiry > NOW(), 0))`

    args := []interface{}{target}
    if len(exclude) > 0 {
        query += fmt.Sprintf(" AND number NOT IN (?%s)", strings.Repeat(",?", len(exclude)-1))
        for _, n := range exclude {
            args = append(args, n)
        }
    }

    // Idle units first, then least recently used.
    query += `
        ORDER BY (current_target <> '' AND COALESCE(lease_expiry > NOW(), 0)) ASC,
                 last_used_at ASC, id ASC
        LIMIT 1
        FOR UPDATE`

    var unit *models.CallerID
    err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
        var err error
        unit, err = scanCallerID(tx.QueryRowContext(ctx, query, args...))
        if err == sql.ErrNoRows {
            return errors.New(errors.ErrResourceNotAvailable, "no caller-ID available").
                WithContext("target", target)
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to select caller-ID")
        }

        update := `
            UPDATE caller_ids
            SET current_target = ?,
                lease_expiry = ?,
                leased_at = NOW(),
                last_used_at = NOW(),
                usage_count = usage_count + 1,
                updated_at = NOW()
            WHERE id = ?`

        if _, err := tx.ExecContext(ctx, update, target, expiry, unit.ID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to mark caller-ID leased")
        }
        return nil
    })
    if err != nil {
        return nil, err
    }

    now := time.Now()
    unit.CurrentTarget = target
    unit.LeaseExpiry = &expiry
    unit.LeasedAt = &now
    unit.LastUsedAt = &now
    unit.UsageCount++

    return unit, nil
}

func (s *MySQLCallerIDStore) Release(ctx context.Context, unitID int64, target string) error {
    query := `
        UPDATE caller_ids
        SET current_target = '',
            lease_expiry = NULL,
            released_at = NOW(),
            last_used_at = NOW(),
            updated_at = NOW()
        WHERE id = ?`

    args := []interface{}{unitID}
    if target != "" {
        query += ` AND current_target = ?`
        args = append(args, target)
    }

    if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to release caller-ID")
    }

    return nil
}

func (s *MySQLCallerIDStore) ReleaseAll(ctx context.Context) (int, error) {
    result, err := s.db.ExecContext(ctx, `
        UPDATE caller_ids
        SET current_target = '',
            lease_expiry = NULL,
            released_at = NOW(),
            updated_at = NOW()
        WHERE current_target <> ''`)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to release all caller-IDs")
    }

    rows, _ := result.RowsAffected()
    return int(rows), nil
}

func (s *MySQLCallerIDStore) ReleaseOldest(ctx context.Context, n int) (int, error) {
    if n <= 0 {
        return 0, nil
    }

    result, err := s.db.ExecContext(ctx, `
        UPDATE caller_ids
        SET current_target = '',
            lease_expiry = NULL,
            released_at = NOW(),
            updated_at = NOW()
        WHERE current_target <> ''
        ORDER BY leased_at ASC
        LIMIT ?`, n)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to release oldest caller-IDs")
    }

    rows, _ := result.RowsAffected()
    return int(rows), nil
}

func (s *MySQLCallerIDStore) Status(ctx context.Context) (*models.PoolStatus, error) {
    var status models.PoolStatus
    err := s.db.QueryRowContext(ctx, `
        SELECT
            COUNT(*) AS total,
            COALESCE(SUM(CASE WHEN current_target = '' OR COALESCE(lease_expiry <= NOW(), 1) THEN 1 ELSE 0 END), 0) AS available,
            COALESCE(SUM(CASE WHEN current_target <> '' AND COALESCE(lease_expiry > NOW(), 0) THEN 1 ELSE 0 END), 0) AS leased,
            COALESCE(SUM(CASE WHEN current_target <> '' AND COALESCE(lease_expiry <= NOW(), 1) THEN 1 ELSE 0 END), 0) AS stale
        FROM caller_ids
        WHERE active = 1
    `).Scan(&status.Total, &status.Available, &status.Leased, &status.Stale)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to get pool status")
    }

    return &status, nil
}

func (s *MySQLCallerIDStore) ListLeased(ctx context.Context) ([]*models.CallerID, error) {
    return s.list(ctx, `
        SELECT `+callerIDColumns+`
        FROM caller_ids
        WHERE current_target <> ''
        ORDER BY leased_at ASC`)
}

func (s *MySQLCallerIDStore) List(ctx context.Context) ([]*models.CallerID, error) {
    return s.list(ctx, `
        SELECT `+callerIDColumns+`
        FROM caller_ids
        ORDER BY account_name, number`)
}

func (s *MySQLCallerIDStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.CallerID, error) {
    rows, err := s.db.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query caller-IDs")
    }
    defer rows.Close()

    var units []*models.CallerID
    for rows.Next() {
        unit, err := scanCallerID(rows)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan caller-ID")
        }
        units = append(units, unit)
    }

    return units, rows.Err()
}

func (s *MySQLCallerIDStore) GetByNumber(ctx context.Context, number string) (*models.CallerID, error) {
    unit, err := scanCallerID(s.db.QueryRowContext(ctx, `
        SELECT `+callerIDColumns+`
        FROM caller_ids
        WHERE number = ?`, number))
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrResourceNotAvailable, "caller-ID not found").
            WithContext("number", number)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to get caller-ID")
    }

    return unit, nil
}

func (s *MySQLCallerIDStore) Insert(ctx context.Context, unit *models.CallerID) error {
    result, err := s.db.ExecContext(ctx, `
        INSERT INTO caller_ids (number, account_name, active, current_target, usage_count)
        VALUES (?, ?, ?, '', 0)`,
        unit.Number, unit.AccountName, unit.Active)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert caller-ID")
    }

    unit.ID, _ = result.LastInsertId()
    return nil
}

func (s *MySQLCallerIDStore) SetActive(ctx context.Context, number string, active bool) error {
    _, err := s.db.ExecContext(ctx, `
        UPDATE caller_ids SET active = ?, updated_at = NOW() WHERE number = ?`,
        active, number)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update caller-ID")
    }

    return nil
}
