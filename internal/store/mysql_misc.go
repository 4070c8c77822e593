package store

import (
    "context"
    "database/sql"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/pkg/errors"
)

type MySQLBlacklistStore struct {
    db *sql.DB
}

func NewMySQLBlacklistStore(db *sql.DB) *MySQLBlacklistStore {
    return &MySQLBlacklistStore{db: db}
}

func (s *MySQLBlacklistStore) IsBlacklisted(ctx context.Context, callerNumber, destination string) (bool, error) {
    var count int
    err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM blacklist
        WHERE caller_number = ? AND destination = ?`,
        callerNumber, destination).Scan(&count)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrDatabase, "failed to check blacklist")
    }

    return count > 0, nil
}

func (s *MySQLBlacklistStore) Add(ctx context.Context, entry *models.BlacklistEntry) error {
    result, err := s.db.ExecContext(ctx, `
        INSERT INTO blacklist (caller_number, destination, reason)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE reason = VALUES(reason)`,
        entry.CallerNumber, entry.Destination, entry.Reason)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to add blacklist entry")
    }

    entry.ID, _ = result.LastInsertId()
    return nil
}

func (s *MySQLBlacklistStore) Remove(ctx context.Context, callerNumber, destination string) error {
    _, err := s.db.ExecContext(ctx, `
        DELETE FROM blacklist WHERE caller_number = ? AND destination = ?`,
        callerNumber, destination)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to remove blacklist entry")
    }

    return nil
}

func (s *MySQLBlacklistStore) List(ctx context.Context) ([]*models.BlacklistEntry, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT id, caller_number, destination, reason, created_at
        FROM blacklist
        ORDER BY created_at DESC`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query blacklist")
    }
    defer rows.Close()

    var entries []*models.BlacklistEntry
    for rows.Next() {
        var e models.BlacklistEntry
        var reason sql.NullString
        if err := rows.Scan(&e.ID, &e.CallerNumber, &e.Destination, &reason, &e.CreatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan blacklist entry")
        }
        if reason.Valid {
            e.Reason = reason.String
        }
        entries = append(entries, &e)
    }

    return entries, rows.Err()
}

type MySQLAccountStore struct {
    db *sql.DB
}

func NewMySQLAccountStore(db *sql.DB) *MySQLAccountStore {
    return &MySQLAccountStore{db: db}
}

const accountColumns = `id, name, base_url, auth_token, max_concurrent, active, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.ProviderAccount, error) {
    var a models.ProviderAccount
    err := row.Scan(&a.ID, &a.Name, &a.BaseURL, &a.AuthToken,
        &a.MaxConcurrent, &a.Active, &a.CreatedAt, &a.UpdatedAt)
    if err != nil {
        return nil, err
    }
    return &a, nil
}

func (s *MySQLAccountStore) ListActive(ctx context.Context) ([]*models.ProviderAccount, error) {
    return s.list(ctx, `
        SELECT `+accountColumns+`
        FROM provider_accounts
        WHERE active = 1
        ORDER BY name`)
}

func (s *MySQLAccountStore) List(ctx context.Context) ([]*models.ProviderAccount, error) {
    return s.list(ctx, `
        SELECT `+accountColumns+`
        FROM provider_accounts
        ORDER BY name`)
}

func (s *MySQLAccountStore) list(ctx context.Context, query string) ([]*models.ProviderAccount, error) {
    rows, err := s.db.QueryContext(ctx, query)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query provider accounts")
    }
    defer rows.Close()

    var accounts []*models.ProviderAccount
    for rows.Next() {
        account, err := scanAccount(rows)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan provider account")
        }
        accounts = append(accounts, account)
    }

    return accounts, rows.Err()
}

func (s *MySQLAccountStore) GetByName(ctx context.Context, name string) (*models.ProviderAccount, error) {
    account, err := scanAccount(s.db.QueryRowContext(ctx, `
        SELECT `+accountColumns+`
        FROM provider_accounts
        WHERE name = ?`, name))
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrAccountNotFound, "provider account not found").
            WithContext("name", name)
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to get provider account")
    }

    return account, nil
}

func (s *MySQLAccountStore) Insert(ctx context.Context, account *models.ProviderAccount) error {
    result, err := s.db.ExecContext(ctx, `
        INSERT INTO provider_accounts (name, base_url, auth_token, max_concurrent, active)
        VALUES (?, ?, ?, ?, ?)`,
        account.Name, account.BaseURL, account.AuthToken,
        account.MaxConcurrent, account.Active)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert provider account")
    }

    account.ID, _ = result.LastInsertId()
    return nil
}

func (s *MySQLAccountStore) SetActive(ctx context.Context, name string, active bool) error {
    _, err := s.db.ExecContext(ctx, `
        UPDATE provider_accounts SET active = ?, updated_at = NOW() WHERE name = ?`,
        active, name)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to update provider account")
    }

    return nil
}
