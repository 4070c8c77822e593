package store

import (
    "context"
    "database/sql"

    "github.com/voiceops/outdial/internal/db"
    "github.com/voiceops/outdial/pkg/errors"
)

// MySQLBalanceStore holds balances in a projection row updated atomically
// alongside an append-only ledger. The debit path locks the balance row
// before comparing, so concurrent debits on one user serialize; both
// paths run under the connection's retrying transaction wrapper.
type MySQLBalanceStore struct {
    db *db.DB
}

func NewMySQLBalanceStore(db *db.DB) *MySQLBalanceStore {
    return &MySQLBalanceStore{db: db}
}

func (s *MySQLBalanceStore) Debit(ctx context.Context, userID, amount int64, reason, callID string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "debit amount must be positive")
    }

    var newBalance int64
    err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
        var balance int64
        err := tx.QueryRowContext(ctx,
            "SELECT balance FROM balances WHERE user_id = ? FOR UPDATE",
            userID).Scan(&balance)
        if err == sql.ErrNoRows {
            return errors.New(errors.ErrUserNotFound, "no balance for user").
                WithContext("user_id", userID)
        }
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to lock balance row")
        }

        if balance < amount {
            newBalance = balance
            return errors.New(errors.ErrInsufficientBalance, "insufficient balance").
                WithContext("user_id", userID).
                WithContext("balance", balance).
                WithContext("amount", amount).
                WithStatusCode(402)
        }

        newBalance = balance - amount
        if _, err := tx.ExecContext(ctx,
            "UPDATE balances SET balance = ?, updated_at = NOW() WHERE user_id = ?",
            newBalance, userID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to write balance")
        }

        if _, err := tx.ExecContext(ctx, `
            INSERT INTO balance_ledger (user_id, amount, balance, reason, call_id)
            VALUES (?, ?, ?, ?, ?)`,
            userID, -amount, newBalance, reason, callID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to append ledger entry")
        }
        return nil
    })
    if err != nil {
        if errors.Is(err, errors.ErrInsufficientBalance) {
            return newBalance, err
        }
        return 0, err
    }

    return newBalance, nil
}

func (s *MySQLBalanceStore) Credit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "credit amount must be positive")
    }

    var newBalance int64
    err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
        // Create the balance row on first credit.
        if _, err := tx.ExecContext(ctx, `
            INSERT INTO balances (user_id, balance) VALUES (?, 0)
            ON DUPLICATE KEY UPDATE user_id = user_id`, userID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to ensure balance row")
        }

        var balance int64
        err := tx.QueryRowContext(ctx,
            "SELECT balance FROM balances WHERE user_id = ? FOR UPDATE",
            userID).Scan(&balance)
        if err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to lock balance row")
        }

        newBalance = balance + amount
        if _, err := tx.ExecContext(ctx,
            "UPDATE balances SET balance = ?, updated_at = NOW() WHERE user_id = ?",
            newBalance, userID); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to write balance")
        }

        if _, err := tx.ExecContext(ctx, `
            INSERT INTO balance_ledger (user_id, amount, balance, reason, call_id)
            VALUES (?, ?, ?, ?, '')`,
            userID, amount, newBalance, reason); err != nil {
            return errors.Wrap(err, errors.ErrDatabase, "failed to append ledger entry")
        }
        return nil
    })
    if err != nil {
        return 0, err
    }

    return newBalance, nil
}

func (s *MySQLBalanceStore) Balance(ctx context.Context, userID int64) (int64, error) {
    var balance int64
    err := s.db.QueryRowContext(ctx,
        "SELECT balance FROM balances WHERE user_id = ?", userID).Scan(&balance)
    if err == sql.ErrNoRows {
        return 0, errors.New(errors.ErrUserNotFound, "no balance for user").
            WithContext("user_id", userID)
    }
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
    }

    return balance, nil
}
