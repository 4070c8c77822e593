package ledger

import (
    "context"

    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// MetricsInterface defines metrics operations
type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
}

// Service fronts the balance store. All amounts are integer minor units;
// a debit either applies in full or not at all.
type Service struct {
    balances store.BalanceStore
    metrics  MetricsInterface
}

func NewService(balances store.BalanceStore, metrics MetricsInterface) *Service {
    return &Service{balances: balances, metrics: metrics}
}

// Debit withdraws amount from userID and returns the new balance. Fails
// with ErrInsufficientBalance when the funds do not cover the full amount;
// the balance is left untouched in that case.
func (s *Service) Debit(ctx context.Context, userID, amount int64, reason, callID string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "debit amount must be positive")
    }

    balance, err := s.balances.Debit(ctx, userID, amount, reason, callID)
    if err != nil {
        if errors.Is(err, errors.ErrInsufficientBalance) {
            s.metrics.IncrementCounter("ledger_debits_rejected", map[string]string{
                "reason": reason,
            })
        }
        return 0, err
    }

    s.metrics.IncrementCounter("ledger_debits", map[string]string{
        "reason": reason,
    })

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "user_id": userID,
        "amount":  amount,
        "balance": balance,
        "reason":  reason,
    }).Debug("Balance debited")

    return balance, nil
}

// Credit deposits amount to userID, creating the account row if needed,
// and returns the new balance. Used for top-ups and refunds.
func (s *Service) Credit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
    if amount <= 0 {
        return 0, errors.New(errors.ErrInternal, "credit amount must be positive")
    }

    balance, err := s.balances.Credit(ctx, userID, amount, reason)
    if err != nil {
        return 0, err
    }

    s.metrics.IncrementCounter("ledger_credits", map[string]string{
        "reason": reason,
    })

    logger.WithContext(ctx).WithFields(map[string]interface{}{
        "user_id": userID,
        "amount":  amount,
        "balance": balance,
        "reason":  reason,
    }).Debug("Balance credited")

    return balance, nil
}

// Balance returns the current balance for userID.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
    return s.balances.Balance(ctx, userID)
}
