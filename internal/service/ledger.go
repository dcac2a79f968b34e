package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

// Credit начисляет amount монет пользователю и возвращает новый баланс.
// Начисление неизвестному пользователю ничего не делает.
func (s *Service) Credit(ctx context.Context, adminID, userID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	return s.adjust(ctx, adminID, userID, amount, reason)
}

// Debit списывает amount монет. Баланс перепроверяется в хранилище: при нехватке
// возвращается repository.ErrInsufficientBalance и баланс не меняется.
func (s *Service) Debit(ctx context.Context, adminID, userID string, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	return s.adjust(ctx, adminID, userID, -amount, reason)
}

// AdjustCoins выполняет ручную корректировку администратором: delta > 0 начисляет, delta < 0 списывает.
func (s *Service) AdjustCoins(ctx context.Context, adminID, userID string, delta int64, reason string) (int64, error) {
	switch {
	case delta > 0:
		return s.Credit(ctx, adminID, userID, delta, reason)
	case delta < 0:
		return s.Debit(ctx, adminID, userID, -delta, reason)
	default:
		return 0, ErrInvalidAmount
	}
}

func (s *Service) adjust(ctx context.Context, adminID, userID string, delta int64, reason string) (int64, error) {
	balance, err := s.repo.AdjustBalance(ctx, model.Adjustment{
		ID:        model.NewID("ADJ"),
		UserID:    userID,
		AdminID:   adminID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrBalanceOverflow) {
			return 0, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		return 0, err
	}

	s.logger.Info("balance adjusted",
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
		zap.Int64("delta", delta),
		zap.Int64("balance", balance),
	)
	return balance, nil
}
