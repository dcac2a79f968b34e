package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/model"
)

// ListOperators возвращает операторов с указанным статусом (все, если статус пуст).
func (s *Service) ListOperators(ctx context.Context, status model.OperatorStatus) ([]model.User, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown operator status %q", ErrInvalidInput, status)
	}
	return s.repo.ListOperators(ctx, status)
}

// SetOperatorStatus одобряет, отклоняет или приостанавливает оператора.
func (s *Service) SetOperatorStatus(ctx context.Context, adminID, operatorID string, status model.OperatorStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown operator status %q", ErrInvalidInput, status)
	}
	if err := s.repo.UpdateOperatorStatus(ctx, operatorID, status); err != nil {
		return err
	}

	s.logger.Info("operator status changed",
		zap.String("operator_id", operatorID),
		zap.String("admin_id", adminID),
		zap.String("status", string(status)),
	)
	return nil
}
