package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
	"github.com/mmeshcher/ecokoin/internal/voucher"
)

// CreateRedemption создаёт ваучер на одну единицу товара. Монеты не списываются
// до подтверждения оператором; баланс и остаток проверяются сейчас и ещё раз при выдаче.
func (s *Service) CreateRedemption(ctx context.Context, userID, productID string) (*model.Redemption, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleUser {
		return nil, ErrForbidden
	}

	if err := s.allow(ctx, "redeem", userID, s.redemptionRule); err != nil {
		metrics.RecordRateLimited("redeem")
		return nil, err
	}

	now := s.now()
	r := &model.Redemption{
		ID:        model.NewID("RD"),
		UserID:    userID,
		ProductID: productID,
		CreatedAt: now,
		ExpiresAt: now.Add(model.VoucherTTL),
		Status:    model.RedemptionStatusPending,
	}
	r.ScanCode = s.signer.Sign(r.ID, r.ExpiresAt)

	if err := s.repo.CreateRedemption(ctx, r); err != nil {
		metrics.RecordRedemption("create", resultOf(err), 0)
		return nil, err
	}

	metrics.RecordRedemption("create", "ok", 0)
	s.logger.Info("redemption created",
		zap.String("redemption_id", r.ID),
		zap.String("user_id", r.UserID),
		zap.String("product_id", r.ProductID),
		zap.Int64("coins", r.CoinsSpent),
	)
	return r, nil
}

// ListRedemptionsByUser возвращает все ваучеры пользователя, новые первыми.
func (s *Service) ListRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	return s.repo.ListRedemptionsByUser(ctx, userID)
}

// PendingRedemption возвращает самый новый действующий ваучер пользователя.
// Если такого нет, возвращается repository.ErrRedemptionNotFound.
func (s *Service) PendingRedemption(ctx context.Context, userID string) (*model.Redemption, error) {
	list, err := s.repo.ListRedemptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range list {
		if list[i].Usable(now) {
			return &list[i], nil
		}
	}
	return nil, repository.ErrRedemptionNotFound
}

// ListPendingRedemptions возвращает очередь оператора: ожидающие ваучеры с неистёкшим сроком.
func (s *Service) ListPendingRedemptions(ctx context.Context, operatorID string) ([]model.Redemption, error) {
	if _, err := s.activeOperator(ctx, operatorID); err != nil {
		return nil, err
	}
	return s.repo.ListPendingRedemptions(ctx, s.now())
}

// ConfirmRedemption выдаёт товар по ваучеру. Предусловия проверяются в момент вызова
// под блокировкой; при отказе ваучер остаётся в PENDING и подтверждение можно повторить.
func (s *Service) ConfirmRedemption(ctx context.Context, operatorID, redemptionID string) (*model.Receipt, error) {
	op, err := s.activeOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	receipt, err := s.repo.ConfirmRedemption(ctx, redemptionID, op.ID, s.now())
	if err != nil {
		metrics.RecordRedemption("confirm", resultOf(err), 0)
		s.logger.Info("redemption rejected",
			zap.String("redemption_id", redemptionID),
			zap.String("operator_id", op.ID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RecordRedemption("confirm", "ok", receipt.CoinsSpent)
	s.logger.Info("redemption completed",
		zap.String("redemption_id", receipt.RedemptionID),
		zap.String("user_id", receipt.UserID),
		zap.String("operator_id", receipt.OperatorID),
		zap.Int64("coins", receipt.CoinsSpent),
		zap.Int64("balance_after", receipt.BalanceAfter),
	)

	s.publish(ctx, events.KeyRedemptionCompleted, events.RedemptionCompleted{
		RedemptionID: receipt.RedemptionID,
		UserID:       receipt.UserID,
		ProductID:    receipt.ProductID,
		ProductName:  receipt.ProductName,
		CoinsSpent:   receipt.CoinsSpent,
		BalanceAfter: receipt.BalanceAfter,
		OperatorID:   receipt.OperatorID,
		CompletedAt:  receipt.CompletedAt,
	})

	return receipt, nil
}

// ConfirmByScanCode проверяет подпись кода и подтверждает соответствующий ваучер.
// Поддельный код отклоняется без обращения к хранилищу. Для просроченного кода
// уже выданный ваучер даёт repository.ErrNotPending, остальные repository.ErrVoucherExpired.
func (s *Service) ConfirmByScanCode(ctx context.Context, operatorID, code string) (*model.Receipt, error) {
	id, err := s.signer.Verify(strings.TrimSpace(code), s.now())
	if err != nil {
		switch {
		case errors.Is(err, voucher.ErrCodeExpired):
			if r, gerr := s.repo.GetRedemption(ctx, id); gerr == nil && r.Status == model.RedemptionStatusCompleted {
				metrics.RecordRedemption("confirm", "not_pending", 0)
				return nil, repository.ErrNotPending
			}
			metrics.RecordRedemption("confirm", "expired", 0)
			return nil, repository.ErrVoucherExpired
		default:
			metrics.RecordRedemption("confirm", "invalid_code", 0)
			return nil, ErrInvalidScanCode
		}
	}
	return s.ConfirmRedemption(ctx, operatorID, id)
}

// RedemptionView дополняет ваучер вычисленным статусом и оставшимся временем.
type RedemptionView struct {
	model.Redemption
	EffectiveStatus model.RedemptionStatus
	Remaining       time.Duration
}

// View вычисляет статус ваучера на текущий момент без записи в хранилище.
func (s *Service) View(r model.Redemption) RedemptionView {
	now := s.now()
	return RedemptionView{
		Redemption:      r,
		EffectiveStatus: r.EffectiveStatus(now),
		Remaining:       r.Remaining(now),
	}
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, repository.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, repository.ErrVoucherExpired):
		return "expired"
	case errors.Is(err, repository.ErrNotPending):
		return "not_pending"
	case errors.Is(err, repository.ErrRedemptionNotFound), errors.Is(err, repository.ErrProductNotFound):
		return "not_found"
	default:
		return "error"
	}
}
