package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/imaging"
	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

// maxWeightKg ограничивает вес одной сдачи.
var maxWeightKg = decimal.NewFromInt(1000)

// DepositInput содержит данные о сдаче отходов, введённые оператором.
type DepositInput struct {
	OperatorID string
	UserID     string
	WeightKg   decimal.Decimal
	Location   string
	Photo      string
	ScalePhoto string
}

// DepositResult содержит запись о сдаче и новый баланс пользователя.
type DepositResult struct {
	Deposit model.Deposit
	Balance int64
}

// LookupDepositor возвращает пользователя, сдающего отходы, по идентификатору.
func (s *Service) LookupDepositor(ctx context.Context, operatorID, userID string) (*model.User, error) {
	if _, err := s.activeOperator(ctx, operatorID); err != nil {
		return nil, err
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleUser {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

// RecordDeposit проверяет фото, вычисляет монеты по текущему курсу и одной транзакцией
// сохраняет запись о сдаче и начисляет монеты. Если проверка фото не пройдена,
// ничего не начисляется.
func (s *Service) RecordDeposit(ctx context.Context, in DepositInput) (*DepositResult, error) {
	op, err := s.activeOperator(ctx, in.OperatorID)
	if err != nil {
		return nil, err
	}

	depositor, err := s.repo.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if depositor.Role != model.RoleUser {
		return nil, repository.ErrUserNotFound
	}

	if err := s.allow(ctx, "deposit", op.ID, s.depositRule); err != nil {
		metrics.RecordRateLimited("deposit")
		return nil, err
	}

	weight, err := s.resolveWeight(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := s.verifyDepositPhoto(ctx, in.Photo); err != nil {
		return nil, err
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	coins, err := model.CoinsFor(weight, settings.CoinConversionRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	location := in.Location
	if location == "" && op.Operator != nil {
		location = op.Operator.TPSTLocation
	}

	d := &model.Deposit{
		ID:          model.NewID("TX"),
		UserID:      depositor.ID,
		UserName:    depositor.FullName,
		OperatorID:  op.ID,
		WeightKg:    weight,
		CoinsEarned: coins,
		Location:    location,
		CreatedAt:   s.now(),
	}

	balance, err := s.repo.RecordDeposit(ctx, d)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceOverflow) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		return nil, err
	}

	metrics.RecordDeposit(d.CoinsEarned)
	s.logger.Info("deposit credited",
		zap.String("deposit_id", d.ID),
		zap.String("user_id", d.UserID),
		zap.String("operator_id", d.OperatorID),
		zap.String("weight_kg", d.WeightKg.String()),
		zap.Int64("coins", d.CoinsEarned),
	)

	s.publish(ctx, events.KeyDepositCredited, events.DepositCredited{
		DepositID:  d.ID,
		UserID:     d.UserID,
		OperatorID: d.OperatorID,
		WeightKg:   d.WeightKg.String(),
		Coins:      d.CoinsEarned,
		Balance:    balance,
		Location:   d.Location,
		CreatedAt:  d.CreatedAt,
	})

	return &DepositResult{Deposit: *d, Balance: balance}, nil
}

// resolveWeight берёт вес из запроса или, если он не задан, распознаёт его по фото весов.
// Вес из запроса принимается с точностью до грамма, распознанный вес отсекается до грамма.
func (s *Service) resolveWeight(ctx context.Context, in DepositInput) (decimal.Decimal, error) {
	weight := in.WeightKg
	if !weight.Equal(weight.Truncate(model.WeightScale)) {
		return decimal.Zero, fmt.Errorf("%w: at most %d decimals", ErrInvalidWeight, model.WeightScale)
	}

	if weight.IsZero() && in.ScalePhoto != "" {
		if !s.verificationEnabled() {
			return decimal.Zero, ErrInvalidWeight
		}
		photo, err := imaging.Normalize(in.ScalePhoto)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidPhoto, err)
		}
		weight, err = s.verifier.ExtractWeight(ctx, photo)
		if err != nil {
			s.logger.Warn("weight extraction failed", zap.Error(err))
			return decimal.Zero, ErrInvalidWeight
		}
		weight = weight.Truncate(model.WeightScale)
	}

	if !weight.IsPositive() || weight.GreaterThan(maxWeightKg) {
		return decimal.Zero, ErrInvalidWeight
	}
	return weight, nil
}

// verifyDepositPhoto проверяет совместное фото пользователя и оператора.
// Без настроенного сервиса проверки сдача принимается со слов оператора.
func (s *Service) verifyDepositPhoto(ctx context.Context, raw string) error {
	if !s.verificationEnabled() {
		s.logger.Warn("photo verification disabled, deposit accepted without check")
		return nil
	}

	photo, err := imaging.Normalize(raw)
	if err != nil {
		if errors.Is(err, imaging.ErrEmptyPhoto) {
			return fmt.Errorf("%w: verification photo is required", ErrInvalidPhoto)
		}
		return fmt.Errorf("%w: %v", ErrInvalidPhoto, err)
	}

	ok, err := s.verifier.VerifySelfie(ctx, photo)
	if err != nil {
		s.logger.Warn("photo verification error", zap.Error(err))
		ok = false
	}
	metrics.RecordVerification("selfie", ok)

	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

// maxSearchResults ограничивает выдачу поиска пользователей оператором.
const maxSearchResults = 20

// SearchDepositors ищет пользователей по части имени или номера телефона.
func (s *Service) SearchDepositors(ctx context.Context, operatorID, query string) ([]model.User, error) {
	if _, err := s.activeOperator(ctx, operatorID); err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", ErrInvalidInput)
	}
	return s.repo.SearchUsers(ctx, query, maxSearchResults)
}

// ListDepositsByUser возвращает историю сдачи отходов пользователя.
func (s *Service) ListDepositsByUser(ctx context.Context, userID string) ([]model.Deposit, error) {
	return s.repo.ListDepositsByUser(ctx, userID)
}

// ListDeposits возвращает последние записи о сдаче отходов.
func (s *Service) ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListDeposits(ctx, limit)
}
