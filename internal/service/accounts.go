package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

const (
	minPasswordLen  = 6
	resetCodeTTL    = 15 * time.Minute
	resetCodeDigits = 6
)

// UpdateProfile меняет имя, телефон и адрес пользователя.
func (s *Service) UpdateProfile(ctx context.Context, userID string, p model.Profile) (*model.User, error) {
	p.FullName = strings.TrimSpace(p.FullName)
	p.Phone = strings.TrimSpace(p.Phone)
	p.Address = strings.TrimSpace(p.Address)
	if p.FullName == "" {
		return nil, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	return s.repo.UpdateProfile(ctx, userID, p)
}

func hashPassword(password string) ([]byte, error) {
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// ChangePassword меняет пароль после проверки текущего.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}

	s.logger.Info("password changed", zap.String("user_id", userID))
	return nil
}

func newResetCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", resetCodeDigits, n.Int64()), nil
}

// RequestPasswordReset создаёт одноразовый код сброса пароля и публикует событие
// для его доставки. Для неизвестного email ничего не делает и ошибки не возвращает.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	if err := s.allow(ctx, "password_reset", strings.ToLower(email), s.resetRule); err != nil {
		metrics.RecordRateLimited("password_reset")
		return err
	}

	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Info("password reset requested for unknown email")
			return nil
		}
		return err
	}

	code, err := newResetCode()
	if err != nil {
		return fmt.Errorf("generate reset code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash reset code: %w", err)
	}

	expiresAt := s.now().Add(resetCodeTTL)
	if err := s.repo.SavePasswordReset(ctx, model.PasswordReset{
		UserID:    u.ID,
		CodeHash:  hash,
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	s.logger.Info("password reset requested", zap.String("user_id", u.ID))
	s.publish(ctx, events.KeyPasswordReset, events.PasswordResetRequested{
		UserID:    u.ID,
		Email:     u.Email,
		Code:      code,
		ExpiresAt: expiresAt,
	})
	return nil
}

// ResetPassword устанавливает новый пароль по коду из RequestPasswordReset.
// Код одноразовый: после успешного сброса он удаляется.
func (s *Service) ResetPassword(ctx context.Context, email, code, next string) error {
	u, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrInvalidResetCode
		}
		return err
	}

	pr, err := s.repo.GetPasswordReset(ctx, u.ID)
	if err != nil {
		if errors.Is(err, repository.ErrResetNotFound) {
			return ErrInvalidResetCode
		}
		return err
	}
	if !s.now().Before(pr.ExpiresAt) {
		return ErrInvalidResetCode
	}
	if err := bcrypt.CompareHashAndPassword(pr.CodeHash, []byte(strings.TrimSpace(code))); err != nil {
		return ErrInvalidResetCode
	}

	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	if err := s.repo.CompletePasswordReset(ctx, u.ID, hash); err != nil {
		if errors.Is(err, repository.ErrResetNotFound) {
			return ErrInvalidResetCode
		}
		return err
	}

	s.logger.Info("password reset completed", zap.String("user_id", u.ID))
	return nil
}

// ApplyInput содержит заявку пользователя на роль оператора.
type ApplyInput struct {
	Phone        string
	TPSTLocation string
	KTPPhoto     string
	SelfiePhoto  string
}

// ApplyOperator подаёт заявку пользователя на роль оператора. До одобрения
// администратором пользователь остаётся в роли USER и сохраняет баланс.
func (s *Service) ApplyOperator(ctx context.Context, userID string, in ApplyInput) (*model.User, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleUser {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(in.TPSTLocation) == "" {
		return nil, fmt.Errorf("%w: tpst location is required", ErrInvalidInput)
	}

	match, score := s.matchIdentity(ctx, in.KTPPhoto, in.SelfiePhoto)
	err = s.repo.ApplyOperator(ctx, userID, model.OperatorApplication{
		Phone: strings.TrimSpace(in.Phone),
		Details: model.OperatorDetails{
			Status:        model.OperatorStatusPending,
			TPSTLocation:  in.TPSTLocation,
			IdentityMatch: match,
			IdentityScore: score,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("operator application submitted",
		zap.String("user_id", userID),
		zap.Bool("identity_match", match),
		zap.Int("identity_score", score),
	)
	return s.repo.GetUserByID(ctx, userID)
}
