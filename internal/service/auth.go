package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/ecokoin/internal/imaging"
	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

// RegisterInput содержит данные для регистрации.
// Для оператора дополнительно передаются пункт приёма, фото KTP и селфи.
type RegisterInput struct {
	Username     string
	Password     string
	FullName     string
	Email        string
	Phone        string
	Address      string
	Role         model.Role
	TPSTLocation string
	KTPPhoto     string
	SelfiePhoto  string
}

// RegisterUser регистрирует пользователя. Пользователь с ролью USER активен сразу,
// оператор ожидает одобрения администратора.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*model.User, error) {
	role := in.Role
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleUser && role != model.RoleOperator {
		return nil, fmt.Errorf("%w: role %q cannot be self-registered", ErrInvalidInput, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           model.NewID("U"),
		Username:     strings.ToUpper(strings.TrimSpace(in.Username)),
		FullName:     in.FullName,
		Email:        in.Email,
		Phone:        in.Phone,
		Address:      in.Address,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now(),
	}

	if role == model.RoleOperator {
		if strings.TrimSpace(in.TPSTLocation) == "" {
			return nil, fmt.Errorf("%w: tpst location is required", ErrInvalidInput)
		}
		match, score := s.matchIdentity(ctx, in.KTPPhoto, in.SelfiePhoto)
		u.Operator = &model.OperatorDetails{
			Status:        model.OperatorStatusPending,
			TPSTLocation:  in.TPSTLocation,
			IdentityMatch: match,
			IdentityScore: score,
		}
	}

	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, repository.ErrUserExists
		}
		return nil, err
	}

	return u, nil
}

// matchIdentity сравнивает KTP и селфи. Ошибки сервиса проверки дают (false, 0):
// решение остаётся за администратором.
func (s *Service) matchIdentity(ctx context.Context, ktpRaw, selfieRaw string) (bool, int) {
	if !s.verificationEnabled() || ktpRaw == "" || selfieRaw == "" {
		return false, 0
	}

	ktp, err := imaging.Normalize(ktpRaw)
	if err != nil {
		s.logger.Warn("invalid ktp photo", zap.Error(err))
		return false, 0
	}
	selfie, err := imaging.Normalize(selfieRaw)
	if err != nil {
		s.logger.Warn("invalid selfie photo", zap.Error(err))
		return false, 0
	}

	match, score, err := s.verifier.MatchIdentity(ctx, ktp, selfie)
	if err != nil {
		s.logger.Warn("identity verification failed", zap.Error(err))
		metrics.RecordVerification("identity", false)
		return false, 0
	}
	metrics.RecordVerification("identity", match)
	return match, score
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
// Оператор, не допущенный администратором, войти не может.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if !u.CanLogin() {
		return nil, ErrOperatorInactive
	}

	return u, nil
}

// GetUser возвращает пользователя с актуальным балансом.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}
