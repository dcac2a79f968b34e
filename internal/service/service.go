// Package service реализует бизнес-логику сервиса ecokoin: леджер монет, приём отходов,
// ваучеры на товары, каталог, операторов, отчёты и сверку балансов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/imaging"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/ratelimit"
	"github.com/mmeshcher/ecokoin/internal/voucher"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, u *model.User) error
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]model.User, error)
	UpdateProfile(ctx context.Context, id string, p model.Profile) (*model.User, error)
	UpdatePassword(ctx context.Context, id string, hash []byte) error
	ListOperators(ctx context.Context, status model.OperatorStatus) ([]model.User, error)
	UpdateOperatorStatus(ctx context.Context, id string, status model.OperatorStatus) error
	ApplyOperator(ctx context.Context, id string, app model.OperatorApplication) error

	SavePasswordReset(ctx context.Context, r model.PasswordReset) error
	GetPasswordReset(ctx context.Context, userID string) (*model.PasswordReset, error)
	CompletePasswordReset(ctx context.Context, userID string, hash []byte) error

	AdjustBalance(ctx context.Context, adj model.Adjustment) (int64, error)

	RecordDeposit(ctx context.Context, d *model.Deposit) (int64, error)
	ListDepositsByUser(ctx context.Context, userID string) ([]model.Deposit, error)
	ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error)

	CreateProduct(ctx context.Context, p *model.Product) error
	UpdateProduct(ctx context.Context, p *model.Product) error
	DeleteProduct(ctx context.Context, id string) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	CreateRedemption(ctx context.Context, r *model.Redemption) error
	GetRedemption(ctx context.Context, id string) (*model.Redemption, error)
	ListRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error)
	ListPendingRedemptions(ctx context.Context, now time.Time) ([]model.Redemption, error)
	ConfirmRedemption(ctx context.Context, id, operatorID string, now time.Time) (*model.Receipt, error)

	CreatePromotion(ctx context.Context, p *model.Promotion) error
	UpdatePromotion(ctx context.Context, p *model.Promotion) error
	DeletePromotion(ctx context.Context, id string) error
	ListPromotions(ctx context.Context) ([]model.Promotion, error)

	GetSettings(ctx context.Context) (*model.Settings, error)
	UpdateSettings(ctx context.Context, s model.Settings) error

	GetStats(ctx context.Context) (*model.Stats, error)
	FindLedgerDrift(ctx context.Context) ([]model.Drift, error)
}

// Verifier описывает внешний сервис проверки фотографий. Его ошибки трактуются как отрицательный ответ.
type Verifier interface {
	Enabled() bool
	VerifySelfie(ctx context.Context, photo *imaging.Photo) (bool, error)
	ExtractWeight(ctx context.Context, photo *imaging.Photo) (decimal.Decimal, error)
	MatchIdentity(ctx context.Context, ktp, selfie *imaging.Photo) (bool, int, error)
}

// Limiter ограничивает частоту операций.
type Limiter interface {
	Allow(ctx context.Context, scope, subject string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

var (
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOperatorInactive возвращается, если оператор не допущен к работе.
	ErrOperatorInactive = errors.New("operator is not active")
	// ErrForbidden возвращается, если роль пользователя не позволяет выполнить операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidAmount возвращается при отрицательной или нулевой сумме.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidWeight возвращается, если вес не задан или не положителен.
	ErrInvalidWeight = errors.New("weight must be positive")
	// ErrInvalidPhoto возвращается, если фото отсутствует или не является изображением.
	ErrInvalidPhoto = errors.New("invalid photo")
	// ErrVerificationFailed возвращается, если проверка фото не пройдена или сервис проверки недоступен.
	ErrVerificationFailed = errors.New("photo verification failed")
	// ErrInvalidScanCode возвращается для кода ваучера с неверным форматом или подписью.
	ErrInvalidScanCode = errors.New("invalid scan code")
	// ErrInvalidInput возвращается при некорректных параметрах запроса.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited возвращается при превышении лимита частоты операций.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidResetCode возвращается для неверного или просроченного кода сброса пароля.
	ErrInvalidResetCode = errors.New("invalid or expired reset code")
)

// RateLimitError сообщает, через сколько можно повторить операцию.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

// Is позволяет проверять ошибку через errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Deps перечисляет зависимости сервиса. Обязательны только Repo, Signer и Logger.
type Deps struct {
	Repo           Repository
	Verifier       Verifier
	Limiter        Limiter
	Publisher      events.Publisher
	Signer         *voucher.Signer
	Logger         *zap.Logger
	RedemptionRule ratelimit.Rule
	DepositRule    ratelimit.Rule
	ResetRule      ratelimit.Rule
	Now            func() time.Time
}

// Service содержит бизнес-логику сервиса ecokoin.
type Service struct {
	repo           Repository
	verifier       Verifier
	limiter        Limiter
	publisher      events.Publisher
	signer         *voucher.Signer
	logger         *zap.Logger
	redemptionRule ratelimit.Rule
	depositRule    ratelimit.Rule
	resetRule      ratelimit.Rule
	now            func() time.Time
}

// NewService создаёт новый сервис.
func NewService(d Deps) *Service {
	s := &Service{
		repo:           d.Repo,
		verifier:       d.Verifier,
		limiter:        d.Limiter,
		publisher:      d.Publisher,
		signer:         d.Signer,
		logger:         d.Logger,
		redemptionRule: d.RedemptionRule,
		depositRule:    d.DepositRule,
		resetRule:      d.ResetRule,
		now:            d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}
	if s.signer == nil {
		s.signer = voucher.NewSigner("")
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) verificationEnabled() bool {
	return s.verifier != nil && s.verifier.Enabled()
}

// allow проверяет лимит частоты. Недоступность хранилища лимитов не блокирует операцию.
func (s *Service) allow(ctx context.Context, scope, subject string, rule ratelimit.Rule) error {
	if s.limiter == nil || !rule.Enabled() {
		return nil
	}

	d, err := s.limiter.Allow(ctx, scope, subject, rule)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if !d.Allowed {
		return &RateLimitError{Scope: scope, RetryAfter: d.RetryAfter}
	}
	return nil
}

// publish отправляет событие после фиксации операции. Ошибка публикации только логируется.
func (s *Service) publish(ctx context.Context, key string, body any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.publisher.Publish(ctx, key, body); err != nil {
		s.logger.Warn("failed to publish event", zap.String("routing_key", key), zap.Error(err))
	}
}

// activeOperator загружает пользователя и проверяет, что он допущенный оператор.
func (s *Service) activeOperator(ctx context.Context, id string) (*model.User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleOperator {
		return nil, ErrForbidden
	}
	if !u.IsActiveOperator() {
		return nil, ErrOperatorInactive
	}
	return u, nil
}
