// Package handler содержит HTTP-обработчики API сервиса ecokoin.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/middleware"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
	"github.com/mmeshcher/ecokoin/internal/service"
	"github.com/mmeshcher/ecokoin/internal/validation"
)

// maxBodyBytes ограничивает размер тела запроса: в нём могут быть фото в base64.
const maxBodyBytes = 16 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (*model.User, error)
	AuthenticateUser(ctx context.Context, username, password string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, p model.Profile) (*model.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, next string) error
	ApplyOperator(ctx context.Context, userID string, in service.ApplyInput) (*model.User, error)

	ListProducts(ctx context.Context) ([]model.Product, error)
	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListPromotions(ctx context.Context) ([]model.Promotion, error)
	CreatePromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error)
	UpdatePromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error)
	DeletePromotion(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (*model.Settings, error)
	UpdateSettings(ctx context.Context, rate decimal.Decimal) (*model.Settings, error)

	LookupDepositor(ctx context.Context, operatorID, userID string) (*model.User, error)
	SearchDepositors(ctx context.Context, operatorID, query string) ([]model.User, error)
	RecordDeposit(ctx context.Context, in service.DepositInput) (*service.DepositResult, error)
	ListDepositsByUser(ctx context.Context, userID string) ([]model.Deposit, error)

	CreateRedemption(ctx context.Context, userID, productID string) (*model.Redemption, error)
	ListRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error)
	PendingRedemption(ctx context.Context, userID string) (*model.Redemption, error)
	ListPendingRedemptions(ctx context.Context, operatorID string) ([]model.Redemption, error)
	ConfirmRedemption(ctx context.Context, operatorID, redemptionID string) (*model.Receipt, error)
	ConfirmByScanCode(ctx context.Context, operatorID, code string) (*model.Receipt, error)
	View(r model.Redemption) service.RedemptionView

	ListOperators(ctx context.Context, status model.OperatorStatus) ([]model.User, error)
	SetOperatorStatus(ctx context.Context, adminID, operatorID string, status model.OperatorStatus) error
	AdjustCoins(ctx context.Context, adminID, userID string, delta int64, reason string) (int64, error)

	GetReport(ctx context.Context, recent int) (*service.Report, error)
	Reconcile(ctx context.Context) ([]model.Drift, error)
}

// Handler реализует HTTP-обработчики API сервиса ecokoin.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error  string                  `json:"error"`
	Fields []validation.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON читает тело запроса в dst и проверяет его по тегам validate.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}

	if err := validation.Struct(dst); err != nil {
		h.respondError(w, r, err)
		return false
	}
	return true
}

// statusFor сопоставляет ошибку бизнес-логики с HTTP-статусом.
func statusFor(err error) int {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidWeight),
		errors.Is(err, service.ErrInvalidPhoto),
		errors.Is(err, service.ErrInvalidScanCode),
		errors.Is(err, service.ErrInvalidResetCode),
		errors.Is(err, repository.ErrBalanceOverflow):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrOperatorInactive):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrRedemptionNotFound),
		errors.Is(err, repository.ErrPromotionNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrOutOfStock),
		errors.Is(err, repository.ErrNotPending),
		errors.Is(err, repository.ErrApplicationExists):
		return http.StatusConflict
	case errors.Is(err, repository.ErrVoucherExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError пишет ответ об ошибке. Неожиданные ошибки логируются, клиенту отдаётся общий текст.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status == http.StatusInternalServerError {
		h.logger.Error("request error",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		writeError(w, status, http.StatusText(status))
		return
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		writeJSON(w, status, errorResponse{Error: "validation failed", Fields: verr.Fields})
		return
	}

	var rl *service.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	writeError(w, status, err.Error())
}

// currentUser возвращает пользователя запроса. Маршруты без авторизации его не имеют.
func currentUser(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	return id, ok
}
