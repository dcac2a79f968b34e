package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
)

type productRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
	Price       int64  `json:"price" validate:"gt=0"`
	Stock       int64  `json:"stock" validate:"gte=0"`
	Image       string `json:"image"`
}

func (p productRequest) toModel(id string) model.Product {
	return model.Product{
		ID:           id,
		Name:         p.Name,
		Description:  p.Description,
		PriceInCoins: p.Price,
		Stock:        p.Stock,
		Image:        p.Image,
	}
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.CreateProduct(r.Context(), req.toModel(""))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProductResponse(*p))
}

// UpdateProduct изменяет товар.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdateProduct(r.Context(), req.toModel(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProductResponse(*p))
}

// DeleteProduct удаляет товар.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promotionRequest struct {
	Title string `json:"title" validate:"required,max=128"`
	Image string `json:"image"`
	Link  string `json:"link" validate:"omitempty,url"`
}

func (p promotionRequest) toModel(id string) model.Promotion {
	return model.Promotion{ID: id, Title: p.Title, Image: p.Image, Link: p.Link}
}

// CreatePromotion добавляет баннер.
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.CreatePromotion(r.Context(), req.toModel(""))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPromotionResponse(*p))
}

// UpdatePromotion изменяет баннер.
func (h *Handler) UpdatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdatePromotion(r.Context(), req.toModel(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPromotionResponse(*p))
}

// DeletePromotion удаляет баннер.
func (h *Handler) DeletePromotion(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePromotion(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOperators возвращает операторов, при необходимости отфильтрованных по ?status=.
func (h *Handler) ListOperators(w http.ResponseWriter, r *http.Request) {
	status := model.OperatorStatus(r.URL.Query().Get("status"))

	ops, err := h.service.ListOperators(r.Context(), status)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSlice(ops, func(u model.User) userResponse { return newUserResponse(&u) }))
}

type operatorStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING ACTIVE REJECTED SUSPENDED"`
}

// SetOperatorStatus одобряет, отклоняет или приостанавливает оператора.
func (h *Handler) SetOperatorStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req operatorStatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	err := h.service.SetOperatorStatus(r.Context(), id.UserID, chi.URLParam(r, "id"), model.OperatorStatus(req.Status))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings возвращает текущий курс монет.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.GetSettings(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{CoinConversionRate: st.CoinConversionRate})
}

type settingsRequest struct {
	CoinConversionRate decimal.Decimal `json:"coin_conversion_rate"`
}

// UpdateSettings меняет курс монет за килограмм. Новый курс действует для следующих сдач.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	st, err := h.service.UpdateSettings(r.Context(), req.CoinConversionRate)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{CoinConversionRate: st.CoinConversionRate})
}

// GetReport возвращает сводку и последние сдачи отходов (?recent=N, по умолчанию 50).
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	recent := 0
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		recent = n
	}

	rep, err := h.service.GetReport(r.Context(), recent)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	s := rep.Stats
	writeJSON(w, http.StatusOK, reportResponse{
		Stats: statsResponse{
			Users:              s.Users,
			ActiveOperators:    s.ActiveOperators,
			Deposits:           s.Deposits,
			TotalWeightKg:      s.TotalWeightKg,
			CoinsCredited:      s.CoinsCredited,
			CoinsSpent:         s.CoinsSpent,
			ProductsOutOfStock: s.ProductsOutOfStock,
		},
		RecentDeposits: mapSlice(rep.RecentDeposits, newDepositResponse),
	})
}

// Reconcile запускает сверку балансов и возвращает найденные расхождения.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSlice(drift, func(d model.Drift) driftResponse {
		return driftResponse{
			UserID:     d.UserID,
			Username:   d.Username,
			Cached:     d.Cached,
			Expected:   d.Expected,
			Difference: d.Difference(),
		}
	}))
}

type adjustCoinsRequest struct {
	Delta  int64  `json:"delta" validate:"required,min=-1000000000,max=1000000000"`
	Reason string `json:"reason" validate:"required,max=256"`
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// AdjustCoins начисляет (delta > 0) или списывает (delta < 0) монеты пользователю.
func (h *Handler) AdjustCoins(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req adjustCoinsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	userID := chi.URLParam(r, "id")
	balance, err := h.service.AdjustCoins(r.Context(), id.UserID, userID, req.Delta, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}
