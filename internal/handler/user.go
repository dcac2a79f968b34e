package handler

import (
	"errors"
	"net/http"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

// ListProducts возвращает каталог товаров.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(products, newProductResponse))
}

// ListPromotions возвращает баннеры.
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := h.service.ListPromotions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(promos, newPromotionResponse))
}

// GetDeposits возвращает историю сдачи отходов текущего пользователя.
func (h *Handler) GetDeposits(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	deposits, err := h.service.ListDepositsByUser(r.Context(), id.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if len(deposits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(deposits, newDepositResponse))
}

// GetRedemptions возвращает ваучеры текущего пользователя с вычисленным статусом.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListRedemptionsByUser(r.Context(), id.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h.redemptions(list))
}

// GetPendingRedemption возвращает действующий ваучер пользователя или 204, если его нет.
func (h *Handler) GetPendingRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	red, err := h.service.PendingRedemption(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrRedemptionNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newRedemptionResponse(h.service.View(*red)))
}

type createRedemptionRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

// CreateRedemption создаёт ваучер на товар. Монеты спишутся при подтверждении оператором.
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req createRedemptionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	red, err := h.service.CreateRedemption(r.Context(), id.UserID, req.ProductID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newRedemptionResponse(h.service.View(*red)))
}

func (h *Handler) redemptions(list []model.Redemption) []redemptionResponse {
	return mapSlice(list, func(red model.Redemption) redemptionResponse {
		return newRedemptionResponse(h.service.View(red))
	})
}
