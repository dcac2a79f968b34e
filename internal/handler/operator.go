package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/service"
)

// LookupUser показывает оператору пользователя, сдающего отходы.
func (h *Handler) LookupUser(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	u, err := h.service.LookupDepositor(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// SearchUsers ищет пользователей по части имени или телефона (?q=).
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	users, err := h.service.SearchDepositors(r.Context(), id.UserID, r.URL.Query().Get("q"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSlice(users, func(u model.User) userResponse { return newUserResponse(&u) }))
}

type depositRequest struct {
	UserID     string          `json:"user_id" validate:"required"`
	WeightKg   decimal.Decimal `json:"weight_kg"`
	Location   string          `json:"location" validate:"omitempty,max=128"`
	Photo      string          `json:"photo"`
	ScalePhoto string          `json:"scale_photo"`
}

type depositResultResponse struct {
	Deposit depositResponse `json:"deposit"`
	Balance int64           `json:"balance"`
}

// RecordDeposit принимает сдачу отходов. Если вес не указан, он распознаётся по фото весов.
func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.RecordDeposit(r.Context(), service.DepositInput{
		OperatorID: id.UserID,
		UserID:     req.UserID,
		WeightKg:   req.WeightKg,
		Location:   req.Location,
		Photo:      req.Photo,
		ScalePhoto: req.ScalePhoto,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, depositResultResponse{
		Deposit: newDepositResponse(res.Deposit),
		Balance: res.Balance,
	})
}

// ListPendingRedemptions возвращает очередь действующих ваучеров.
func (h *Handler) ListPendingRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListPendingRedemptions(r.Context(), id.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.redemptions(list))
}

type scanRequest struct {
	Code string `json:"code" validate:"required"`
}

// ScanRedemption подтверждает ваучер по отсканированному коду.
func (h *Handler) ScanRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req scanRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	receipt, err := h.service.ConfirmByScanCode(r.Context(), id.UserID, req.Code)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// ConfirmRedemption подтверждает ваучер по идентификатору.
func (h *Handler) ConfirmRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	receipt, err := h.service.ConfirmRedemption(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}
