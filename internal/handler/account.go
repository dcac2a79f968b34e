package handler

import (
	"net/http"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/service"
)

type profileRequest struct {
	FullName string `json:"full_name" validate:"required,max=128"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
	Address  string `json:"address" validate:"omitempty,max=256"`
}

// UpdateProfile меняет имя, телефон и адрес текущего пользователя.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), id.UserID, model.Profile{
		FullName: req.FullName,
		Phone:    req.Phone,
		Address:  req.Address,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(u))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6,max=72"`
}

// ChangePassword меняет пароль текущего пользователя.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// RequestPasswordReset отправляет код сброса пароля. Ответ не раскрывает,
// зарегистрирован ли email.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=72"`
}

// ResetPassword устанавливает новый пароль по коду сброса.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type operatorApplicationRequest struct {
	Phone        string `json:"phone" validate:"omitempty,max=32"`
	TPSTLocation string `json:"tpst_location" validate:"required,max=128"`
	KTPPhoto     string `json:"ktp_photo"`
	SelfiePhoto  string `json:"selfie_photo"`
}

// ApplyOperator принимает заявку пользователя на роль оператора.
// Роль меняется только после одобрения администратором.
func (h *Handler) ApplyOperator(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req operatorApplicationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.ApplyOperator(r.Context(), id.UserID, service.ApplyInput{
		Phone:        req.Phone,
		TPSTLocation: req.TPSTLocation,
		KTPPhoto:     req.KTPPhoto,
		SelfiePhoto:  req.SelfiePhoto,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, newUserResponse(u))
}
