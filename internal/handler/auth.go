package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/service"
)

type registerRequest struct {
	Username     string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password     string `json:"password" validate:"required,min=6,max=72"`
	FullName     string `json:"full_name" validate:"required,max=128"`
	Email        string `json:"email" validate:"omitempty,email"`
	Phone        string `json:"phone" validate:"omitempty,max=32"`
	Address      string `json:"address" validate:"omitempty,max=256"`
	Role         string `json:"role" validate:"omitempty,oneof=USER OPERATOR"`
	TPSTLocation string `json:"tpst_location" validate:"omitempty,max=128"`
	KTPPhoto     string `json:"ktp_photo"`
	SelfiePhoto  string `json:"selfie_photo"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register обрабатывает регистрацию. Пользователь сразу получает cookie авторизации,
// оператор ожидает одобрения и cookie не получает.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), service.RegisterInput{
		Username:     req.Username,
		Password:     req.Password,
		FullName:     req.FullName,
		Email:        req.Email,
		Phone:        req.Phone,
		Address:      req.Address,
		Role:         model.Role(req.Role),
		TPSTLocation: req.TPSTLocation,
		KTPPhoto:     req.KTPPhoto,
		SelfiePhoto:  req.SelfiePhoto,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if u.CanLogin() {
		if err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role); err != nil {
			h.respondError(w, r, err)
			return
		}
	}

	h.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	writeJSON(w, http.StatusCreated, newUserResponse(u))
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role); err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// Logout удаляет cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Profile возвращает текущего пользователя с актуальным балансом.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), id.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(u))
}
