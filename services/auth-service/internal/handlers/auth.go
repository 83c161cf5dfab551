package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/auth"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/internal/accounts"
)

// Accounts is the part of the account service the HTTP API drives.
type Accounts interface {
	Register(ctx context.Context, req accounts.RegisterRequest) (accounts.Session, error)
	Login(ctx context.Context, email, password string) (accounts.Session, error)
	Refresh(ctx context.Context, refreshToken string) (accounts.Session, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(token string) (*auth.Claims, error)
	Profile(ctx context.Context, userID string) (accounts.User, error)
	UpdateProfile(ctx context.Context, userID, email string) (accounts.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

type AuthHandler struct {
	accounts Accounts
	logger   *slog.Logger
}

func NewAuthHandler(accounts Accounts, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, logger: logger}
}

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	BusinessName   string `json:"business_name"`
	WhatsAppNumber string `json:"whatsapp_number"`
	Timezone       string `json:"timezone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	UserID       string `json:"user_id"`
	BusinessID   string `json:"business_id"`
}

type meResponse struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
	Role       string `json:"role"`
}

type profileRequest struct {
	Email string `json:"email"`
}

type profileResponse struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	CreatedAt  string `json:"created_at"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func toProfileResponse(u accounts.User) profileResponse {
	return profileResponse{
		UserID:     u.ID,
		BusinessID: u.BusinessID,
		Email:      u.Email,
		Role:       u.Role,
		CreatedAt:  u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toLoginResponse(s accounts.Session) loginResponse {
	return loginResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		UserID:       s.User.ID,
		BusinessID:   s.User.BusinessID,
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	session, err := h.accounts.Register(r.Context(), accounts.RegisterRequest{
		Email:          req.Email,
		Password:       req.Password,
		BusinessName:   req.BusinessName,
		WhatsAppNumber: req.WhatsAppNumber,
		Timezone:       req.Timezone,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toLoginResponse(session))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	session, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toLoginResponse(session))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	session, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toLoginResponse(session))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.accounts.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodGet) {
		return
	}
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, meResponse{UserID: claims.Sub, BusinessID: claims.BusinessID, Role: claims.Role})
}

// Profile serves GET (read) and PUT (change the login email).
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodGet {
		user, err := h.accounts.Profile(r.Context(), claims.Sub)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toProfileResponse(user))
		return
	}
	var req profileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.UpdateProfile(r.Context(), claims.Sub, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toProfileResponse(user))
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !httpx.AllowMethod(w, r, http.MethodPost) {
		return
	}
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.accounts.ChangePassword(r.Context(), claims.Sub, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate verifies the bearer access token and writes 401 when it is
// missing or unusable.
func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
		return nil, false
	}
	claims, err := h.accounts.Me(token)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return claims, true
}

func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	httpx.WriteError(w, r, h.logger, err)
}

// Register mounts the auth API on mux.
func Register(mux *http.ServeMux, h *AuthHandler) {
	mux.HandleFunc("/api/v1/auth/register", h.Register)
	mux.HandleFunc("/api/v1/auth/login", h.Login)
	mux.HandleFunc("/api/v1/auth/refresh", h.Refresh)
	mux.HandleFunc("/api/v1/auth/logout", h.Logout)
	mux.HandleFunc("/api/v1/auth/me", h.Me)
	mux.HandleFunc("/api/v1/auth/profile", h.Profile)
	mux.HandleFunc("/api/v1/auth/change-password", h.ChangePassword)
}
