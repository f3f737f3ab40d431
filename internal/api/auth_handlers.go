package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stockflux/internal/models"
	"stockflux/internal/storage"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// ExtractBearer pulls the credential out of the Authorization header.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	APIKey          string `json:"apiKey"`
	UsageCount      int    `json:"usageCount"`
	MonthlyQuota    int    `json:"monthlyQuota"`
	UsageCycleStart string `json:"usageCycleStart"`
	UsageCycleEnd   string `json:"usageCycleEnd"`
	CreatedAt       string `json:"createdAt"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:              user.ID,
		Email:           user.Email,
		APIKey:          user.APIKey,
		UsageCount:      user.UsageCount,
		MonthlyQuota:    user.MonthlyQuota,
		UsageCycleStart: user.UsageCycleStart.UTC().Format(time.RFC3339Nano),
		UsageCycleEnd:   user.UsageCycleEnd.UTC().Format(time.RFC3339Nano),
		CreatedAt:       user.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func newAuthResponse(user models.User, token string, expires time.Time) authResponse {
	return authResponse{
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339Nano),
		User:      newUserResponse(user),
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}

	user, err := h.Store.CreateUser(storage.CreateUserParams{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmailInUse) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, expiresAt, err := h.Sessions.Create(user.ID, user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAuthResponse(user, token, expiresAt))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Store.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		h.recorder().ObserveAuthFailure("invalid_credentials")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	token, expiresAt, err := h.Sessions.Create(user.ID, user.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(user, token, expiresAt))
}

// Profile returns the account behind the presented session token, including
// the API key and current usage.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	token := ExtractBearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing session token"))
		return
	}
	userID, err := h.Sessions.Validate(token)
	if err != nil {
		h.recorder().ObserveAuthFailure("invalid_session")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired session"))
		return
	}
	user, exists := h.Store.GetUser(userID)
	if !exists {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("account not found"))
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
