package api

import (
	"fmt"
	"net/http"
	"time"

	"stockflux/internal/auth"
	"stockflux/internal/models"
)

// RequireAPIKey wraps the metadata endpoints with the API-key quota gate.
//
// The gate authenticates the Bearer credential as an opaque API key, rolls
// the 30-day usage cycle forward when it has lapsed, and rejects the request
// before any upstream work when the account is over quota. Usage is counted
// asynchronously on the way in: a request that passes the gate increments
// the counter even if the upstream fetch later fails.
func (h *Handler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.authorizeAPIRequest(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (h *Handler) authorizeAPIRequest(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	credential := ExtractBearer(r)
	if credential == "" {
		h.recorder().ObserveAuthFailure("malformed")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing api key"))
		return models.User{}, false
	}
	// Session tokens are three dot-separated segments; they authenticate the
	// account endpoints, never the metadata API.
	if auth.LooksLikeSessionToken(credential) {
		h.recorder().ObserveAuthFailure("wrong_type")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("session tokens cannot be used as api keys"))
		return models.User{}, false
	}

	user, exists := h.Store.FindUserByAPIKey(credential)
	if !exists {
		h.recorder().ObserveAuthFailure("invalid_key")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid api key"))
		return models.User{}, false
	}

	// Roll the usage window before checking the quota, so a request that
	// arrives after the cycle lapsed is judged against a fresh counter.
	now := time.Now().UTC()
	if !user.UsageCycleEnd.IsZero() && !now.Before(user.UsageCycleEnd) {
		reset, err := h.Store.ResetUsageCycle(user.APIKey, now, now.Add(models.CycleLength))
		if err != nil {
			h.logger().Error("reset usage cycle", "error", err, "user", user.ID)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("usage cycle reset failed"))
			return models.User{}, false
		}
		user = reset
	}

	if user.Unlimited() {
		return user, true
	}
	if user.UsageCount >= user.MonthlyQuota {
		h.recorder().ObserveQuotaDenial()
		writeError(w, http.StatusTooManyRequests, fmt.Errorf("monthly quota exceeded"))
		return models.User{}, false
	}

	// Best effort: the response never waits on the usage write, and a failed
	// increment is logged rather than surfaced.
	go func(apiKey, userID string) {
		if err := h.Store.IncrementUsage(apiKey); err != nil {
			h.logger().Error("increment usage", "error", err, "user", userID)
		}
	}(user.APIKey, user.ID)

	return user, true
}
