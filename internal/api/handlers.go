package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"palaver/internal/assistant"
	"palaver/internal/auth"
	"palaver/internal/metrics"
	"palaver/internal/ws"
)

const maxAssistantBody = 64 << 10

type userIDKey struct{}

// Assistant completes chat histories.
type Assistant interface {
	Complete(ctx context.Context, req assistant.Request) (assistant.Reply, error)
}

type API struct {
	auth      *auth.AuthService
	metrics   *metrics.Metrics
	assistant Assistant
	limiter   *LimiterStore
}

// New builds the public handlers. A nil assistant disables the proxy.
func New(authService *auth.AuthService, m *metrics.Metrics, a Assistant, limiter *LimiterStore) *API {
	if m == nil {
		m = metrics.New()
	}
	if limiter == nil {
		limiter = NewLimiterStore(10, 3)
	}
	return &API{auth: authService, metrics: m, assistant: a, limiter: limiter}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// JSON from palaver clients, forms from curl and scripts.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		a.metrics.Logins.WithLabelValues("failed").Inc()
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}
	a.metrics.Logins.WithLabelValues("ok").Inc()

	http.SetCookie(w, &http.Cookie{
		Name:     ws.TokenHeader,
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.RequestToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ws.TokenHeader,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

// RequireAuth rejects requests without a live session token and passes
// the user id on in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(ws.RequestToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

// UserID returns the user authenticated by RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequireSameOrigin rejects cross-site browser requests carrying an Origin
// that does not match the host.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func (a *API) AssistantHandler(w http.ResponseWriter, r *http.Request) {
	if a.assistant == nil {
		a.metrics.AssistantRequests.WithLabelValues("disabled").Inc()
		http.Error(w, "Assistant is not configured", http.StatusServiceUnavailable)
		return
	}

	if !a.limiter.Allow(UserID(r.Context())) {
		a.metrics.AssistantRequests.WithLabelValues("rate_limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "Too many requests, slow down"})
		return
	}

	var req assistant.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAssistantBody)).Decode(&req); err != nil {
		a.metrics.AssistantRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := a.assistant.Complete(r.Context(), req)
	switch {
	case errors.Is(err, assistant.ErrEmptyRequest):
		a.metrics.AssistantRequests.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	case err != nil:
		a.metrics.AssistantRequests.WithLabelValues("failed").Inc()
		log.Printf("assistant request failed: %v", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Message: "Assistant is unavailable"})
		return
	}

	a.metrics.AssistantRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, reply)
}
