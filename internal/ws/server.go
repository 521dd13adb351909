package ws

import (
	"log"
	"log/slog"
	"net/http"

	"palaver/internal/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// TokenHeader carries the session token on the upgrade request.
const TokenHeader = "token"

type Authenticator interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     Authenticator
	store    Backend
	metrics  *metrics.Metrics
	upgrader *websocket.Upgrader
	log      *slog.Logger

	// RequestRate and RequestBurst bound the store requests of a single
	// connection. A zero RequestRate disables the limit.
	RequestRate  rate.Limit
	RequestBurst int
}

func NewServer(auth Authenticator, store Backend, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		auth:    auth,
		store:   store,
		metrics: m,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Clients are not browsers; the token authenticates.
			},
		},
		log:          slog.Default(),
		RequestRate:  100,
		RequestBurst: 200,
	}
}

// RequestToken returns the session token from the token header, falling
// back to the cookie set at login.
func RequestToken(r *http.Request) string {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		if c, err := r.Cookie(TokenHeader); err == nil {
			token = c.Value
		}
	}
	return token
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(RequestToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	var limiter *rate.Limiter
	if s.RequestRate > 0 {
		limiter = rate.NewLimiter(s.RequestRate, s.RequestBurst)
	}

	conn := NewConnection(s.store, ws, userID, limiter, s.metrics, s.log)
	s.log.Debug("store connection opened", "conn_id", conn.ID(), "user_id", userID)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Warn("store connection failed", "conn_id", conn.ID(), "user_id", userID, "error", err)
	}
	s.log.Debug("store connection closed", "conn_id", conn.ID(), "user_id", userID)
}
