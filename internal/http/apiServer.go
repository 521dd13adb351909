package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/metrics"
	"palaver/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer serves sign-in, the websocket document store, the assistant
// proxy and metrics. A nil assistant disables /api/assistant.
func NewAPIServer(
	authService *auth.AuthService,
	store ws.Backend,
	m *metrics.Metrics,
	assistant api.Assistant,
	limiter *api.LimiterStore,
	addr string,
) *APIServer {
	if m == nil {
		m = metrics.New()
	}
	server := ws.NewServer(authService, store, m)
	apiHandlers := api.New(authService, m, assistant, limiter)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("POST /api/assistant", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AssistantHandler)))
	mux.Handle("GET /metrics", m.Handler())

	// WebSocket endpoint
	mux.HandleFunc("/api/store", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the routes for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
