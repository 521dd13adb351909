package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/msgstore"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAdminServer serves user management. It has no authentication and is
// meant to listen on a local address only.
func NewAdminServer(authService *auth.AuthService, store *msgstore.Adapter, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, store)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
