package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"palaver/internal/auth"
	"palaver/internal/content"
	"palaver/internal/msgstore"
)

type AdminHandler struct {
	authService *auth.AuthService
	store       *msgstore.Adapter
}

// NewAdminHandler builds the admin handlers. New users are also published
// to store so that they show up in everyone's roster before their first
// sign-in.
func NewAdminHandler(authService *auth.AuthService, store *msgstore.Adapter) *AdminHandler {
	return &AdminHandler{authService: authService, store: store}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	creds, err := h.authService.AddUser(req.Username, req.DisplayName, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserExists):
			status = http.StatusConflict
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, content.ErrInvalidUsername):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, AddUserResponse{
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	if h.store != nil {
		if err := h.store.PutUser(r.Context(), creds.User); err != nil {
			// The account exists; the profile is rewritten on first sign-in.
			log.Printf("failed to publish profile of %s: %v", creds.ID, err)
		}
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   creds.ID,
		Username: creds.UserName,
	})
}
