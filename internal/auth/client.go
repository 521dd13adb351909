package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"palaver/internal/models"
)

// Provider signs the local user in and yields their stable identity.
type Provider interface {
	SignIn(ctx context.Context) (models.User, error)
}

// Client signs in against the login endpoint of a palaver server.
type Client struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client

	mu    sync.Mutex
	token string
}

var _ Provider = (*Client)(nil)

// SignIn fails with models.ErrAuthCancelled when no credentials were
// supplied or ctx was cancelled, and with models.ErrAuth otherwise.
func (c *Client) SignIn(ctx context.Context) (models.User, error) {
	if c.Username == "" || c.Password == "" {
		return models.User{}, models.ErrAuthCancelled
	}

	reqBody, err := json.Marshal(LoginRequest{Username: c.Username, Password: c.Password})
	if err != nil {
		return models.User{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.BaseURL, "/") + "/api/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.User{}, models.ErrAuthCancelled
		}
		return models.User{}, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return models.User{}, fmt.Errorf("%w: failed to decode response (status %d)", models.ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !loginResp.Success || loginResp.User == nil {
		return models.User{}, fmt.Errorf("%w: %s", models.ErrAuth, loginResp.Message)
	}

	c.mu.Lock()
	c.token = loginResp.Token
	c.mu.Unlock()

	return *loginResp.User, nil
}

// Token returns the session token of the last successful sign-in.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
