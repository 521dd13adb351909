package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"palaver/internal/content"
	"palaver/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
	minPasswordLength  = 8
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrWeakPassword = errors.New("password is too short")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

type UserCredentials struct {
	models.User
	UserName     string `json:"userName"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    int64  `json:"createdAt"`
	// Consecutive failed logins, used to throttle brute force attempts.
	FailedLoginAttempts int64 `json:"-"`
	LastAttemptTime     int64 `json:"-"`
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// CredentialStore persists credentials across restarts.
type CredentialStore interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	store      CredentialStore
	users      *geche.Locker[string, *UserCredentials]
	userIDs    geche.Geche[string, models.User]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// NewAuthService loads persisted credentials from store. A nil store keeps
// credentials in memory only.
func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	as := &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		userIDs:    geche.NewMapCache[string, models.User](),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	if store == nil {
		return as, nil
	}

	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	for i := range creds {
		c := creds[i]
		tx.Set(c.UserName, &c)
		as.userIDs.Set(c.ID, c.User)
	}

	return as, nil
}

// pepper binds password hashes to the server secret. The HMAC output is
// 64 bytes, below bcrypt's input limit.
func (as *AuthService) pepper(username, password string) []byte {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(username + "\x00" + password))
	return h.Sum(nil)
}

func (as *AuthService) hashPassword(username, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(as.pepper(username, password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AddUser creates a new user with a fresh stable id.
func (as *AuthService) AddUser(username, displayName, password string) (UserCredentials, error) {
	if err := content.ValidateUsername(username); err != nil {
		return UserCredentials{}, err
	}
	if len(password) < minPasswordLength {
		return UserCredentials{}, ErrWeakPassword
	}
	if displayName == "" {
		displayName = username
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return UserCredentials{}, ErrUserExists
	}

	passwordHash, err := as.hashPassword(username, password)
	if err != nil {
		return UserCredentials{}, fmt.Errorf("failed to hash password: %w", err)
	}

	creds := &UserCredentials{
		User: models.User{
			ID:          uuid.NewString(),
			DisplayName: content.Sanitize(displayName),
		},
		UserName:     username,
		PasswordHash: passwordHash,
		CreatedAt:    as.now().Unix(),
	}

	if as.store != nil {
		if err := as.store.UpsertCredentials(*creds); err != nil {
			return UserCredentials{}, fmt.Errorf("failed to persist user: %w", err)
		}
	}

	tx.Set(username, creds)
	as.userIDs.Set(creds.ID, creds.User)

	return *creds, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), as.pepper(req.Username, req.Password))
	if err != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	as.liveTokens.Set(hashToken(token), user.ID)
	user.ResetFailedLoginAttempts(now)

	profile := user.User
	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		User:        &profile,
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(hashToken(token))
}

// GetUserID resolves a live session token.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrAuth
	}
	userID, err := as.liveTokens.Get(hashToken(token))
	if err != nil {
		return "", models.ErrAuth
	}
	return userID, nil
}

// GetUser returns the public profile of a user.
func (as *AuthService) GetUser(userID string) (models.User, error) {
	u, err := as.userIDs.Get(userID)
	if err != nil {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Only token hashes are kept in memory.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
