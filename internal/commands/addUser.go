package commands

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"palaver/internal/api"
	"palaver/internal/config"
)

// AddUser creates a user through the admin API of a running server. An
// empty password is replaced by a random one, which is printed.
func AddUser(username, displayName, password string, cfg *config.Config) error {
	generated := password == ""
	if generated {
		var err error
		if password, err = randomPassword(); err != nil {
			return err
		}
	}

	reqBody, err := json.Marshal(api.AddUserRequest{
		Username:    username,
		DisplayName: displayName,
		Password:    password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", result.Username)
	fmt.Printf("User ID:   %s\n", result.UserID)
	if generated {
		fmt.Printf("Password:  %s\n\n", password)
		fmt.Println("Please share the password with the user over a safe channel.")
	}
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
