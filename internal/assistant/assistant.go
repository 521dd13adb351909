package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultInstruction = "You are a friendly assistant taking part in a chat. Answer briefly and in plain text."
	DefaultMaxHistory  = 20
	DefaultModel       = "gpt-4o-mini"
	DefaultTimeout     = 30 * time.Second

	maxResponseSize = 1 << 20
)

var (
	ErrEmptyRequest = errors.New("no messages to send")
	ErrUpstream     = errors.New("completion endpoint failed")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries either a role-tagged history or a single free-text
// message. Messages wins when both are set.
type Request struct {
	Messages []Message `json:"messages,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type Reply struct {
	Reply    string `json:"reply"`
	EmbedURL string `json:"embedUrl,omitempty"`
}

type Config struct {
	// Endpoint is an OpenAI-compatible chat completions URL.
	Endpoint    string
	APIKey      string
	Model       string
	MaxHistory  int
	Instruction string
	HTTP        *http.Client
	Log         *slog.Logger
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("assistant endpoint is required")
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.Instruction == "" {
		c.Instruction = DefaultInstruction
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Client forwards chat histories to a remote completion endpoint.
type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// Prepare normalizes req into the history sent upstream: blank messages are
// dropped, a leading system instruction is added when missing, and the
// history is cut to the newest maxHistory messages without losing it.
func Prepare(req Request, instruction string, maxHistory int) ([]Message, error) {
	var history []Message
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == "" {
			m.Role = RoleUser
		}
		history = append(history, m)
	}
	if len(history) == 0 && strings.TrimSpace(req.Message) != "" {
		history = []Message{{Role: RoleUser, Content: req.Message}}
	}
	if len(history) == 0 {
		return nil, ErrEmptyRequest
	}

	lead := Message{Role: RoleSystem, Content: instruction}
	if history[0].Role == RoleSystem {
		lead = history[0]
		history = history[1:]
	}
	if len(history) == 0 {
		return nil, ErrEmptyRequest
	}

	if maxHistory < 2 {
		maxHistory = 2
	}
	if keep := maxHistory - 1; len(history) > keep {
		history = history[len(history)-keep:]
	}
	return append([]Message{lead}, history...), nil
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Complete(ctx context.Context, req Request) (Reply, error) {
	history, err := Prepare(req, c.cfg.Instruction, c.cfg.MaxHistory)
	if err != nil {
		return Reply{}, err
	}

	body, err := json.Marshal(completionRequest{Model: c.cfg.Model, Messages: history})
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTP.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: failed to read response: %v", ErrUpstream, err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Reply{}, fmt.Errorf("%w: status %d: malformed response", ErrUpstream, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return Reply{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return Reply{}, fmt.Errorf("%w: no choices returned", ErrUpstream)
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	c.cfg.Log.Debug("assistant replied", "history", len(history), "reply_length", len(text))
	return Reply{Reply: text, EmbedURL: EmbedURL(text)}, nil
}

var youtubeLink = regexp.MustCompile(`(?:https?://)?(?:www\.|m\.)?(?:youtube\.com/(?:watch\?(?:\S*?&)?v=|embed/|shorts/)|youtu\.be/)([A-Za-z0-9_-]{11})`)

// EmbedURL returns the embeddable player URL for the first YouTube link in
// text, or an empty string.
func EmbedURL(text string) string {
	m := youtubeLink.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return "https://www.youtube.com/embed/" + m[1]
}
