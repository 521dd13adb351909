package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"palaver/internal/assistant"
	"palaver/internal/auth"
	"palaver/internal/client"
	"palaver/internal/models"
	"palaver/internal/view"
	"palaver/internal/ws"

	"github.com/spf13/cobra"
)

var (
	verbose bool

	// login
	loginPassword string

	// send
	sendReplyTo string

	// history
	historyLimit int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol activity to stderr")

	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (read from stdin if empty)")
	sendCmd.Flags().StringVarP(&sendReplyTo, "reply", "r", "", "key of the message to reply to")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of messages to show")

	groupsCmd.AddCommand(groupsCreateCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, usersCmd, groupsCmd, sendCmd, historyCmd, chatCmd, askCmd)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and remember the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		password := loginPassword
		if password == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			password = strings.TrimRight(line, "\r\n")
		}

		provider := &auth.Client{BaseURL: cfg.Server.URL, Username: args[0], Password: password}
		user, err := provider.SignIn(ctx)
		if err != nil {
			return err
		}

		cfg.Auth = ConfigAuth{
			Token:       provider.Token(),
			UserID:      user.ID,
			Username:    args[0],
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", user.DisplayName)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token != "" {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimSuffix(cfg.Server.URL, "/")+"/api/logoff", nil)
			if err != nil {
				return err
			}
			req.Header.Set(ws.TokenHeader, cfg.Auth.Token)
			if resp, err := http.DefaultClient.Do(req); err == nil {
				_ = resp.Body.Close()
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "server logoff failed: %v\n", err)
			}
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users and who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		roster, err := s.Roster(ctx)
		if err != nil {
			return err
		}
		defer roster.Close()

		users, err := firstValue(ctx, roster.Updates())
		if err != nil {
			return err
		}
		for _, u := range users {
			mark := " "
			if u.Online {
				mark = "●"
			}
			self := ""
			if u.ID == s.Self().ID {
				self = " (you)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-20s %s%s\n", mark, u.DisplayName, u.ID, self)
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List your groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		ch, err := s.Groups(ctx)
		if err != nil {
			return err
		}
		groups, err := firstValue(ctx, ch)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No groups yet")
		}
		for _, g := range groups {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d members  %s\n", g.Name, len(g.Members), g.ID)
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name> <member>...",
	Short: "Create a group with the given users (ids or display names)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		roster, err := s.Roster(ctx)
		if err != nil {
			return err
		}
		defer roster.Close()
		users, err := firstValue(ctx, roster.Updates())
		if err != nil {
			return err
		}

		members := make(map[string]string)
		for _, want := range args[1:] {
			found := false
			for _, u := range users {
				if u.ID == want || strings.EqualFold(u.DisplayName, want) {
					members[u.ID] = u.DisplayName
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("%w: no user %q", models.ErrNotFound, want)
			}
		}

		conv, err := s.CreateGroup(ctx, args[0], members)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", conv.Name, conv.ID)
		return nil
	},
}

// openPeer opens the conversation with peer and waits for its first state.
func openPeer(ctx context.Context, s *client.Session, peer string) (client.Update, error) {
	conv, err := resolvePeer(ctx, s, peer)
	if err != nil {
		return client.Update{}, err
	}
	if err := s.Open(ctx, conv); err != nil {
		return client.Update{}, err
	}
	return firstValue(ctx, s.Updates())
}

var sendCmd = &cobra.Command{
	Use:   "send <user-or-group> <message>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		update, err := openPeer(ctx, s, args[0])
		if err != nil {
			return err
		}

		body := strings.Join(args[1:], " ")
		var sent models.Message
		if sendReplyTo != "" {
			key, found := expandKey(update.Messages, sendReplyTo)
			if !found {
				key = sendReplyTo
			}
			var ok bool
			sent, ok, err = s.Reply(ctx, key, body)
			if err == nil && !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Message %s is not loaded, nothing sent\n", sendReplyTo)
				return nil
			}
		} else {
			sent, err = s.Send(ctx, body)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent [%s] (%s)\n", shortKey(sent.Key), strings.ToLower(string(sent.Status)))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-or-group>",
	Short: "Show recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		update, err := openPeer(ctx, s, args[0])
		if err != nil {
			return err
		}
		entries := update.Messages
		if historyLimit > 0 && len(entries) > historyLimit {
			entries = entries[len(entries)-historyLimit:]
		}
		for _, e := range entries {
			fmt.Fprintln(cmd.OutOrStdout(), formatEntry(e, s.Self().ID))
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-or-group>",
	Short: "Chat interactively",
	Long: `Chat interactively. Lines are sent as messages, except for:
  /reply <key> <text>   reply to a message
  /delete <key>         hide a message from this session
  /unsend <key>         delete a message for everyone
  /jump <key>           show the message a key refers to
  /quit                 leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		update, err := openPeer(ctx, s, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		p := newPrinter(out, s.Self().ID)
		fmt.Fprintf(out, "Chatting in %s. Type /quit to leave.\n", conversationTitle(update.Conversation, s.Self().ID))
		p.print(update)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case u, ok := <-s.Updates():
				if !ok {
					return nil
				}
				update = u
				p.print(u)
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := runChatLine(ctx, s, update.Messages, line, out)
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// runChatLine executes one line typed in the chat. Failed sends are
// reported and the line can be typed again.
func runChatLine(ctx context.Context, s *client.Session, entries []view.Entry, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(ctx, line)
		return false, err
	}

	command, rest, _ := strings.Cut(line, " ")
	keyArg, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	lookup := func() (string, error) {
		key, ok := expandKey(entries, keyArg)
		if !ok {
			return "", fmt.Errorf("no loaded message %q", keyArg)
		}
		return key, nil
	}

	switch command {
	case "/quit":
		return true, nil
	case "/reply":
		key, ok := expandKey(entries, keyArg)
		if !ok {
			// Keep the raw key; the session decides whether it is loaded.
			key = keyArg
		}
		_, ok, err := s.Reply(ctx, key, text)
		if err == nil && !ok {
			fmt.Fprintf(out, "Message %s is not loaded, nothing sent\n", keyArg)
		}
		return false, err
	case "/delete":
		key, err := lookup()
		if err != nil {
			return false, err
		}
		_, err = s.DeleteForMe(ctx, key)
		return false, err
	case "/unsend":
		key, err := lookup()
		if err != nil {
			return false, err
		}
		return false, s.DeleteForEveryone(ctx, key)
	case "/jump":
		key, err := lookup()
		if err != nil {
			return false, err
		}
		index, found, err := s.JumpTo(ctx, key)
		if err != nil || !found {
			return false, err
		}
		for _, e := range entries {
			if e.Key == key {
				fmt.Fprintf(out, "#%d %s: %s\n", index+1, e.SenderDisplayName, snippetOf(e))
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s", command)
}

func conversationTitle(conv models.Conversation, selfID string) string {
	if conv.Kind == models.ConversationGroup {
		return conv.Name
	}
	for id, name := range conv.Members {
		if id != selfID {
			return name
		}
	}
	return conv.ID
}

// printer writes the changes between consecutive updates.
type printer struct {
	out     io.Writer
	selfID  string
	shown   map[string]models.MessageStatus
	typing  bool
	started bool
}

func newPrinter(out io.Writer, selfID string) *printer {
	return &printer{out: out, selfID: selfID, shown: make(map[string]models.MessageStatus)}
}

func (p *printer) print(u client.Update) {
	present := make(map[string]struct{}, len(u.Messages))
	for _, e := range u.Messages {
		present[e.Key] = struct{}{}
		status, seen := p.shown[e.Key]
		switch {
		case !seen:
			fmt.Fprintln(p.out, formatEntry(e, p.selfID))
		case e.SenderID == p.selfID && status != e.Status:
			fmt.Fprintf(p.out, "  [%s] %s\n", shortKey(e.Key), strings.ToLower(string(e.Status)))
		}
		p.shown[e.Key] = e.Status
	}
	if p.started {
		for key := range p.shown {
			if _, ok := present[key]; !ok {
				fmt.Fprintf(p.out, "  [%s] deleted\n", shortKey(key))
				delete(p.shown, key)
			}
		}
	}
	p.started = true

	if u.SomeoneTyping != p.typing {
		p.typing = u.SomeoneTyping
		if p.typing {
			fmt.Fprintln(p.out, "  … typing")
		}
	}
}

var askCmd = &cobra.Command{
	Use:   "ask <question>...",
	Short: "Ask the server's assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return errNotLoggedIn
		}

		body, err := json.Marshal(assistant.Request{Message: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(cfg.Server.URL, "/")+"/api/assistant", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ws.TokenHeader, cfg.Auth.Token)

		httpClient := &http.Client{Timeout: assistant.DefaultTimeout + 5*time.Second}
		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("assistant failed (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var answer assistant.Reply
		if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), answer.Reply)
		if answer.EmbedURL != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "▶ %s\n", answer.EmbedURL)
		}
		return nil
	},
}
