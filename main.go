package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"palaver/internal/api"
	"palaver/internal/assistant"
	"palaver/internal/auth"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/http"
	"palaver/internal/metrics"
	"palaver/internal/msgstore"
	"palaver/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("palaver", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create on a running server")
	displayName := flags.String("display-name", "", "Display name of the user created with -add-user")
	password := flags.String("password", "", "Password of the user created with -add-user (random if empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, *displayName, *password, cfg)
	}

	logger := config.NewLogger(cfg.LogLevel)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	// Connections that were open when the server last stopped never got
	// their disconnect hooks applied.
	if err := bbStorage.RunPendingDisconnectHooks(ctx); err != nil {
		logger.Warn("failed to apply pending disconnect hooks", "error", err)
	}

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	var completer api.Assistant
	if cfg.AssistantEnabled() {
		completer, err = assistant.New(assistant.Config{
			Endpoint:   cfg.AssistantEndpoint,
			APIKey:     cfg.AssistantAPIKey,
			Model:      cfg.AssistantModel,
			MaxHistory: cfg.AssistantMaxHistory,
			Log:        logger,
		})
		if err != nil {
			return err
		}
	}
	limiter := api.NewLimiterStore(cfg.AssistantRatePerMinute, 3)

	m := metrics.New()
	adminServer := http.NewAdminServer(authService, msgstore.New(bbStorage, logger), cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, bbStorage, m, completer, limiter, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gCtx, time.Minute)
		return nil
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
