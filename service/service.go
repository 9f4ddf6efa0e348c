package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"pluginwarden/config"
	"pluginwarden/db"
	"pluginwarden/fetcher"
	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/pipeline"
	"pluginwarden/publish"
	"pluginwarden/reconciler"
	"pluginwarden/server"
)

const shutdownTimeout = 5 * time.Second

// Service errors
var (
	ErrServiceInit     = fmt.Errorf("service initialization error")
	ErrServiceShutdown = fmt.Errorf("service shutdown error")
)

// Service represents the main application service
type Service struct {
	config   *config.Config
	database *db.DB
	auth     *github.AppAuth
	http     *http.Server
}

// NewService creates a new service instance
func NewService() (*Service, error) {
	// Load configuration
	cfg := config.NewConfig()
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("%w: failed to load configuration: %v", ErrServiceInit, err)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize logger: %v", ErrServiceInit, err)
	}

	// Initialize database
	database, err := db.New()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize database: %v", ErrServiceInit, err)
	}
	database.SetLocation(cfg.StorageLocation)
	if err := database.Migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to migrate database: %v", ErrServiceInit, err)
	}

	// Initialize GitHub client
	auth, err := github.NewAppAuth(cfg.GitHubAPIURL, cfg.AppID, cfg.AppInstallationID, cfg.AppPrivateKey)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize app credentials: %v", ErrServiceInit, err)
	}
	client, err := github.NewClient(cfg.GitHubAPIURL, auth)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize GitHub client: %v", ErrServiceInit, err)
	}

	events := pipeline.New(
		database,
		client,
		reconciler.New(database, client, cfg.StorageLocation),
		publish.NewPublisher(client, cfg.IndexRepo, cfg.BaseBranch, cfg.IndexPath),
		cfg.StorageLocation,
	)

	api := server.New(server.Options{
		Store:          database,
		Events:         events,
		Users:          client,
		Sync:           syncFunc(events, client),
		OAuth:          newOAuthConfig(cfg),
		WebhookSecret:  cfg.WebhookSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		IsAdmin:        cfg.IsAdminLogin,
		Location:       cfg.StorageLocation,
	})

	logger.Info("Service initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("index_repo", cfg.IndexRepo),
		zap.String("base_branch", cfg.BaseBranch),
		zap.Bool("webhook_signature", cfg.WebhookSecret != ""))

	return &Service{
		config:   cfg,
		database: database,
		auth:     auth,
		http: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// newOAuthConfig builds the user login flow of the GitHub App.
func newOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.AppClientID,
		ClientSecret: cfg.AppClientSecret,
		RedirectURL:  cfg.AppRedirectURI,
		Endpoint:     githuboauth.Endpoint,
	}
}

// syncFunc backfills a repository through the same pipeline release webhooks use.
func syncFunc(ingester fetcher.IngesterInterface, client fetcher.GitHubClientInterface) server.SyncFunc {
	return func(ctx context.Context, owner, name string) (int, error) {
		return fetcher.FetchAndStore(ctx, ingester, client, owner, name)
	}
}

// Start serves HTTP until an interrupt signal arrives, then shuts down gracefully
func (s *Service) Start() error {
	pingCtx, cancelPing := context.WithTimeout(context.Background(), shutdownTimeout)
	err := s.database.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return err
	}

	// Warm the installation token so configuration problems surface at startup
	if err := s.auth.Refresh(context.Background()); err != nil {
		logger.Warn("Failed to obtain installation token", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceShutdown, err)
	}
	return nil
}

// Close performs cleanup operations
func (s *Service) Close() error {
	logger.Info("Closing service")
	defer logger.Sync()
	if err := s.database.Close(); err != nil {
		return fmt.Errorf("%w: failed to close database: %v", ErrServiceShutdown, err)
	}
	return nil
}
