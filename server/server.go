// Package server exposes the webhook endpoint, the management API and the public store catalog.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/samber/mo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"pluginwarden/db"
	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/models"
)

// Store abstracts the database operations needed by the HTTP layer
// (for testability)
type Store interface {
	GetOrCreateAuthor(ctx context.Context, author models.Author) (*models.Author, error)
	UpdateAuthorToken(ctx context.Context, authorID int64, token, scopes string, at time.Time, admin bool) error
	ClearAuthorToken(ctx context.Context, authorID int64) error
	GetAuthorByAccessToken(ctx context.Context, token string) (*models.Author, error)

	ListRepositories(ctx context.Context, authorID *int64, params models.PaginationParams) ([]models.RepositorySummary, int, error)
	SearchRepositories(ctx context.Context, term string, authorID *int64) ([]models.RepositorySummary, error)
	InstalledRepositoryExists(ctx context.Context, authorID int64) (bool, error)
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	SetRepositoryWatched(ctx context.Context, id int64, watched bool) (*models.Repository, error)

	ListReleasesByRepository(ctx context.Context, repositoryID int64) ([]models.Release, error)
	GetRelease(ctx context.Context, id int64) (*models.Release, error)
	SetReleaseVisible(ctx context.Context, id int64, visible bool) (*models.Release, error)
	ListAssetsByRelease(ctx context.Context, releaseID int64) ([]models.Asset, error)
	GetPluginByRelease(ctx context.Context, releaseID int64) (mo.Option[*models.Plugin], error)

	WriteWebhookLog(ctx context.Context, entry models.WebhookLog) (*models.WebhookLog, error)
	ListWebhookLogs(ctx context.Context, from, to time.Time, authorID *int64) ([]models.WebhookLog, error)
	GetStats(ctx context.Context, authorID *int64) (*models.Stats, error)
	ListStorePlugins(ctx context.Context, params models.PaginationParams) ([]models.StoreGroup, int, error)
}

// EventHandler processes one webhook delivery.
type EventHandler interface {
	HandleEvent(ctx context.Context, event, deliveryID string, payload []byte) (string, error)
}

// UserFetcher resolves the GitHub account of an OAuth token.
type UserFetcher interface {
	FetchUser(ctx context.Context, userToken string) (*github.Account, error)
}

// SyncFunc backfills the releases of owner/name and returns how many were stored.
type SyncFunc func(ctx context.Context, owner, name string) (int, error)

// Options configures a Server.
type Options struct {
	Store          Store
	Events         EventHandler
	Users          UserFetcher
	Sync           SyncFunc
	OAuth          *oauth2.Config
	WebhookSecret  string
	AllowedOrigins []string
	IsAdmin        func(login string) bool
	Location       *time.Location
}

// Server holds the HTTP handlers.
type Server struct {
	store         Store
	events        EventHandler
	users         UserFetcher
	sync          SyncFunc
	oauth         *oauth2.Config
	webhookSecret string
	origins       []string
	isAdmin       func(login string) bool
	location      *time.Location
	now           func() time.Time
}

// New creates a server from opts.
func New(opts Options) *Server {
	s := &Server{
		store:         opts.Store,
		events:        opts.Events,
		users:         opts.Users,
		sync:          opts.Sync,
		oauth:         opts.OAuth,
		webhookSecret: opts.WebhookSecret,
		origins:       opts.AllowedOrigins,
		isAdmin:       opts.IsAdmin,
		location:      opts.Location,
		now:           time.Now,
	}
	if s.isAdmin == nil {
		s.isAdmin = func(string) bool { return false }
	}
	if s.location == nil {
		s.location = time.UTC
	}
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.SetupEndpoints(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// SetupEndpoints registers every route on router.
func (s *Server) SetupEndpoints(router *mux.Router) {
	router.HandleFunc("/", s.handleRoot).Methods("GET")
	router.HandleFunc("/api/", s.handleRoot).Methods("GET")
	router.HandleFunc("/api/webhook", s.handleWebhook).Methods("POST")

	router.HandleFunc("/api/auth/login", s.handleLogin).Methods("GET")
	router.HandleFunc("/api/auth/callback", s.handleCallback).Methods("GET")
	router.HandleFunc("/api/auth/logout", s.handleLogout).Methods("GET")
	router.HandleFunc("/api/authors/me", s.WithAuth(s.handleMe)).Methods("GET")

	router.HandleFunc("/api/repositories", s.WithAuth(s.handleListRepositories)).Methods("GET")
	router.HandleFunc("/api/repositories/search", s.WithAuth(s.handleSearchRepositories)).Methods("GET")
	router.HandleFunc("/api/repositories/installed_exists", s.WithAuth(s.handleInstalledExists)).Methods("GET")
	router.HandleFunc("/api/repositories/{id:[0-9]+}", s.WithAuth(s.handleGetRepository)).Methods("GET")
	router.HandleFunc("/api/repositories/{id:[0-9]+}/watched", s.WithAuth(s.handleSetWatched)).Methods("PATCH")
	router.HandleFunc("/api/repositories/{id:[0-9]+}/sync", s.WithAuth(s.handleSync)).Methods("POST")

	router.HandleFunc("/api/releases/{id:[0-9]+}", s.WithAuth(s.handleGetRelease)).Methods("GET")
	router.HandleFunc("/api/releases/{id:[0-9]+}/assets", s.WithAuth(s.handleGetReleaseAssets)).Methods("GET")
	router.HandleFunc("/api/releases/{id:[0-9]+}/visible", s.WithAuth(s.handleSetVisible)).Methods("PATCH")

	router.HandleFunc("/api/webhook_logs", s.WithAuth(s.handleWebhookLogs)).Methods("GET")
	router.HandleFunc("/api/stats", s.WithAuth(s.handleStats)).Methods("GET")

	router.HandleFunc("/api/store/plugins", s.handleStorePlugins).Methods("GET")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "GitHub App is running!"})
}

// writeJSON writes data as a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeStoreError maps database errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, db.ErrRepositoryNotFound), errors.Is(err, db.ErrReleaseNotFound), errors.Is(err, db.ErrAuthorNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message)
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// queryInt reads a positive integer query parameter; absent or invalid values yield 0.
func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
