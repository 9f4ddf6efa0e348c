package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/models"
)

const dayLayout = "2006-01-02"

// RepositoryDetail is a repository with its releases.
type RepositoryDetail struct {
	models.Repository
	HTMLURL  string           `json:"html_url"`
	Releases []models.Release `json:"releases"`
}

// ReleaseDetail is a release with its assets and manifest projection.
type ReleaseDetail struct {
	models.Release
	Assets []models.Asset `json:"assets"`
	Plugin *models.Plugin `json:"plugin"`
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())
	params := models.NewPaginationParams(queryInt(r, "page"), queryInt(r, "limit"), 10, 1000)

	repos, total, err := s.store.ListRepositories(r.Context(), ownerFilter(author), params)
	if err != nil {
		writeStoreError(w, err, "failed to list repositories")
		return
	}
	if repos == nil {
		repos = []models.RepositorySummary{}
	}
	writeJSON(w, http.StatusOK, models.NewPage(params, total, repos))
}

func (s *Server) handleSearchRepositories(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeError(w, http.StatusBadRequest, "missing search term")
		return
	}

	repos, err := s.store.SearchRepositories(r.Context(), term, ownerFilter(author))
	if err != nil {
		writeStoreError(w, err, "failed to search repositories")
		return
	}
	if repos == nil {
		repos = []models.RepositorySummary{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleInstalledExists(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())
	exists, err := s.store.InstalledRepositoryExists(r.Context(), author.ID)
	if err != nil {
		writeStoreError(w, err, "failed to check installed repositories")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// ownedRepository loads the repository at {id} and checks the caller may manage it.
// It writes the error response itself and returns nil when the request must stop.
func (s *Server) ownedRepository(w http.ResponseWriter, r *http.Request, id int64) *models.Repository {
	author, _ := authorFromContext(r.Context())
	repo, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to load repository")
		return nil
	}
	if !repo.IsOwnedBy(author) {
		writeError(w, http.StatusForbidden, "not the owner of this repository")
		return nil
	}
	return repo
}

// ownedRelease loads the release at {id} together with its repository and checks ownership.
func (s *Server) ownedRelease(w http.ResponseWriter, r *http.Request) (*models.Release, *models.Repository) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid release id")
		return nil, nil
	}
	release, err := s.store.GetRelease(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to load release")
		return nil, nil
	}
	repo := s.ownedRepository(w, r, release.RepositoryID)
	if repo == nil {
		return nil, nil
	}
	return release, repo
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return
	}
	repo := s.ownedRepository(w, r, id)
	if repo == nil {
		return
	}

	releases, err := s.store.ListReleasesByRepository(r.Context(), repo.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list releases")
		return
	}
	if releases == nil {
		releases = []models.Release{}
	}
	writeJSON(w, http.StatusOK, RepositoryDetail{Repository: *repo, HTMLURL: repo.HTMLURL(), Releases: releases})
}

func (s *Server) handleSetWatched(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return
	}
	var body struct {
		Watched *bool `json:"watched"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Watched == nil {
		writeError(w, http.StatusBadRequest, `expected {"watched": bool}`)
		return
	}
	if s.ownedRepository(w, r, id) == nil {
		return
	}

	repo, err := s.store.SetRepositoryWatched(r.Context(), id, *body.Watched)
	if err != nil {
		writeStoreError(w, err, "failed to update repository")
		return
	}

	action := "unwatched"
	if repo.Watched {
		action = "watched"
	}
	s.audit(r.Context(), "repository", action, fmt.Sprintf("Repository %s %s", repo.FullName, action), &repo.ID)
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid repository id")
		return
	}
	repo := s.ownedRepository(w, r, id)
	if repo == nil {
		return
	}
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	owner, name, ok := github.SplitFullName(repo.FullName)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid repository name")
		return
	}

	stored, err := s.sync(r.Context(), owner, name)
	if err != nil {
		logger.Error("Repository sync failed", zap.String("repository", repo.FullName), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to sync repository")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repo.FullName, "stored": stored})
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	release, _ := s.ownedRelease(w, r)
	if release == nil {
		return
	}

	assets, err := s.store.ListAssetsByRelease(r.Context(), release.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	plugin, err := s.store.GetPluginByRelease(r.Context(), release.ID)
	if err != nil {
		writeStoreError(w, err, "failed to load plugin")
		return
	}
	writeJSON(w, http.StatusOK, ReleaseDetail{Release: *release, Assets: assets, Plugin: plugin.OrEmpty()})
}

func (s *Server) handleGetReleaseAssets(w http.ResponseWriter, r *http.Request) {
	release, _ := s.ownedRelease(w, r)
	if release == nil {
		return
	}

	assets, err := s.store.ListAssetsByRelease(r.Context(), release.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleSetVisible(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Visible *bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Visible == nil {
		writeError(w, http.StatusBadRequest, `expected {"visible": bool}`)
		return
	}
	release, repo := s.ownedRelease(w, r)
	if release == nil {
		return
	}

	updated, err := s.store.SetReleaseVisible(r.Context(), release.ID, *body.Visible)
	if err != nil {
		writeStoreError(w, err, "failed to update release")
		return
	}

	action := "hidden"
	if updated.Visible {
		action = "visible"
	}
	s.audit(r.Context(), "release", action,
		fmt.Sprintf("Release %s of %s marked %s", updated.TagName, repo.FullName, action), &repo.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())

	day := s.now().In(s.location)
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.ParseInLocation(dayLayout, raw, s.location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be formatted as YYYY-MM-DD")
			return
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.location)
	to := from.AddDate(0, 0, 1)

	logs, err := s.store.ListWebhookLogs(r.Context(), from, to, ownerFilter(author))
	if err != nil {
		writeStoreError(w, err, "failed to list webhook logs")
		return
	}
	if logs == nil {
		logs = []models.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())
	stats, err := s.store.GetStats(r.Context(), ownerFilter(author))
	if err != nil {
		writeStoreError(w, err, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// audit records a management action. Failures are logged; the action itself already succeeded.
func (s *Server) audit(ctx context.Context, event, action, message string, repositoryID *int64) {
	entry := models.WebhookLog{
		Event:        event,
		Action:       action,
		Payload:      message,
		Level:        models.LogLevelInfo,
		RepositoryID: repositoryID,
		CreatedAt:    s.now().In(s.location),
	}
	if author, ok := authorFromContext(ctx); ok {
		entry.AuthorID = &author.ID
		entry.Payload = fmt.Sprintf("%s by %s", message, author.Login)
	}
	if _, err := s.store.WriteWebhookLog(ctx, entry); err != nil {
		logger.Warn("Failed to write audit log", zap.String("event", event), zap.String("action", action), zap.Error(err))
	}
}
