// Package models defines the core data structures used throughout the application.
package models

import (
	"fmt"
	"time"
)

// Webhook log levels, lowest is most severe.
const (
	LogLevelError   = 0
	LogLevelWarning = 1
	LogLevelSuccess = 2
	LogLevelInfo    = 3
)

// Author is a GitHub account known to the app, either through a webhook or an OAuth login.
type Author struct {
	ID             int64      `db:"id" json:"id"`
	GitHubID       int64      `db:"github_id" json:"github_id"`
	Login          string     `db:"login" json:"login"`
	AvatarURL      string     `db:"avatar_url" json:"avatar_url"`
	HTMLURL        string     `db:"html_url" json:"html_url"`
	Type           string     `db:"type" json:"type"`
	AccessToken    *string    `db:"access_token" json:"-"`
	TokenScopes    *string    `db:"token_scopes" json:"-"`
	TokenUpdatedAt *time.Time `db:"token_updated_at" json:"-"`
	IsAdmin        bool       `db:"is_admin" json:"is_admin"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Repository represents a GitHub repository, identified by its full name
type Repository struct {
	ID        int64     `db:"id" json:"id"`
	GitHubID  *int64    `db:"github_id" json:"github_id,omitempty"`
	Name      string    `db:"name" json:"name"`
	FullName  string    `db:"full_name" json:"full_name"`
	Installed bool      `db:"installed" json:"installed"`
	Watched   bool      `db:"watched" json:"watched"`
	AuthorID  *int64    `db:"author_id" json:"author_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HTMLURL returns the repository page on GitHub.
func (r Repository) HTMLURL() string {
	return fmt.Sprintf("https://github.com/%s", r.FullName)
}

// IsOwnedBy reports whether the author may manage the repository.
func (r Repository) IsOwnedBy(author *Author) bool {
	if author == nil {
		return false
	}
	if author.IsAdmin {
		return true
	}
	return r.AuthorID != nil && *r.AuthorID == author.ID
}

// RepositorySummary is a repository row as listed by the management API.
type RepositorySummary struct {
	Repository
	ReleaseCount int `db:"release_count" json:"release_count"`
}

// Release is a tagged release of a repository; (repository_id, tag_name) is unique.
type Release struct {
	ID           int64      `db:"id" json:"id"`
	GitHubID     int64      `db:"github_id" json:"github_id"`
	RepositoryID int64      `db:"repository_id" json:"repository_id"`
	AuthorID     *int64     `db:"author_id" json:"author_id,omitempty"`
	TagName      string     `db:"tag_name" json:"tag_name"`
	Name         string     `db:"name" json:"name"`
	Body         string     `db:"body" json:"body"`
	Draft        bool       `db:"draft" json:"draft"`
	Prerelease   bool       `db:"prerelease" json:"prerelease"`
	CreatedAt    *time.Time `db:"created_at" json:"created_at"`
	PublishedAt  *time.Time `db:"published_at" json:"published_at"`
	HTMLURL      string     `db:"html_url" json:"html_url"`
	TarballURL   string     `db:"tarball_url" json:"tarball_url"`
	ZipballURL   string     `db:"zipball_url" json:"zipball_url"`
	Visible      bool       `db:"visible" json:"visible"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Asset is a file attached to a release; (release_id, name) is unique.
type Asset struct {
	ID                 int64      `db:"id" json:"id"`
	GitHubID           int64      `db:"github_id" json:"github_id"`
	ReleaseID          int64      `db:"release_id" json:"release_id"`
	UploaderID         *int64     `db:"uploader_id" json:"uploader_id,omitempty"`
	Name               string     `db:"name" json:"name"`
	Label              string     `db:"label" json:"label"`
	ContentType        string     `db:"content_type" json:"content_type"`
	State              string     `db:"state" json:"state"`
	Size               int64      `db:"size" json:"size"`
	DownloadCount      int64      `db:"download_count" json:"download_count"`
	CreatedAt          *time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          *time.Time `db:"updated_at" json:"updated_at"`
	URL                string     `db:"url" json:"url"`
	BrowserDownloadURL string     `db:"browser_download_url" json:"browser_download_url"`
}

// Plugin is the projection of a release's plugin.json manifest. At most one per release.
type Plugin struct {
	ID              int64        `db:"id" json:"id"`
	ReleaseID       int64        `db:"release_id" json:"release_id"`
	RepositoryID    int64        `db:"repository_id" json:"repository_id"`
	PluginID        *string      `db:"plugin_id" json:"plugin_id"`
	Name            string       `db:"name" json:"name"`
	Version         string       `db:"version" json:"version"`
	Description     string       `db:"description" json:"description"`
	Authors         string       `db:"authors" json:"authors"`
	WebURI          string       `db:"web_uri" json:"web_uri"`
	Logo            string       `db:"logo" json:"logo"`
	SdkVersion      string       `db:"sdk_version" json:"sdk_version"`
	TagName         string       `db:"tag_name" json:"tag_name"`
	BackgroundColor string       `db:"background_color" json:"background_color"`
	RawJSON         string       `db:"raw_json" json:"-"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
	Dependencies    []Dependency `db:"-" json:"dependencies"`
	Tags            []Tag        `db:"-" json:"tags"`
}

// Dependency is one entry of a manifest's dependency list.
type Dependency struct {
	ID          int64  `db:"id" json:"-"`
	PluginRowID int64  `db:"plugin_row_id" json:"-"`
	DepID       string `db:"dep_id" json:"Id"`
	Need        string `db:"need" json:"Need"`
}

// Tag is a store tag of a plugin.
type Tag struct {
	ID          int64  `db:"id" json:"-"`
	PluginRowID int64  `db:"plugin_row_id" json:"-"`
	Tag         string `db:"tag" json:"tag"`
}

// WebhookLog is an append-only audit entry.
type WebhookLog struct {
	ID           int64     `db:"id" json:"id"`
	Event        string    `db:"event" json:"event"`
	Action       string    `db:"action" json:"action"`
	Payload      string    `db:"payload" json:"payload"`
	Level        int       `db:"level" json:"level"`
	AuthorID     *int64    `db:"author_id" json:"author_id,omitempty"`
	RepositoryID *int64    `db:"repository_id" json:"repository_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// StorePlugin is a plugin row as listed by the store, with its downloadable package.
type StorePlugin struct {
	Plugin
	GroupKey    string  `db:"group_key" json:"-"`
	DownloadURL *string `db:"download_url" json:"download_url"`
}

// StoreGroup holds every listed version of one plugin id, newest first.
type StoreGroup struct {
	Key     string
	Plugins []StorePlugin
}

// Stats holds the dashboard counters.
type Stats struct {
	TotalPlugins   int `db:"total_plugins" json:"total_plugins"`
	InstalledRepos int `db:"installed_repos" json:"installed_repos"`
	WatchedRepos   int `db:"watched_repos" json:"watched_repos"`
}

// PaginationParams represents parameters for paginated queries
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewPaginationParams creates a new PaginationParams with validated values.
// Out of range values fall back to page 1 and the given default size; sizes above max are capped.
func NewPaginationParams(page, pageSize, defaultSize, maxSize int) PaginationParams {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultSize
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
	}
}

// Offset returns the number of rows to skip.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Page is a paginated response envelope.
type Page[T any] struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
	Items T   `json:"items"`
}

// NewPage builds a page envelope; an empty result still reports one page.
func NewPage[T any](params PaginationParams, total int, items T) Page[T] {
	pages := 1
	if total > 0 && params.PageSize > 0 {
		pages = (total + params.PageSize - 1) / params.PageSize
	}
	return Page[T]{
		Total: total,
		Page:  params.Page,
		Limit: params.PageSize,
		Pages: pages,
		Items: items,
	}
}
