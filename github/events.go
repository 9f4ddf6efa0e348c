package github

import (
	"encoding/json"
	"strings"
	"time"
)

// Webhook event names handled by the app.
const (
	EventInstallation             = "installation"
	EventInstallationRepositories = "installation_repositories"
	EventRelease                  = "release"
)

// ManifestAssetName is the release asset carrying the plugin manifest.
const ManifestAssetName = "plugin.json"

// Account is a GitHub user or organization.
type Account struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	Type      string `json:"type"`
}

// Repository is the repository object used by the REST API and webhook payloads.
type Repository struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Owner         *Account `json:"owner"`
	Description   string   `json:"description"`
	HTMLURL       string   `json:"html_url"`
	DefaultBranch string   `json:"default_branch"`
	Private       bool     `json:"private"`
}

// QualifiedName returns owner/name, deriving it from the owner login when full_name is absent.
func (r Repository) QualifiedName() string {
	if r.FullName != "" {
		return r.FullName
	}
	if r.Owner != nil && r.Owner.Login != "" && r.Name != "" {
		return r.Owner.Login + "/" + r.Name
	}
	return ""
}

// SplitFullName splits owner/name; ok is false for anything else.
func SplitFullName(fullName string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// Release is a release object. Timestamps are kept raw so a bad value only nulls that field.
type Release struct {
	ID          int64    `json:"id"`
	TagName     string   `json:"tag_name"`
	Name        string   `json:"name"`
	Body        string   `json:"body"`
	Draft       bool     `json:"draft"`
	Prerelease  bool     `json:"prerelease"`
	CreatedAt   string   `json:"created_at"`
	PublishedAt string   `json:"published_at"`
	HTMLURL     string   `json:"html_url"`
	TarballURL  string   `json:"tarball_url"`
	ZipballURL  string   `json:"zipball_url"`
	Author      *Account `json:"author"`
	Assets      []Asset  `json:"assets"`
}

// HasManifest reports whether the release carries a plugin.json asset.
func (r Release) HasManifest() bool {
	for _, asset := range r.Assets {
		if asset.Name == ManifestAssetName {
			return true
		}
	}
	return false
}

// Asset is a release asset object.
type Asset struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Label              string   `json:"label"`
	ContentType        string   `json:"content_type"`
	State              string   `json:"state"`
	Size               int64    `json:"size"`
	DownloadCount      int64    `json:"download_count"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	URL                string   `json:"url"`
	BrowserDownloadURL string   `json:"browser_download_url"`
	Uploader           *Account `json:"uploader"`
}

// IsManifest reports whether the asset is a downloadable plugin manifest.
func (a Asset) IsManifest() bool {
	return a.Name == ManifestAssetName && a.BrowserDownloadURL != ""
}

// IsImage reports whether the asset has an image content type.
func (a Asset) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// Installation identifies an app installation.
type Installation struct {
	ID      int64    `json:"id"`
	Account *Account `json:"account"`
}

// InstallationEvent is the payload of the installation event.
// Repository entries stay raw so one malformed entry can be skipped on its own.
type InstallationEvent struct {
	Action       string            `json:"action"`
	Installation *Installation     `json:"installation"`
	Repositories []json.RawMessage `json:"repositories"`
	Sender       *Account          `json:"sender"`
}

// InstallationRepositoriesEvent is the payload of the installation_repositories event.
type InstallationRepositoriesEvent struct {
	Action              string            `json:"action"`
	Installation        *Installation     `json:"installation"`
	RepositoriesAdded   []json.RawMessage `json:"repositories_added"`
	RepositoriesRemoved []json.RawMessage `json:"repositories_removed"`
	Sender              *Account          `json:"sender"`
}

// ReleaseEvent is the payload of the release event.
type ReleaseEvent struct {
	Action     string      `json:"action"`
	Release    *Release    `json:"release"`
	Repository *Repository `json:"repository"`
	Sender     *Account    `json:"sender"`
}

// ParseTime parses a GitHub UTC timestamp and converts it to loc. Empty input yields nil.
func ParseTime(value string, loc *time.Location) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		t = t.In(loc)
	}
	return &t, nil
}
