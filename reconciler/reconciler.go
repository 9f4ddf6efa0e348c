// Package reconciler stores release assets and projects the plugin manifest onto plugin rows.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/manifest"
	"pluginwarden/models"
)

// Store abstracts the persistence operations needed by the reconciler
// (for testability)
type Store interface {
	FindAsset(ctx context.Context, releaseID int64, name string) (mo.Option[*models.Asset], error)
	UpsertAsset(ctx context.Context, asset models.Asset) (*models.Asset, error)
	GetOrCreateAuthor(ctx context.Context, author models.Author) (*models.Author, error)
	SavePlugin(ctx context.Context, plugin models.Plugin) (*models.Plugin, error)
}

// Downloader fetches raw asset content.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// Reconciler writes one asset at a time. Database errors are returned; download,
// manifest and timestamp problems are logged and only skip the affected part.
type Reconciler struct {
	store      Store
	downloader Downloader
	location   *time.Location
}

// New creates a reconciler storing timestamps as wall clock in location.
func New(store Store, downloader Downloader, location *time.Location) *Reconciler {
	if location == nil {
		location = time.UTC
	}
	return &Reconciler{
		store:      store,
		downloader: downloader,
		location:   location,
	}
}

// Reconcile upserts an asset of release and, when it is the manifest, the release's plugin.
// A nameless asset is logged and skipped: it returns nil with a nil error.
func (r *Reconciler) Reconcile(ctx context.Context, repo models.Repository, release models.Release, asset github.Asset) (*models.Asset, error) {
	log := logger.With(
		zap.String("repository", repo.FullName),
		zap.String("tag", release.TagName),
		zap.String("asset", asset.Name))

	if strings.TrimSpace(asset.Name) == "" {
		log.Warn("Asset without a name skipped", zap.Int64("asset_id", asset.ID))
		return nil, nil
	}

	stored, err := r.upsertAsset(ctx, log, release, asset)
	if err != nil {
		return nil, err
	}

	if !asset.IsManifest() {
		return stored, nil
	}
	if _, err := r.syncPlugin(ctx, log, repo, release, asset); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *Reconciler) upsertAsset(ctx context.Context, log *zap.Logger, release models.Release, asset github.Asset) (*models.Asset, error) {
	existing, err := r.store.FindAsset(ctx, release.ID, asset.Name)
	if err != nil {
		return nil, err
	}

	row := models.Asset{
		GitHubID:           asset.ID,
		ReleaseID:          release.ID,
		Name:               asset.Name,
		Label:              asset.Label,
		ContentType:        asset.ContentType,
		State:              asset.State,
		Size:               asset.Size,
		DownloadCount:      asset.DownloadCount,
		CreatedAt:          r.parseTime(log, "created_at", asset.CreatedAt),
		UpdatedAt:          r.parseTime(log, "updated_at", asset.UpdatedAt),
		URL:                asset.URL,
		BrowserDownloadURL: asset.BrowserDownloadURL,
	}

	if current, ok := existing.Get(); ok {
		row.UploaderID = current.UploaderID
	} else if asset.Uploader != nil && asset.Uploader.ID != 0 {
		uploader, err := r.store.GetOrCreateAuthor(ctx, AuthorFromAccount(*asset.Uploader))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve uploader of %s: %w", asset.Name, err)
		}
		row.UploaderID = &uploader.ID
	}

	return r.store.UpsertAsset(ctx, row)
}

// syncPlugin downloads, rewrites and decodes the manifest and saves the projection.
// A nil plugin with a nil error means the manifest was skipped.
func (r *Reconciler) syncPlugin(ctx context.Context, log *zap.Logger, repo models.Repository, release models.Release, asset github.Asset) (*models.Plugin, error) {
	raw, err := r.downloader.Download(ctx, asset.BrowserDownloadURL)
	if err != nil {
		log.Warn("Failed to download manifest, plugin left unchanged", zap.Error(err))
		return nil, nil
	}

	raw = manifest.Rewrite(raw, repo.FullName, release.TagName)
	m, err := manifest.Decode(raw)
	if err != nil {
		log.Warn("Invalid manifest, plugin left unchanged", zap.Error(err))
		return nil, nil
	}

	plugin, err := r.store.SavePlugin(ctx, *m.Plugin(release.ID, string(raw)))
	if err != nil {
		return nil, err
	}
	log.Info("Plugin manifest reconciled",
		zap.Stringp("plugin_id", plugin.PluginID),
		zap.String("version", plugin.Version))
	return plugin, nil
}

func (r *Reconciler) parseTime(log *zap.Logger, field, value string) *time.Time {
	t, err := github.ParseTime(value, r.location)
	if err != nil {
		log.Warn("Invalid timestamp, stored as null", zap.String("field", field), zap.String("value", value))
		return nil
	}
	return t
}

// AuthorFromAccount maps a GitHub account onto an author row.
func AuthorFromAccount(account github.Account) models.Author {
	return models.Author{
		GitHubID:  account.ID,
		Login:     account.Login,
		AvatarURL: account.AvatarURL,
		HTMLURL:   account.HTMLURL,
		Type:      account.Type,
	}
}
