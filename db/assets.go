package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/samber/mo"

	"pluginwarden/models"
)

const assetColumns = `id, github_id, release_id, uploader_id, name, label, content_type, state, size,
	download_count, created_at, updated_at, url, browser_download_url`

// FindAsset looks an asset up by its (release_id, name) natural key.
func (db *DB) FindAsset(ctx context.Context, releaseID int64, name string) (mo.Option[*models.Asset], error) {
	var asset models.Asset
	query := `SELECT ` + assetColumns + ` FROM assets WHERE release_id = $1 AND name = $2`
	if err := db.q(ctx).GetContext(ctx, &asset, query, releaseID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*models.Asset](), nil
		}
		return mo.None[*models.Asset](), fmt.Errorf("failed to find asset %s: %w", name, err)
	}
	return mo.Some(&asset), nil
}

// UpsertAsset stores an asset keyed by (release_id, name).
// On update the uploader and creation time keep their first recorded values.
func (db *DB) UpsertAsset(ctx context.Context, asset models.Asset) (*models.Asset, error) {
	if asset.ReleaseID == 0 || asset.Name == "" {
		return nil, fmt.Errorf("%w: asset release and name cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO assets (
			github_id, release_id, uploader_id, name, label, content_type, state, size,
			download_count, created_at, updated_at, url, browser_download_url
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (release_id, name) DO UPDATE SET
			github_id = EXCLUDED.github_id,
			label = EXCLUDED.label,
			content_type = EXCLUDED.content_type,
			state = EXCLUDED.state,
			size = EXCLUDED.size,
			download_count = EXCLUDED.download_count,
			updated_at = EXCLUDED.updated_at,
			url = EXCLUDED.url,
			browser_download_url = EXCLUDED.browser_download_url
		RETURNING ` + assetColumns

	var out models.Asset
	if err := db.q(ctx).GetContext(ctx, &out, query,
		asset.GitHubID, asset.ReleaseID, asset.UploaderID, asset.Name, asset.Label, asset.ContentType,
		asset.State, asset.Size, asset.DownloadCount, asset.CreatedAt, asset.UpdatedAt,
		asset.URL, asset.BrowserDownloadURL,
	); err != nil {
		return nil, fmt.Errorf("failed to store asset %s: %w", asset.Name, err)
	}
	return &out, nil
}

// ListAssetsByRelease returns the assets of a release ordered by name.
func (db *DB) ListAssetsByRelease(ctx context.Context, releaseID int64) ([]models.Asset, error) {
	assets := []models.Asset{}
	query := `SELECT ` + assetColumns + ` FROM assets WHERE release_id = $1 ORDER BY name`
	if err := db.q(ctx).SelectContext(ctx, &assets, query, releaseID); err != nil {
		return nil, fmt.Errorf("failed to list assets of release %d: %w", releaseID, err)
	}
	return assets, nil
}
