package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pluginwarden/models"
)

const releaseColumns = `id, github_id, repository_id, author_id, tag_name, name, body, draft, prerelease,
	created_at, published_at, html_url, tarball_url, zipball_url, visible, updated_at`

// UpsertRelease stores a release keyed by (repository_id, tag_name).
// A re-created upstream release with the same tag updates the existing row; visibility is never touched.
func (db *DB) UpsertRelease(ctx context.Context, release models.Release) (*models.Release, error) {
	if release.RepositoryID == 0 || release.TagName == "" {
		return nil, fmt.Errorf("%w: release repository and tag cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO releases (
			github_id, repository_id, author_id, tag_name, name, body, draft, prerelease,
			created_at, published_at, html_url, tarball_url, zipball_url, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (repository_id, tag_name) DO UPDATE SET
			github_id = EXCLUDED.github_id,
			author_id = COALESCE(EXCLUDED.author_id, releases.author_id),
			name = EXCLUDED.name,
			body = EXCLUDED.body,
			draft = EXCLUDED.draft,
			prerelease = EXCLUDED.prerelease,
			created_at = COALESCE(EXCLUDED.created_at, releases.created_at),
			published_at = COALESCE(EXCLUDED.published_at, releases.published_at),
			html_url = EXCLUDED.html_url,
			tarball_url = EXCLUDED.tarball_url,
			zipball_url = EXCLUDED.zipball_url,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + releaseColumns

	var out models.Release
	if err := db.q(ctx).GetContext(ctx, &out, query,
		release.GitHubID, release.RepositoryID, release.AuthorID, release.TagName, release.Name, release.Body,
		release.Draft, release.Prerelease, release.CreatedAt, release.PublishedAt,
		release.HTMLURL, release.TarballURL, release.ZipballURL, db.now(),
	); err != nil {
		return nil, fmt.Errorf("failed to store release %s: %w", release.TagName, err)
	}

	safeLogInfo("Release stored",
		zap.Int64("repository_id", out.RepositoryID),
		zap.String("tag", out.TagName),
		zap.Int64("id", out.ID))
	return &out, nil
}

// DeleteRelease removes a release together with its assets and plugin. It reports whether a row existed.
func (db *DB) DeleteRelease(ctx context.Context, repositoryID int64, tagName string) (bool, error) {
	query := `DELETE FROM releases WHERE repository_id = $1 AND tag_name = $2`
	res, err := db.q(ctx).ExecContext(ctx, query, repositoryID, tagName)
	if err != nil {
		return false, fmt.Errorf("failed to delete release %s: %w", tagName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete release %s: %w", tagName, err)
	}
	return n > 0, nil
}

// GetRelease retrieves a release by id
func (db *DB) GetRelease(ctx context.Context, id int64) (*models.Release, error) {
	var release models.Release
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	if err := db.q(ctx).GetContext(ctx, &release, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrReleaseNotFound, id)
		}
		return nil, fmt.Errorf("failed to get release %d: %w", id, err)
	}
	return &release, nil
}

// ListReleasesByRepository returns the releases of a repository, newest first.
func (db *DB) ListReleasesByRepository(ctx context.Context, repositoryID int64) ([]models.Release, error) {
	releases := []models.Release{}
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE repository_id = $1
		ORDER BY published_at DESC NULLS LAST, id DESC`
	if err := db.q(ctx).SelectContext(ctx, &releases, query, repositoryID); err != nil {
		return nil, fmt.Errorf("failed to list releases of repository %d: %w", repositoryID, err)
	}
	return releases, nil
}

// SetReleaseVisible toggles whether a release is listed by the store.
func (db *DB) SetReleaseVisible(ctx context.Context, id int64, visible bool) (*models.Release, error) {
	query := `UPDATE releases SET visible = $2, updated_at = $3 WHERE id = $1 RETURNING ` + releaseColumns

	var out models.Release
	if err := db.q(ctx).GetContext(ctx, &out, query, id, visible, db.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrReleaseNotFound, id)
		}
		return nil, fmt.Errorf("failed to update release %d: %w", id, err)
	}
	return &out, nil
}
