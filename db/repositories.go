package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"pluginwarden/models"
)

const repositoryColumns = `id, github_id, name, full_name, installed, watched, author_id, created_at, updated_at`

// GetRepositoryByFullName looks a repository up by its owner/name natural key.
func (db *DB) GetRepositoryByFullName(ctx context.Context, fullName string) (mo.Option[*models.Repository], error) {
	if fullName == "" {
		return mo.None[*models.Repository](), fmt.Errorf("%w: repository full name cannot be empty", ErrInvalidInput)
	}

	var repo models.Repository
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE full_name = $1`
	if err := db.q(ctx).GetContext(ctx, &repo, query, fullName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*models.Repository](), nil
		}
		return mo.None[*models.Repository](), fmt.Errorf("failed to get repository %s: %w", fullName, err)
	}
	return mo.Some(&repo), nil
}

// UpsertRepository creates a repository or refreshes its GitHub identity.
// Installed, watched and the owning author are left untouched.
func (db *DB) UpsertRepository(ctx context.Context, repo models.Repository) (*models.Repository, error) {
	if repo.FullName == "" || repo.Name == "" {
		return nil, fmt.Errorf("%w: repository name and full name cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO repositories (github_id, name, full_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (full_name) DO UPDATE SET
			github_id = COALESCE(EXCLUDED.github_id, repositories.github_id),
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + repositoryColumns

	var out models.Repository
	if err := db.q(ctx).GetContext(ctx, &out, query, repo.GitHubID, repo.Name, repo.FullName, db.now()); err != nil {
		return nil, fmt.Errorf("failed to store repository %s: %w", repo.FullName, err)
	}

	safeLogInfo("Repository stored", zap.String("full_name", out.FullName), zap.Int64("id", out.ID))
	return &out, nil
}

// SetRepositoryInstalled upserts a repository with installed = true and binds it to authorID when given.
func (db *DB) SetRepositoryInstalled(ctx context.Context, repo models.Repository, authorID *int64) (*models.Repository, error) {
	if repo.FullName == "" || repo.Name == "" {
		return nil, fmt.Errorf("%w: repository name and full name cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO repositories (github_id, name, full_name, installed, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $5)
		ON CONFLICT (full_name) DO UPDATE SET
			github_id = COALESCE(EXCLUDED.github_id, repositories.github_id),
			installed = TRUE,
			author_id = COALESCE(EXCLUDED.author_id, repositories.author_id),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + repositoryColumns

	var out models.Repository
	if err := db.q(ctx).GetContext(ctx, &out, query, repo.GitHubID, repo.Name, repo.FullName, authorID, db.now()); err != nil {
		return nil, fmt.Errorf("failed to mark repository %s installed: %w", repo.FullName, err)
	}
	return &out, nil
}

// MarkRepositoryUninstalled clears the installed flag. Unknown repositories yield None; rows are never deleted.
func (db *DB) MarkRepositoryUninstalled(ctx context.Context, fullName string) (mo.Option[*models.Repository], error) {
	query := `
		UPDATE repositories SET installed = FALSE, updated_at = $2
		WHERE full_name = $1
		RETURNING ` + repositoryColumns

	var out models.Repository
	if err := db.q(ctx).GetContext(ctx, &out, query, fullName, db.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*models.Repository](), nil
		}
		return mo.None[*models.Repository](), fmt.Errorf("failed to mark repository %s uninstalled: %w", fullName, err)
	}
	return mo.Some(&out), nil
}

// SetRepositoryWatched toggles automatic publishing of a repository.
func (db *DB) SetRepositoryWatched(ctx context.Context, id int64, watched bool) (*models.Repository, error) {
	query := `
		UPDATE repositories SET watched = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + repositoryColumns

	var out models.Repository
	if err := db.q(ctx).GetContext(ctx, &out, query, id, watched, db.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrRepositoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to update repository %d: %w", id, err)
	}
	return &out, nil
}

// GetRepository retrieves a repository by id
func (db *DB) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE id = $1`
	if err := db.q(ctx).GetContext(ctx, &repo, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrRepositoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to get repository %d: %w", id, err)
	}
	return &repo, nil
}

const repositorySummaryColumns = `r.id, r.github_id, r.name, r.full_name, r.installed, r.watched, r.author_id,
	r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM releases rel WHERE rel.repository_id = r.id) AS release_count`

// ListRepositories returns one page of repositories, newest first. A non-nil authorID restricts it to that owner.
func (db *DB) ListRepositories(ctx context.Context, authorID *int64, params models.PaginationParams) ([]models.RepositorySummary, int, error) {
	where := ""
	args := []interface{}{}
	if authorID != nil {
		where = "WHERE r.author_id = ?"
		args = append(args, *authorID)
	}

	q := db.q(ctx)
	var total int
	if err := q.GetContext(ctx, &total, q.Rebind(`SELECT COUNT(*) FROM repositories r `+where), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count repositories: %w", err)
	}

	query := q.Rebind(`SELECT ` + repositorySummaryColumns + ` FROM repositories r ` + where +
		` ORDER BY r.id DESC LIMIT ? OFFSET ?`)
	repos := []models.RepositorySummary{}
	if err := q.SelectContext(ctx, &repos, query, append(args, params.PageSize, params.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("failed to list repositories: %w", err)
	}
	return repos, total, nil
}

// SearchRepositories matches term against name and full name, case-insensitively.
func (db *DB) SearchRepositories(ctx context.Context, term string, authorID *int64) ([]models.RepositorySummary, error) {
	if term == "" {
		return nil, fmt.Errorf("%w: search term cannot be empty", ErrInvalidInput)
	}

	pattern := "%" + likeEscaper.Replace(term) + "%"
	where := "WHERE (r.name ILIKE ? OR r.full_name ILIKE ?)"
	args := []interface{}{pattern, pattern}
	if authorID != nil {
		where += " AND r.author_id = ?"
		args = append(args, *authorID)
	}

	q := db.q(ctx)
	repos := []models.RepositorySummary{}
	query := q.Rebind(`SELECT ` + repositorySummaryColumns + ` FROM repositories r ` + where + ` ORDER BY r.full_name`)
	if err := q.SelectContext(ctx, &repos, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search repositories: %w", err)
	}
	return repos, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// InstalledRepositoryExists reports whether the author owns any repository with the app installed.
func (db *DB) InstalledRepositoryExists(ctx context.Context, authorID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM repositories WHERE author_id = $1 AND installed)`
	if err := db.q(ctx).GetContext(ctx, &exists, query, authorID); err != nil {
		return false, fmt.Errorf("failed to check installed repositories: %w", err)
	}
	return exists, nil
}
