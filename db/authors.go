package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pluginwarden/models"
)

const authorColumns = `id, github_id, login, avatar_url, html_url, type,
	access_token, token_scopes, token_updated_at, is_admin, created_at`

// GetOrCreateAuthor upserts an author by GitHub account id, refreshing its profile fields.
func (db *DB) GetOrCreateAuthor(ctx context.Context, author models.Author) (*models.Author, error) {
	if author.GitHubID == 0 {
		return nil, fmt.Errorf("%w: author github id cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO authors (github_id, login, avatar_url, html_url, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (github_id) DO UPDATE SET
			login = EXCLUDED.login,
			avatar_url = EXCLUDED.avatar_url,
			html_url = EXCLUDED.html_url,
			type = EXCLUDED.type
		RETURNING ` + authorColumns

	var out models.Author
	if err := db.q(ctx).GetContext(ctx, &out, query,
		author.GitHubID, author.Login, author.AvatarURL, author.HTMLURL, author.Type, db.now(),
	); err != nil {
		return nil, fmt.Errorf("failed to upsert author %s: %w", author.Login, err)
	}
	return &out, nil
}

// UpdateAuthorToken stores a fresh OAuth token. Admin status is sticky: it can be granted here but never cleared.
func (db *DB) UpdateAuthorToken(ctx context.Context, authorID int64, token, scopes string, at time.Time, admin bool) error {
	if token == "" {
		return fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}

	query := `
		UPDATE authors
		SET access_token = $2, token_scopes = $3, token_updated_at = $4, is_admin = is_admin OR $5
		WHERE id = $1
	`
	res, err := db.q(ctx).ExecContext(ctx, query, authorID, token, scopes, at, admin)
	if err != nil {
		return fmt.Errorf("failed to update token of author %d: %w", authorID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %d", ErrAuthorNotFound, authorID)
	}

	safeLogInfo("Author token updated", zap.Int64("author_id", authorID), zap.Bool("admin", admin))
	return nil
}

// ClearAuthorToken forgets the stored OAuth token.
func (db *DB) ClearAuthorToken(ctx context.Context, authorID int64) error {
	query := `UPDATE authors SET access_token = NULL, token_updated_at = NULL WHERE id = $1`
	if _, err := db.q(ctx).ExecContext(ctx, query, authorID); err != nil {
		return fmt.Errorf("failed to clear token of author %d: %w", authorID, err)
	}
	return nil
}

// GetAuthorByAccessToken resolves the author owning an OAuth token.
func (db *DB) GetAuthorByAccessToken(ctx context.Context, token string) (*models.Author, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}

	stmt, err := db.getStmt(ctx, `SELECT `+authorColumns+` FROM authors WHERE access_token = $1`)
	if err != nil {
		return nil, err
	}

	var author models.Author
	if err := stmt.GetContext(ctx, &author, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAuthorNotFound
		}
		return nil, fmt.Errorf("failed to get author by token: %w", err)
	}
	return &author, nil
}
