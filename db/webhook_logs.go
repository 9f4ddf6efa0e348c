package db

import (
	"context"
	"fmt"
	"time"

	"pluginwarden/models"
)

// WriteWebhookLog appends an audit entry. A zero CreatedAt is stamped with the current time.
func (db *DB) WriteWebhookLog(ctx context.Context, entry models.WebhookLog) (*models.WebhookLog, error) {
	if entry.Level < models.LogLevelError || entry.Level > models.LogLevelInfo {
		return nil, fmt.Errorf("%w: log level %d", ErrInvalidInput, entry.Level)
	}

	query := `
		INSERT INTO webhook_logs (event, action, payload, level, author_id, repository_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, event, action, payload, level, author_id, repository_id, created_at
	`
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = db.now()
	}

	var out models.WebhookLog
	if err := db.q(ctx).GetContext(ctx, &out, query,
		entry.Event, entry.Action, entry.Payload, entry.Level, entry.AuthorID, entry.RepositoryID, createdAt,
	); err != nil {
		return nil, fmt.Errorf("failed to write webhook log: %w", err)
	}
	return &out, nil
}

// ListWebhookLogs returns the entries created in [from, to), oldest first.
// A non-nil authorID restricts the result to entries of that author.
func (db *DB) ListWebhookLogs(ctx context.Context, from, to time.Time, authorID *int64) ([]models.WebhookLog, error) {
	query := `SELECT id, event, action, payload, level, author_id, repository_id, created_at
		FROM webhook_logs WHERE created_at >= ? AND created_at < ?`
	args := []interface{}{from, to}
	if authorID != nil {
		query += ` AND author_id = ?`
		args = append(args, *authorID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	q := db.q(ctx)
	logs := []models.WebhookLog{}
	if err := q.SelectContext(ctx, &logs, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	return logs, nil
}
