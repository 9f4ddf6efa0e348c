package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"pluginwarden/models"
)

// Listed plugins belong to watched repositories and visible releases.
const listedPluginsFrom = `
	FROM plugins p
	JOIN releases rel ON rel.id = p.release_id
	JOIN repositories r ON r.id = p.repository_id
	WHERE rel.visible AND r.watched`

const groupKeyExpr = `COALESCE(p.plugin_id, p.id::text)`

// ListStorePlugins returns one page of plugin groups, most recently updated first.
// Plugins without an id are grouped by their row id. total counts groups, not rows.
func (db *DB) ListStorePlugins(ctx context.Context, params models.PaginationParams) ([]models.StoreGroup, int, error) {
	q := db.q(ctx)

	var total int
	if err := q.GetContext(ctx, &total, `SELECT COUNT(DISTINCT `+groupKeyExpr+`)`+listedPluginsFrom); err != nil {
		return nil, 0, fmt.Errorf("failed to count store plugins: %w", err)
	}

	var keys []string
	keyQuery := `SELECT ` + groupKeyExpr + ` AS group_key` + listedPluginsFrom + `
		GROUP BY group_key
		ORDER BY MAX(p.created_at) DESC, group_key
		LIMIT $1 OFFSET $2`
	if err := q.SelectContext(ctx, &keys, keyQuery, params.PageSize, params.Offset()); err != nil {
		return nil, 0, fmt.Errorf("failed to page store plugins: %w", err)
	}
	if len(keys) == 0 {
		return []models.StoreGroup{}, total, nil
	}

	rowQuery, args, err := sqlx.In(`SELECT
			p.id, p.release_id, p.repository_id, p.plugin_id, p.name, p.version, p.description, p.authors,
			p.web_uri, p.logo, p.sdk_version, p.tag_name, p.background_color, p.raw_json, p.created_at, p.updated_at,
			`+groupKeyExpr+` AS group_key,
			(SELECT a.browser_download_url FROM assets a
				WHERE a.release_id = p.release_id AND LOWER(a.name) LIKE '%.sdow'
				ORDER BY a.id LIMIT 1) AS download_url`+listedPluginsFrom+`
			AND `+groupKeyExpr+` IN (?)
		ORDER BY p.created_at DESC, p.id DESC`, keys)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build store query: %w", err)
	}

	var rows []models.StorePlugin
	if err := q.SelectContext(ctx, &rows, q.Rebind(rowQuery), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list store plugins: %w", err)
	}

	plugins := make([]*models.Plugin, len(rows))
	for i := range rows {
		plugins[i] = &rows[i].Plugin
	}
	if err := db.loadPluginChildren(ctx, plugins); err != nil {
		return nil, 0, err
	}

	byKey := make(map[string][]models.StorePlugin, len(keys))
	for _, row := range rows {
		byKey[row.GroupKey] = append(byKey[row.GroupKey], row)
	}
	groups := make([]models.StoreGroup, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, models.StoreGroup{Key: key, Plugins: byKey[key]})
	}
	return groups, total, nil
}

// GetStats computes the dashboard counters. A non-nil authorID restricts them to that owner's repositories.
func (db *DB) GetStats(ctx context.Context, authorID *int64) (*models.Stats, error) {
	owner := ""
	args := []interface{}{}
	if authorID != nil {
		owner = " AND r.author_id = $1"
		args = append(args, *authorID)
	}

	query := `
		SELECT
			(SELECT COUNT(*)` + listedPluginsFrom + owner + `) AS total_plugins,
			(SELECT COUNT(*) FROM repositories r WHERE r.installed` + owner + `) AS installed_repos,
			(SELECT COUNT(*) FROM repositories r WHERE r.watched` + owner + `) AS watched_repos
	`
	var stats models.Stats
	if err := db.q(ctx).GetContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &stats, nil
}
