package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
	"go.uber.org/zap"

	"pluginwarden/models"
)

const pluginColumns = `id, release_id, repository_id, plugin_id, name, version, description, authors,
	web_uri, logo, sdk_version, tag_name, background_color, raw_json, created_at, updated_at`

// SavePlugin upserts the plugin row of a release and replaces its dependencies and tags.
// repository_id is always taken from the release row.
func (db *DB) SavePlugin(ctx context.Context, plugin models.Plugin) (*models.Plugin, error) {
	if plugin.ReleaseID == 0 {
		return nil, fmt.Errorf("%w: plugin release cannot be empty", ErrInvalidInput)
	}

	var out models.Plugin
	err := db.WithTransaction(ctx, func(ctx context.Context) error {
		q := db.q(ctx)
		query := `
			INSERT INTO plugins (
				release_id, repository_id, plugin_id, name, version, description, authors,
				web_uri, logo, sdk_version, tag_name, background_color, raw_json, created_at, updated_at
			)
			VALUES ($1, (SELECT repository_id FROM releases WHERE id = $1),
				$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (release_id) DO UPDATE SET
				repository_id = EXCLUDED.repository_id,
				plugin_id = EXCLUDED.plugin_id,
				name = EXCLUDED.name,
				version = EXCLUDED.version,
				description = EXCLUDED.description,
				authors = EXCLUDED.authors,
				web_uri = EXCLUDED.web_uri,
				logo = EXCLUDED.logo,
				sdk_version = EXCLUDED.sdk_version,
				tag_name = EXCLUDED.tag_name,
				background_color = EXCLUDED.background_color,
				raw_json = EXCLUDED.raw_json,
				updated_at = EXCLUDED.updated_at
			RETURNING ` + pluginColumns

		if err := q.GetContext(ctx, &out, query,
			plugin.ReleaseID, plugin.PluginID, plugin.Name, plugin.Version, plugin.Description, plugin.Authors,
			plugin.WebURI, plugin.Logo, plugin.SdkVersion, plugin.TagName, plugin.BackgroundColor, plugin.RawJSON,
			db.now(),
		); err != nil {
			return fmt.Errorf("failed to store plugin of release %d: %w", plugin.ReleaseID, err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM plugin_dependencies WHERE plugin_row_id = $1`, out.ID); err != nil {
			return fmt.Errorf("failed to clear plugin dependencies: %w", err)
		}
		for _, dep := range plugin.Dependencies {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO plugin_dependencies (plugin_row_id, dep_id, need) VALUES ($1, $2, $3)`,
				out.ID, dep.DepID, dep.Need,
			); err != nil {
				return fmt.Errorf("failed to store plugin dependency %s: %w", dep.DepID, err)
			}
			out.Dependencies = append(out.Dependencies, models.Dependency{PluginRowID: out.ID, DepID: dep.DepID, Need: dep.Need})
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM plugin_tags WHERE plugin_row_id = $1`, out.ID); err != nil {
			return fmt.Errorf("failed to clear plugin tags: %w", err)
		}
		for _, tag := range plugin.Tags {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO plugin_tags (plugin_row_id, tag) VALUES ($1, $2)`,
				out.ID, tag.Tag,
			); err != nil {
				return fmt.Errorf("failed to store plugin tag %s: %w", tag.Tag, err)
			}
			out.Tags = append(out.Tags, models.Tag{PluginRowID: out.ID, Tag: tag.Tag})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	safeLogInfo("Plugin stored",
		zap.Int64("release_id", out.ReleaseID),
		zap.Int("dependencies", len(out.Dependencies)),
		zap.Int("tags", len(out.Tags)))
	return &out, nil
}

// GetPluginByRelease returns the plugin of a release with its dependencies and tags.
func (db *DB) GetPluginByRelease(ctx context.Context, releaseID int64) (mo.Option[*models.Plugin], error) {
	var plugin models.Plugin
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE release_id = $1`
	if err := db.q(ctx).GetContext(ctx, &plugin, query, releaseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*models.Plugin](), nil
		}
		return mo.None[*models.Plugin](), fmt.Errorf("failed to get plugin of release %d: %w", releaseID, err)
	}

	plugins := []*models.Plugin{&plugin}
	if err := db.loadPluginChildren(ctx, plugins); err != nil {
		return mo.None[*models.Plugin](), err
	}
	return mo.Some(&plugin), nil
}

// loadPluginChildren fills Dependencies and Tags of the given plugins with two queries.
func (db *DB) loadPluginChildren(ctx context.Context, plugins []*models.Plugin) error {
	if len(plugins) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(plugins))
	byID := make(map[int64]*models.Plugin, len(plugins))
	for _, p := range plugins {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}

	q := db.q(ctx)

	query, args, err := sqlx.In(`SELECT id, plugin_row_id, dep_id, need FROM plugin_dependencies
		WHERE plugin_row_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("failed to build dependency query: %w", err)
	}
	var deps []models.Dependency
	if err := q.SelectContext(ctx, &deps, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load plugin dependencies: %w", err)
	}
	for _, dep := range deps {
		if p, ok := byID[dep.PluginRowID]; ok {
			p.Dependencies = append(p.Dependencies, dep)
		}
	}

	query, args, err = sqlx.In(`SELECT id, plugin_row_id, tag FROM plugin_tags
		WHERE plugin_row_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("failed to build tag query: %w", err)
	}
	var tags []models.Tag
	if err := q.SelectContext(ctx, &tags, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load plugin tags: %w", err)
	}
	for _, tag := range tags {
		if p, ok := byID[tag.PluginRowID]; ok {
			p.Tags = append(p.Tags, tag)
		}
	}
	return nil
}
