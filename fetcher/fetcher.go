package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/models"
)

// SyncAction is recorded as the action of backfilled releases.
const SyncAction = "synced"

// IngesterInterface defines the pipeline operation needed by the fetcher
type IngesterInterface interface {
	IngestReleases(ctx context.Context, owner, name string, releases []github.Release, action string) (*models.Repository, int, error)
}

// GitHubClientInterface defines the GitHub client operations needed by the fetcher
type GitHubClientInterface interface {
	FetchReleases(ctx context.Context, owner, name string) ([]github.Release, error)
}

// FetchAndStore backfills a repository: it fetches every release from GitHub and ingests
// them the same way release webhooks are. It returns the number of stored releases.
func FetchAndStore(ctx context.Context, ingester IngesterInterface, client GitHubClientInterface, owner, name string) (int, error) {
	releases, err := client.FetchReleases(ctx, owner, name)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch releases: %w", err)
	}

	if len(releases) == 0 {
		logger.Info("No releases found for repository",
			zap.String("repo_owner", owner),
			zap.String("repo_name", name))
		return 0, nil
	}

	_, stored, err := ingester.IngestReleases(ctx, owner, name, releases, SyncAction)
	if err != nil {
		return 0, fmt.Errorf("failed to store releases: %w", err)
	}

	logger.Info("Successfully synced repository",
		zap.String("repo_owner", owner),
		zap.String("repo_name", name),
		zap.Int("release_count", len(releases)),
		zap.Int("stored_count", stored))
	return stored, nil
}
