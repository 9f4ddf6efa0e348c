// Package publish pushes release manifests into the plugin index repository through a pull request.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/manifest"
)

// ErrNoManifest is returned when the asset list has no plugin.json.
var ErrNoManifest = errors.New("release has no plugin manifest")

// IndexClient abstracts the GitHub operations needed to publish
// (for testability)
type IndexClient interface {
	Download(ctx context.Context, rawURL string) ([]byte, error)
	GetRef(ctx context.Context, repo, ref string) (*github.Reference, error)
	CreateRef(ctx context.Context, repo, ref, sha string) (*github.Reference, error)
	DeleteRef(ctx context.Context, repo, ref string) error
	GetContents(ctx context.Context, repo, path, ref string) (*github.FileContent, error)
	PutContents(ctx context.Context, repo, path string, in github.PutContentsRequest) error
	CreatePullRequest(ctx context.Context, repo string, pr github.NewPullRequest) (*github.PullRequest, error)
	MergePullRequest(ctx context.Context, repo string, number int) error
}

// Publisher updates the aggregated manifest list of one index repository.
type Publisher struct {
	client     IndexClient
	indexRepo  string
	baseBranch string
	indexPath  string
	now        func() time.Time
}

// NewPublisher creates a publisher for indexRepo (owner/name).
func NewPublisher(client IndexClient, indexRepo, baseBranch, indexPath string) *Publisher {
	return &Publisher{
		client:     client,
		indexRepo:  indexRepo,
		baseBranch: baseBranch,
		indexPath:  indexPath,
		now:        time.Now,
	}
}

// AssetSummary is the trimmed asset description embedded into published manifests.
type AssetSummary struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	Size               int64  `json:"size"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type partition struct {
	manifest *github.Asset
	logo     *github.Asset
	others   []AssetSummary
}

func partitionAssets(assets []github.Asset) partition {
	var p partition
	p.others = []AssetSummary{}
	for i := range assets {
		asset := &assets[i]
		switch {
		case asset.Name == github.ManifestAssetName:
			if p.manifest == nil {
				p.manifest = asset
			}
		case asset.IsImage() && p.logo == nil:
			p.logo = asset
		default:
			p.others = append(p.others, AssetSummary{
				ID:                 asset.ID,
				Name:               asset.Name,
				ContentType:        asset.ContentType,
				Size:               asset.Size,
				CreatedAt:          asset.CreatedAt,
				UpdatedAt:          asset.UpdatedAt,
				BrowserDownloadURL: asset.BrowserDownloadURL,
			})
		}
	}
	return p
}

// Publish merges the release manifest into the index through a short-lived branch and pull request.
// fullName and tag locate the release so internal manifest references resolve to its raw content.
func (p *Publisher) Publish(ctx context.Context, fullName, tag string, assets []github.Asset) error {
	parts := partitionAssets(assets)
	if parts.manifest == nil || parts.manifest.BrowserDownloadURL == "" {
		return ErrNoManifest
	}

	raw, err := p.client.Download(ctx, parts.manifest.BrowserDownloadURL)
	if err != nil {
		return fmt.Errorf("failed to download manifest: %w", err)
	}
	doc, err := manifest.ParseDocument(manifest.Rewrite(raw, fullName, tag))
	if err != nil {
		return err
	}
	pluginID := doc.ID()
	if pluginID == "" {
		return fmt.Errorf("%w: manifest has no Id", manifest.ErrInvalid)
	}
	doc["Assets"] = parts.others

	index, indexSHA, err := p.loadIndex(ctx)
	if err != nil {
		return err
	}

	base, err := p.client.GetRef(ctx, p.indexRepo, "heads/"+p.baseBranch)
	if err != nil {
		return err
	}
	branch := fmt.Sprintf("publish/%d", p.now().UnixNano())
	if _, err := p.client.CreateRef(ctx, p.indexRepo, "refs/heads/"+branch, base.Object.SHA); err != nil {
		return err
	}

	log := logger.With(
		zap.String("index_repo", p.indexRepo),
		zap.String("branch", branch),
		zap.String("plugin_id", pluginID))
	log.Info("Publish branch created")

	if err := p.publishOnBranch(ctx, log, branch, doc, parts.logo, index, indexSHA); err != nil {
		if delErr := p.client.DeleteRef(ctx, p.indexRepo, "heads/"+branch); delErr != nil {
			log.Warn("Failed to delete publish branch", zap.Error(delErr))
		}
		return err
	}

	if err := p.client.DeleteRef(ctx, p.indexRepo, "heads/"+branch); err != nil {
		log.Warn("Failed to delete merged publish branch", zap.Error(err))
	}
	log.Info("Plugin published", zap.String("version", doc.Version()))
	return nil
}

func (p *Publisher) publishOnBranch(ctx context.Context, log *zap.Logger, branch string, doc manifest.Document,
	logo *github.Asset, index []manifest.Document, indexSHA string) error {
	pluginID, version := doc.ID(), doc.Version()

	if logo != nil {
		logoPath, err := p.commitLogo(ctx, branch, pluginID, version, *logo)
		if err != nil {
			return err
		}
		doc["Logo"] = fmt.Sprintf("https://raw.githubusercontent.com/%s/refs/heads/%s/%s", p.indexRepo, p.baseBranch, logoPath)
		log.Info("Plugin logo committed", zap.String("path", logoPath))
	}

	index, replaced := manifest.UpsertIndex(index, doc)
	content, err := manifest.EncodeIndex(index)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("%s Plugin: %s v%s", verb(replaced), pluginID, version)
	if err := p.client.PutContents(ctx, p.indexRepo, p.indexPath, github.PutContentsRequest{
		Message: message,
		Content: content,
		SHA:     indexSHA,
		Branch:  branch,
	}); err != nil {
		return err
	}

	pr, err := p.client.CreatePullRequest(ctx, p.indexRepo, github.NewPullRequest{
		Title: message,
		Head:  branch,
		Base:  p.baseBranch,
		Body:  fmt.Sprintf("Automated publish of %s v%s.", pluginID, version),
	})
	if err != nil {
		return err
	}
	log.Info("Pull request opened", zap.Int("number", pr.Number))

	return p.client.MergePullRequest(ctx, p.indexRepo, pr.Number)
}

// commitLogo creates or updates {pluginID}/{name} on the branch and returns its path.
func (p *Publisher) commitLogo(ctx context.Context, branch, pluginID, version string, logo github.Asset) (string, error) {
	data, err := p.client.Download(ctx, logo.BrowserDownloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to download logo: %w", err)
	}

	path := pluginID + "/" + logo.Name
	var sha string
	existing, err := p.client.GetContents(ctx, p.indexRepo, path, branch)
	switch {
	case err == nil:
		sha = existing.SHA
	case !errors.Is(err, github.ErrNotFound):
		return "", err
	}

	err = p.client.PutContents(ctx, p.indexRepo, path, github.PutContentsRequest{
		Message: fmt.Sprintf("%s Plugin Logo: %s v%s", verb(sha != ""), pluginID, version),
		Content: data,
		SHA:     sha,
		Branch:  branch,
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// loadIndex reads the index file from the base branch. A missing file is an empty index.
func (p *Publisher) loadIndex(ctx context.Context) ([]manifest.Document, string, error) {
	file, err := p.client.GetContents(ctx, p.indexRepo, p.indexPath, p.baseBranch)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			return []manifest.Document{}, "", nil
		}
		return nil, "", err
	}
	index, err := manifest.ParseIndex(file.Decoded)
	if err != nil {
		return nil, "", err
	}
	return index, file.SHA, nil
}

func verb(update bool) string {
	if update {
		return "Update"
	}
	return "Create"
}
