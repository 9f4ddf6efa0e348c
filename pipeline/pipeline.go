// Package pipeline ingests GitHub webhook deliveries into the database.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/models"
	"pluginwarden/reconciler"
)

// Webhook acknowledgements
const (
	AckSuccess = "success"
	AckSkip    = "skip"
)

// Pipeline errors
var (
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrRepositoryUnresolved = errors.New("repository could not be resolved")
)

// DBInterface abstracts the database operations needed by the pipeline
// (for testability)
type DBInterface interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrCreateAuthor(ctx context.Context, author models.Author) (*models.Author, error)
	GetRepositoryByFullName(ctx context.Context, fullName string) (mo.Option[*models.Repository], error)
	UpsertRepository(ctx context.Context, repo models.Repository) (*models.Repository, error)
	SetRepositoryInstalled(ctx context.Context, repo models.Repository, authorID *int64) (*models.Repository, error)
	MarkRepositoryUninstalled(ctx context.Context, fullName string) (mo.Option[*models.Repository], error)
	UpsertRelease(ctx context.Context, release models.Release) (*models.Release, error)
	DeleteRelease(ctx context.Context, repositoryID int64, tagName string) (bool, error)
	WriteWebhookLog(ctx context.Context, entry models.WebhookLog) (*models.WebhookLog, error)
}

// GitHubClientInterface abstracts the GitHub client operations needed by the pipeline
// (for testability)
type GitHubClientInterface interface {
	FetchRepo(ctx context.Context, owner, name string) (*github.Repository, error)
}

// AssetReconciler stores one release asset and its plugin projection.
type AssetReconciler interface {
	Reconcile(ctx context.Context, repo models.Repository, release models.Release, asset github.Asset) (*models.Asset, error)
}

// ReleasePublisher publishes a release to the plugin index.
type ReleasePublisher interface {
	Publish(ctx context.Context, fullName, tag string, assets []github.Asset) error
}

// Pipeline dispatches webhook deliveries. All writes of one delivery share one transaction.
type Pipeline struct {
	database   DBInterface
	client     GitHubClientInterface
	reconciler AssetReconciler
	publisher  ReleasePublisher
	location   *time.Location
}

// New creates a pipeline storing timestamps as wall clock in location.
func New(database DBInterface, client GitHubClientInterface, reconciler AssetReconciler, publisher ReleasePublisher, location *time.Location) *Pipeline {
	if location == nil {
		location = time.UTC
	}
	return &Pipeline{
		database:   database,
		client:     client,
		reconciler: reconciler,
		publisher:  publisher,
		location:   location,
	}
}

// HandleEvent processes one delivery and returns the acknowledgement for the source host.
// Unsupported events are acknowledged with AckSkip.
func (p *Pipeline) HandleEvent(ctx context.Context, event, deliveryID string, payload []byte) (string, error) {
	var head struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(payload, &head)
	log := logger.ForDelivery(event, head.Action, deliveryID)

	switch event {
	case github.EventInstallation, github.EventInstallationRepositories:
		return p.handleInstallation(ctx, log, event, payload)
	case github.EventRelease:
		return p.handleRelease(ctx, log, payload)
	default:
		log.Info("Unsupported event skipped")
		return AckSkip, nil
	}
}

func (p *Pipeline) handleInstallation(ctx context.Context, log *zap.Logger, event string, payload []byte) (string, error) {
	var (
		action       string
		installation *github.Installation
		sender       *github.Account
		added        []json.RawMessage
		removed      []json.RawMessage
	)

	if event == github.EventInstallation {
		var ev github.InstallationEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		action, installation, sender = ev.Action, ev.Installation, ev.Sender
		switch ev.Action {
		case "created":
			added = ev.Repositories
		case "deleted":
			removed = ev.Repositories
		default:
			log.Info("Installation action ignored")
			return AckSkip, nil
		}
	} else {
		var ev github.InstallationRepositoriesEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		action, installation, sender = ev.Action, ev.Installation, ev.Sender
		added, removed = ev.RepositoriesAdded, ev.RepositoriesRemoved
	}

	account := sender
	if account == nil && installation != nil {
		account = installation.Account
	}

	err := p.database.WithTransaction(ctx, func(ctx context.Context) error {
		var authorID *int64
		if len(added) > 0 && account != nil && account.ID != 0 {
			author, err := p.database.GetOrCreateAuthor(ctx, reconciler.AuthorFromAccount(*account))
			if err != nil {
				return err
			}
			authorID = &author.ID
		}

		for _, raw := range added {
			repo, ok := decodeRepository(log, raw)
			if !ok {
				continue
			}
			stored, err := p.database.SetRepositoryInstalled(ctx, repo, authorID)
			if err != nil {
				return err
			}
			if err := p.audit(ctx, event, action, models.LogLevelInfo, stored.AuthorID, &stored.ID,
				fmt.Sprintf("Repository %s installed", stored.FullName)); err != nil {
				return err
			}
			log.Info("Repository installed", zap.String("repository", stored.FullName))
		}

		for _, raw := range removed {
			repo, ok := decodeRepository(log, raw)
			if !ok {
				continue
			}
			result, err := p.database.MarkRepositoryUninstalled(ctx, repo.FullName)
			if err != nil {
				return err
			}
			stored, found := result.Get()
			if !found {
				log.Warn("Uninstalled repository is unknown", zap.String("repository", repo.FullName))
				continue
			}
			if err := p.audit(ctx, event, action, models.LogLevelWarning, stored.AuthorID, &stored.ID,
				fmt.Sprintf("Repository %s uninstalled", stored.FullName)); err != nil {
				return err
			}
			log.Info("Repository uninstalled", zap.String("repository", stored.FullName))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return AckSuccess, nil
}

// decodeRepository turns one raw repository entry into a row. Bad entries are logged and reported as !ok.
func decodeRepository(log *zap.Logger, raw json.RawMessage) (models.Repository, bool) {
	var entry github.Repository
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Warn("Malformed repository entry skipped", zap.Error(err))
		return models.Repository{}, false
	}
	fullName := entry.QualifiedName()
	_, name, ok := github.SplitFullName(fullName)
	if !ok {
		log.Warn("Repository entry without a valid full name skipped", zap.ByteString("entry", raw))
		return models.Repository{}, false
	}

	repo := models.Repository{Name: name, FullName: fullName}
	if entry.ID != 0 {
		id := entry.ID
		repo.GitHubID = &id
	}
	return repo, true
}

func (p *Pipeline) handleRelease(ctx context.Context, log *zap.Logger, payload []byte) (string, error) {
	var ev github.ReleaseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Release == nil || ev.Repository == nil {
		return "", fmt.Errorf("%w: release and repository are required", ErrMalformedPayload)
	}
	owner, name, ok := github.SplitFullName(ev.Repository.QualifiedName())
	if !ok {
		return "", fmt.Errorf("%w: invalid repository name", ErrMalformedPayload)
	}
	log = log.With(zap.String("repository", owner+"/"+name), zap.String("tag", ev.Release.TagName))

	if ev.Action == "deleted" {
		return p.deleteRelease(ctx, log, owner+"/"+name, ev)
	}

	if !ev.Release.HasManifest() {
		log.Info("Release has no plugin manifest, skipped")
		return AckSkip, nil
	}

	repo, stored, err := p.ingest(ctx, log, owner, name, []github.Release{*ev.Release}, github.EventRelease, ev.Action)
	if err != nil {
		return "", err
	}
	if stored == 0 {
		return AckSkip, nil
	}

	if repo.Watched {
		// publish runs after commit; its failure never fails the delivery
		if err := p.publisher.Publish(ctx, repo.FullName, ev.Release.TagName, ev.Release.Assets); err != nil {
			log.Error("Failed to publish release", zap.Error(err))
		}
	}
	return AckSuccess, nil
}

func (p *Pipeline) deleteRelease(ctx context.Context, log *zap.Logger, fullName string, ev github.ReleaseEvent) (string, error) {
	ack := AckSuccess
	err := p.database.WithTransaction(ctx, func(ctx context.Context) error {
		result, err := p.database.GetRepositoryByFullName(ctx, fullName)
		if err != nil {
			return err
		}
		repo, found := result.Get()
		if !found {
			log.Info("Deleted release belongs to an unknown repository")
			ack = AckSkip
			return nil
		}

		deleted, err := p.database.DeleteRelease(ctx, repo.ID, ev.Release.TagName)
		if err != nil {
			return err
		}
		if !deleted {
			ack = AckSkip
			return nil
		}
		return p.audit(ctx, github.EventRelease, ev.Action, models.LogLevelWarning, repo.AuthorID, &repo.ID,
			fmt.Sprintf("Release %s of %s deleted", ev.Release.TagName, repo.FullName))
	})
	if err != nil {
		return "", err
	}
	log.Info("Release delete processed", zap.String("ack", ack))
	return ack, nil
}

// IngestReleases stores the releases of owner/name that carry a plugin manifest, creating the
// repository from GitHub when it is unknown. It returns the repository and the number of stored releases.
func (p *Pipeline) IngestReleases(ctx context.Context, owner, name string, releases []github.Release, action string) (*models.Repository, int, error) {
	log := logger.With(zap.String("repository", owner+"/"+name), zap.String("action", action))
	return p.ingest(ctx, log, owner, name, releases, "sync", action)
}

func (p *Pipeline) ingest(ctx context.Context, log *zap.Logger, owner, name string, releases []github.Release, event, action string) (*models.Repository, int, error) {
	fullName := owner + "/" + name
	found, err := p.database.GetRepositoryByFullName(ctx, fullName)
	if err != nil {
		return nil, 0, err
	}

	var fetched *github.Repository
	if !found.IsPresent() {
		fetched, err = p.client.FetchRepo(ctx, owner, name)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrRepositoryUnresolved, fullName, err)
		}
	}

	var (
		repo   *models.Repository
		stored int
	)
	err = p.database.WithTransaction(ctx, func(ctx context.Context) error {
		if existing, ok := found.Get(); ok {
			repo = existing
		} else {
			row := models.Repository{Name: fetched.Name, FullName: fullName}
			if fetched.Name == "" {
				row.Name = name
			}
			if fetched.ID != 0 {
				id := fetched.ID
				row.GitHubID = &id
			}
			created, err := p.database.UpsertRepository(ctx, row)
			if err != nil {
				return err
			}
			repo = created
		}

		stored = 0
		for _, release := range releases {
			if !release.HasManifest() {
				log.Debug("Release without plugin manifest skipped", zap.String("tag", release.TagName))
				continue
			}
			if strings.TrimSpace(release.TagName) == "" {
				log.Warn("Release without a tag skipped", zap.Int64("release_id", release.ID))
				continue
			}
			row, err := p.storeRelease(ctx, log, repo, release)
			if err != nil {
				return err
			}
			if err := p.audit(ctx, event, action, models.LogLevelSuccess, repo.AuthorID, &repo.ID,
				fmt.Sprintf("Release %s of %s %s", row.TagName, repo.FullName, action)); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	log.Info("Releases ingested", zap.Int("stored", stored), zap.Int("received", len(releases)))
	return repo, stored, nil
}

func (p *Pipeline) storeRelease(ctx context.Context, log *zap.Logger, repo *models.Repository, release github.Release) (*models.Release, error) {
	row := models.Release{
		GitHubID:     release.ID,
		RepositoryID: repo.ID,
		TagName:      release.TagName,
		Name:         release.Name,
		Body:         release.Body,
		Draft:        release.Draft,
		Prerelease:   release.Prerelease,
		CreatedAt:    p.parseTime(log, "created_at", release.CreatedAt),
		PublishedAt:  p.parseTime(log, "published_at", release.PublishedAt),
		HTMLURL:      release.HTMLURL,
		TarballURL:   release.TarballURL,
		ZipballURL:   release.ZipballURL,
	}
	if release.Author != nil && release.Author.ID != 0 {
		author, err := p.database.GetOrCreateAuthor(ctx, reconciler.AuthorFromAccount(*release.Author))
		if err != nil {
			return nil, err
		}
		row.AuthorID = &author.ID
	}

	stored, err := p.database.UpsertRelease(ctx, row)
	if err != nil {
		return nil, err
	}
	for _, asset := range release.Assets {
		if _, err := p.reconciler.Reconcile(ctx, *repo, *stored, asset); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (p *Pipeline) audit(ctx context.Context, event, action string, level int, authorID, repositoryID *int64, message string) error {
	_, err := p.database.WriteWebhookLog(ctx, models.WebhookLog{
		Event:        event,
		Action:       action,
		Payload:      message,
		Level:        level,
		AuthorID:     authorID,
		RepositoryID: repositoryID,
		CreatedAt:    time.Now().In(p.location),
	})
	return err
}

func (p *Pipeline) parseTime(log *zap.Logger, field, value string) *time.Time {
	t, err := github.ParseTime(value, p.location)
	if err != nil {
		log.Warn("Invalid timestamp, stored as null", zap.String("field", field), zap.String("value", value))
		return nil
	}
	return t
}
