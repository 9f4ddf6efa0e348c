package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"pluginwarden/logger"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RateLimit represents GitHub's rate limit information
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Authenticator supplies the credential sent with API requests.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken authenticates with a fixed token; the empty token sends no credential.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client represents a GitHub API client
type Client struct {
	auth       Authenticator
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a client for the given API root. auth may be nil for anonymous access.
func NewClient(apiURL string, auth Authenticator) (*Client, error) {
	baseURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
	}
	logger.Info("Initializing GitHub client", zap.String("base_url", baseURL.String()))
	return &Client{
		auth: auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}, nil
}

// endpointURL appends endpoint to the API root, keeping a path prefix such as /api/v3.
func endpointURL(base *url.URL, endpoint string) *url.URL {
	u := *base
	u.Path = path.Join("/", base.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (*http.Request, error) {
	reqURL := endpointURL(c.baseURL, endpoint)
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain GitHub credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("token %s", token))
		}
	}
	return req, nil
}

// do sends the request and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, newAPIError(req, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
		}
	}
	return resp, nil
}

// FetchRepo fetches repository metadata.
func (c *Client) FetchRepo(ctx context.Context, owner, name string) (*Repository, error) {
	path := fmt.Sprintf("/repos/%s/%s", owner, name)

	logger.Info("Fetching repository",
		zap.String("owner", owner),
		zap.String("name", name))

	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var repo Repository
	if _, err := c.do(req, &repo); err != nil {
		logger.Error("Failed to fetch repository",
			zap.Error(err),
			zap.String("owner", owner),
			zap.String("name", name))
		return nil, fmt.Errorf("failed to fetch repository: %w", err)
	}

	logger.Info("Successfully fetched repository",
		zap.String("owner", owner),
		zap.String("name", name),
		zap.Int64("id", repo.ID))

	return &repo, nil
}

// parseRateLimit parses rate limit information from response headers
func parseRateLimit(resp *http.Response) RateLimit {
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	remaining, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	return RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(reset, 0),
	}
}

// FetchReleases fetches all releases of a repository, following pagination
func (c *Client) FetchReleases(ctx context.Context, owner, name string) ([]Release, error) {
	var allReleases []Release
	page := 1
	perPage := 100 // GitHub's maximum allowed per page

	for {
		path := fmt.Sprintf("/repos/%s/%s/releases", owner, name)
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		logger.Debug("Fetching releases page",
			zap.String("owner", owner),
			zap.String("name", name),
			zap.Int("page", page))

		req, err := c.newRequest(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return nil, err
		}

		var releases []Release
		resp, err := c.do(req, &releases)
		if err != nil {
			logger.Error("Failed to fetch releases",
				zap.Error(err),
				zap.String("owner", owner),
				zap.String("name", name))
			return nil, fmt.Errorf("failed to fetch releases: %w", err)
		}

		if len(releases) == 0 {
			break
		}
		allReleases = append(allReleases, releases...)

		if !hasNextPage(resp.Header.Get("Link")) {
			break
		}
		page++
	}

	logger.Info("Successfully fetched all releases",
		zap.String("owner", owner),
		zap.String("name", name),
		zap.Int("total_count", len(allReleases)))

	return allReleases, nil
}

// hasNextPage checks if the Link header advertises a next page
func hasNextPage(linkHeader string) bool {
	return strings.Contains(linkHeader, `rel="next"`)
}

// Download fetches raw content, such as a release asset, without API credentials.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status code %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return body, nil
}

// FetchUser returns the account owning an OAuth user token.
func (c *Client) FetchUser(ctx context.Context, userToken string) (*Account, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/user", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s", userToken))

	var user Account
	if _, err := c.do(req, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}
