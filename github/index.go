package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Reference is a git ref.
type Reference struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// FileContent is a file fetched through the contents API.
type FileContent struct {
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
	Decoded  []byte `json:"-"`
}

// PutContentsRequest creates or updates one file. SHA must carry the current blob sha for updates.
type PutContentsRequest struct {
	Message string
	Content []byte
	SHA     string
	Branch  string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

// PullRequest is the subset of a pull request the app reads back.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

// GetRef reads a ref such as "heads/main".
func (c *Client) GetRef(ctx context.Context, repo, ref string) (*Reference, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/ref/%s", repo, ref), nil, nil)
	if err != nil {
		return nil, err
	}
	var out Reference
	if _, err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to get ref %s: %w", ref, err)
	}
	return &out, nil
}

// CreateRef creates a fully qualified ref ("refs/heads/x") pointing at sha.
func (c *Client) CreateRef(ctx context.Context, repo, ref, sha string) (*Reference, error) {
	body := map[string]string{"ref": ref, "sha": sha}
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), nil, body)
	if err != nil {
		return nil, err
	}
	var out Reference
	if _, err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to create ref %s: %w", ref, err)
	}
	return &out, nil
}

// DeleteRef deletes a ref such as "heads/x".
func (c *Client) DeleteRef(ctx context.Context, repo, ref string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/git/refs/%s", repo, ref), nil, nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to delete ref %s: %w", ref, err)
	}
	return nil
}

// GetContents reads a file at ref. A missing file yields an error matching ErrNotFound.
func (c *Client) GetContents(ctx context.Context, repo, path, ref string) (*FileContent, error) {
	var query url.Values
	if ref != "" {
		query = url.Values{"ref": {ref}}
	}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/contents/%s", repo, path), query, nil)
	if err != nil {
		return nil, err
	}
	var out FileContent
	if _, err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", path, err)
	}
	if out.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to decode contents of %s: %w", path, err)
		}
		out.Decoded = decoded
	} else {
		out.Decoded = []byte(out.Content)
	}
	return &out, nil
}

// PutContents creates or updates a file on a branch.
func (c *Client) PutContents(ctx context.Context, repo, path string, in PutContentsRequest) error {
	body := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha,omitempty"`
		Branch  string `json:"branch,omitempty"`
	}{
		Message: in.Message,
		Content: base64.StdEncoding.EncodeToString(in.Content),
		SHA:     in.SHA,
		Branch:  in.Branch,
	}
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/contents/%s", repo, path), nil, body)
	if err != nil {
		return err
	}
	if _, err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), nil, pr)
	if err != nil {
		return nil, err
	}
	var out PullRequest
	if _, err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return &out, nil
}

// MergePullRequest merges an open pull request.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int) error {
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number), nil, map[string]string{})
	if err != nil {
		return err
	}
	if _, err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to merge pull request #%d: %w", number, err)
	}
	return nil
}
