package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRef(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/repos/org/index/git/ref/heads/main", r.URL.Path)
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`)
	})

	ref, err := client.GetRef(context.Background(), "org/index", "heads/main")

	require.NoError(t, err)
	assert.Equal(t, "abc123", ref.Object.SHA)
}

func TestCreateAndDeleteRef(t *testing.T) {
	var calls []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "refs/heads/publish/1", body["ref"])
			assert.Equal(t, "abc123", body["sha"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"ref":"refs/heads/publish/1","object":{"sha":"abc123"}}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	_, err := client.CreateRef(context.Background(), "org/index", "refs/heads/publish/1", "abc123")
	require.NoError(t, err)
	require.NoError(t, client.DeleteRef(context.Background(), "org/index", "heads/publish/1"))

	assert.Equal(t, []string{
		"POST /repos/org/index/git/refs",
		"DELETE /repos/org/index/git/refs/heads/publish/1",
	}, calls)
}

func TestGetContents(t *testing.T) {
	testCases := []struct {
		name          string
		status        int
		body          string
		expected      string
		expectedError error
	}{
		{
			name:     "base64 with line breaks",
			status:   http.StatusOK,
			body:     `{"path":"plugin.json","sha":"s1","encoding":"base64","content":"W3siSWQi\nOiJhIn1d\n"}`,
			expected: `[{"Id":"a"}]`,
		},
		{
			name:          "missing file",
			status:        http.StatusNotFound,
			body:          `{"message":"Not Found"}`,
			expectedError: ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/repos/org/index/contents/plugin.json", r.URL.Path)
				assert.Equal(t, "main", r.URL.Query().Get("ref"))
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			file, err := client.GetContents(context.Background(), "org/index", "plugin.json", "main")
			if tc.expectedError != nil {
				assert.ErrorIs(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s1", file.SHA)
			assert.Equal(t, tc.expected, string(file.Decoded))
		})
	}
}

func TestPutContentsEncodesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/repos/org/index/contents/a/logo.png", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Upload logo", body["message"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), body["content"])
		assert.Equal(t, "publish/1", body["branch"])
		_, hasSHA := body["sha"]
		assert.False(t, hasSHA)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)
	})

	err := client.PutContents(context.Background(), "org/index", "a/logo.png", PutContentsRequest{
		Message: "Upload logo",
		Content: []byte("png"),
		Branch:  "publish/1",
	})

	assert.NoError(t, err)
}

func TestPullRequestLifecycle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/org/index/pulls":
			var pr NewPullRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&pr))
			assert.Equal(t, "publish/1", pr.Head)
			assert.Equal(t, "main", pr.Base)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"number":17,"html_url":"https://github.com/org/index/pull/17","state":"open"}`)
		case "/repos/org/index/pulls/17/merge":
			assert.Equal(t, http.MethodPut, r.Method)
			fmt.Fprint(w, `{"merged":true}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	pr, err := client.CreatePullRequest(context.Background(), "org/index", NewPullRequest{
		Title: "Update plugin", Head: "publish/1", Base: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 17, pr.Number)

	assert.NoError(t, client.MergePullRequest(context.Background(), "org/index", pr.Number))
}

func TestMergePullRequestConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"message":"Pull Request is not mergeable"}`)
	})

	err := client.MergePullRequest(context.Background(), "org/index", 3)

	assert.ErrorContains(t, err, "not mergeable")
}
