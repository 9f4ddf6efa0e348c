package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pluginwarden/db"
	"pluginwarden/github"
	"pluginwarden/models"
	"pluginwarden/pipeline"
)

// MockStore is a mock implementation of the database
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetOrCreateAuthor(ctx context.Context, author models.Author) (*models.Author, error) {
	args := m.Called(ctx, author)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Author), args.Error(1)
}

func (m *MockStore) UpdateAuthorToken(ctx context.Context, authorID int64, token, scopes string, at time.Time, admin bool) error {
	args := m.Called(ctx, authorID, token, scopes, at, admin)
	return args.Error(0)
}

func (m *MockStore) ClearAuthorToken(ctx context.Context, authorID int64) error {
	args := m.Called(ctx, authorID)
	return args.Error(0)
}

func (m *MockStore) GetAuthorByAccessToken(ctx context.Context, token string) (*models.Author, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Author), args.Error(1)
}

func (m *MockStore) ListRepositories(ctx context.Context, authorID *int64, params models.PaginationParams) ([]models.RepositorySummary, int, error) {
	args := m.Called(ctx, authorID, params)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]models.RepositorySummary), args.Int(1), args.Error(2)
}

func (m *MockStore) SearchRepositories(ctx context.Context, term string, authorID *int64) ([]models.RepositorySummary, error) {
	args := m.Called(ctx, term, authorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RepositorySummary), args.Error(1)
}

func (m *MockStore) InstalledRepositoryExists(ctx context.Context, authorID int64) (bool, error) {
	args := m.Called(ctx, authorID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Repository), args.Error(1)
}

func (m *MockStore) SetRepositoryWatched(ctx context.Context, id int64, watched bool) (*models.Repository, error) {
	args := m.Called(ctx, id, watched)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Repository), args.Error(1)
}

func (m *MockStore) ListReleasesByRepository(ctx context.Context, repositoryID int64) ([]models.Release, error) {
	args := m.Called(ctx, repositoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Release), args.Error(1)
}

func (m *MockStore) GetRelease(ctx context.Context, id int64) (*models.Release, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Release), args.Error(1)
}

func (m *MockStore) SetReleaseVisible(ctx context.Context, id int64, visible bool) (*models.Release, error) {
	args := m.Called(ctx, id, visible)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Release), args.Error(1)
}

func (m *MockStore) ListAssetsByRelease(ctx context.Context, releaseID int64) ([]models.Asset, error) {
	args := m.Called(ctx, releaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Asset), args.Error(1)
}

func (m *MockStore) GetPluginByRelease(ctx context.Context, releaseID int64) (mo.Option[*models.Plugin], error) {
	args := m.Called(ctx, releaseID)
	return args.Get(0).(mo.Option[*models.Plugin]), args.Error(1)
}

func (m *MockStore) WriteWebhookLog(ctx context.Context, entry models.WebhookLog) (*models.WebhookLog, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookLog), args.Error(1)
}

func (m *MockStore) ListWebhookLogs(ctx context.Context, from, to time.Time, authorID *int64) ([]models.WebhookLog, error) {
	args := m.Called(ctx, from, to, authorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WebhookLog), args.Error(1)
}

func (m *MockStore) GetStats(ctx context.Context, authorID *int64) (*models.Stats, error) {
	args := m.Called(ctx, authorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Stats), args.Error(1)
}

func (m *MockStore) ListStorePlugins(ctx context.Context, params models.PaginationParams) ([]models.StoreGroup, int, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]models.StoreGroup), args.Int(1), args.Error(2)
}

// MockEvents is a mock implementation of the webhook pipeline
type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) HandleEvent(ctx context.Context, event, deliveryID string, payload []byte) (string, error) {
	args := m.Called(ctx, event, deliveryID, payload)
	return args.String(0), args.Error(1)
}

const (
	testSecret = "s3cret"
	ownerToken = "owner-token"
	adminToken = "admin-token"
)

var (
	cst      = time.FixedZone("UTC+8", 8*60*60)
	fixedNow = time.Date(2024, 3, 10, 1, 30, 0, 0, time.UTC)
	owner    = &models.Author{ID: 7, Login: "alice"}
	admin    = &models.Author{ID: 1, Login: "root", IsAdmin: true}
)

func newTestServer(store *MockStore, events *MockEvents) http.Handler {
	s := New(Options{
		Store:         store,
		Events:        events,
		WebhookSecret: testSecret,
		Location:      cst,
	})
	s.now = func() time.Time { return fixedNow }
	return s.Handler()
}

func expectAuth(store *MockStore) {
	store.On("GetAuthorByAccessToken", mock.Anything, ownerToken).Return(owner, nil).Maybe()
	store.On("GetAuthorByAccessToken", mock.Anything, adminToken).Return(admin, nil).Maybe()
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func doRequest(handler http.Handler, method, target, token string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func int64Ptr(v int64) *int64 { return &v }

func TestHandleRoot(t *testing.T) {
	handler := newTestServer(new(MockStore), new(MockEvents))

	for _, path := range []string{"/", "/api/"} {
		rec := doRequest(handler, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"GitHub App is running!"}`, rec.Body.String())
	}
}

func TestHandleWebhook(t *testing.T) {
	payload := []byte(`{"action":"published"}`)

	testCases := []struct {
		name           string
		signature      string
		handlerResult  string
		handlerError   error
		expectHandled  bool
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "release stored",
			signature:      sign(payload),
			handlerResult:  pipeline.AckSuccess,
			expectHandled:  true,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"success"}`,
		},
		{
			name:           "unsupported event",
			signature:      sign(payload),
			handlerResult:  pipeline.AckSkip,
			expectHandled:  true,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"skip"}`,
		},
		{
			name:           "missing signature",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong signature",
			signature:      "sha256=deadbeef",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "malformed payload",
			signature:      sign(payload),
			handlerError:   fmt.Errorf("%w: release", pipeline.ErrMalformedPayload),
			expectHandled:  true,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "repository unresolved",
			signature:      sign(payload),
			handlerError:   fmt.Errorf("%w: alice/sample: 404", pipeline.ErrRepositoryUnresolved),
			expectHandled:  true,
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:           "database failure",
			signature:      sign(payload),
			handlerError:   errors.New("connection reset"),
			expectHandled:  true,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockStore)
			events := new(MockEvents)
			if tc.expectHandled {
				events.On("HandleEvent", mock.Anything, "release", "delivery-1", payload).
					Return(tc.handlerResult, tc.handlerError)
			}
			handler := newTestServer(store, events)

			req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(string(payload)))
			req.Header.Set("X-GitHub-Event", "release")
			req.Header.Set("X-GitHub-Delivery", "delivery-1")
			if tc.signature != "" {
				req.Header.Set(github.SignatureHeader, tc.signature)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.expectedStatus, rec.Code)
			if tc.expectedBody != "" {
				assert.JSONEq(t, tc.expectedBody, rec.Body.String())
			}
			events.AssertExpectations(t)
		})
	}
}

func TestWithAuth(t *testing.T) {
	store := new(MockStore)
	expectAuth(store)
	store.On("GetAuthorByAccessToken", mock.Anything, "stale").Return(nil, db.ErrAuthorNotFound)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodGet, "/api/authors/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(handler, http.MethodGet, "/api/authors/me", "stale", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/authors/me", nil)
	req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: ownerToken})
	cookieRec := httptest.NewRecorder()
	handler.ServeHTTP(cookieRec, req)
	require.Equal(t, http.StatusOK, cookieRec.Code)

	var me models.Author
	require.NoError(t, json.Unmarshal(cookieRec.Body.Bytes(), &me))
	assert.Equal(t, "alice", me.Login)
}

func TestHandleLogout(t *testing.T) {
	store := new(MockStore)
	expectAuth(store)
	store.On("ClearAuthorToken", mock.Anything, owner.ID).Return(nil)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodGet, "/api/auth/logout", ownerToken, "")

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Set-Cookie"), accessTokenCookie+"=;")
	store.AssertExpectations(t)
}

func TestHandleGetRepository(t *testing.T) {
	repo := &models.Repository{ID: 3, FullName: "alice/sample", AuthorID: int64Ptr(owner.ID)}
	foreign := &models.Repository{ID: 4, FullName: "bob/other", AuthorID: int64Ptr(99)}

	testCases := []struct {
		name           string
		token          string
		path           string
		setupMocks     func(*MockStore)
		expectedStatus int
	}{
		{
			name:  "owner sees repository with releases",
			token: ownerToken,
			path:  "/api/repositories/3",
			setupMocks: func(s *MockStore) {
				s.On("GetRepository", mock.Anything, int64(3)).Return(repo, nil)
				s.On("ListReleasesByRepository", mock.Anything, int64(3)).
					Return([]models.Release{{ID: 10, TagName: "v1.0.0"}}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:  "other author is forbidden",
			token: ownerToken,
			path:  "/api/repositories/4",
			setupMocks: func(s *MockStore) {
				s.On("GetRepository", mock.Anything, int64(4)).Return(foreign, nil)
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:  "admin sees any repository",
			token: adminToken,
			path:  "/api/repositories/4",
			setupMocks: func(s *MockStore) {
				s.On("GetRepository", mock.Anything, int64(4)).Return(foreign, nil)
				s.On("ListReleasesByRepository", mock.Anything, int64(4)).Return(nil, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:  "missing repository",
			token: ownerToken,
			path:  "/api/repositories/5",
			setupMocks: func(s *MockStore) {
				s.On("GetRepository", mock.Anything, int64(5)).
					Return(nil, fmt.Errorf("%w: id 5", db.ErrRepositoryNotFound))
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockStore)
			expectAuth(store)
			tc.setupMocks(store)
			handler := newTestServer(store, new(MockEvents))

			rec := doRequest(handler, http.MethodGet, tc.path, tc.token, "")

			assert.Equal(t, tc.expectedStatus, rec.Code)
			if rec.Code == http.StatusOK {
				var detail struct {
					FullName string           `json:"full_name"`
					HTMLURL  string           `json:"html_url"`
					Releases []models.Release `json:"releases"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
				assert.Equal(t, "https://github.com/"+detail.FullName, detail.HTMLURL)
				assert.NotNil(t, detail.Releases)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestHandleListRepositoriesScopesToOwner(t *testing.T) {
	store := new(MockStore)
	expectAuth(store)
	store.On("ListRepositories", mock.Anything, int64Ptr(owner.ID), models.PaginationParams{Page: 2, PageSize: 1000}).
		Return([]models.RepositorySummary{{Repository: models.Repository{ID: 3}}}, 1001, nil)
	store.On("ListRepositories", mock.Anything, (*int64)(nil), models.PaginationParams{Page: 1, PageSize: 10}).
		Return(nil, 0, nil)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodGet, "/api/repositories?page=2&limit=5000", ownerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.Page[[]models.RepositorySummary]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Items, 1)

	rec = doRequest(handler, http.MethodGet, "/api/repositories", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)
	store.AssertExpectations(t)
}

func TestHandleSetWatchedWritesAuditLog(t *testing.T) {
	repo := &models.Repository{ID: 3, FullName: "alice/sample", AuthorID: int64Ptr(owner.ID)}
	watched := *repo
	watched.Watched = true

	store := new(MockStore)
	expectAuth(store)
	store.On("GetRepository", mock.Anything, int64(3)).Return(repo, nil)
	store.On("SetRepositoryWatched", mock.Anything, int64(3), true).Return(&watched, nil)
	store.On("WriteWebhookLog", mock.Anything, mock.MatchedBy(func(entry models.WebhookLog) bool {
		return entry.Event == "repository" &&
			entry.Action == "watched" &&
			entry.Level == models.LogLevelInfo &&
			entry.AuthorID != nil && *entry.AuthorID == owner.ID &&
			entry.RepositoryID != nil && *entry.RepositoryID == 3 &&
			entry.CreatedAt.Equal(fixedNow)
	})).Return(&models.WebhookLog{ID: 1}, nil)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodPatch, "/api/repositories/3/watched", ownerToken, `{"watched":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"watched":true`)
	store.AssertExpectations(t)

	rec = doRequest(handler, http.MethodPatch, "/api/repositories/3/watched", ownerToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetVisibleForbiddenForOtherAuthor(t *testing.T) {
	store := new(MockStore)
	expectAuth(store)
	store.On("GetRelease", mock.Anything, int64(10)).Return(&models.Release{ID: 10, RepositoryID: 4}, nil)
	store.On("GetRepository", mock.Anything, int64(4)).
		Return(&models.Repository{ID: 4, FullName: "bob/other", AuthorID: int64Ptr(99)}, nil)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodPatch, "/api/releases/10/visible", ownerToken, `{"visible":false}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	store.AssertNotCalled(t, "SetReleaseVisible", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleSync(t *testing.T) {
	repo := &models.Repository{ID: 3, FullName: "alice/sample", AuthorID: int64Ptr(owner.ID)}
	store := new(MockStore)
	expectAuth(store)
	store.On("GetRepository", mock.Anything, int64(3)).Return(repo, nil)

	var synced string
	s := New(Options{
		Store: store,
		Sync: func(ctx context.Context, owner, name string) (int, error) {
			synced = owner + "/" + name
			return 4, nil
		},
	})

	rec := doRequest(s.Handler(), http.MethodPost, "/api/repositories/3/sync", ownerToken, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice/sample", synced)
	assert.JSONEq(t, `{"repository":"alice/sample","stored":4}`, rec.Body.String())
}

func TestHandleWebhookLogs(t *testing.T) {
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, cst)
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, cst)

	testCases := []struct {
		name           string
		token          string
		query          string
		expectedFrom   time.Time
		expectedAuthor *int64
		expectedStatus int
	}{
		{
			name:           "defaults to today in storage time",
			token:          ownerToken,
			expectedFrom:   today,
			expectedAuthor: int64Ptr(owner.ID),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "admin sees every author",
			token:          adminToken,
			query:          "?day=2024-02-29",
			expectedFrom:   day,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid day",
			token:          ownerToken,
			query:          "?day=29-02-2024",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockStore)
			expectAuth(store)
			if tc.expectedStatus == http.StatusOK {
				store.On("ListWebhookLogs", mock.Anything,
					mock.MatchedBy(func(from time.Time) bool { return from.Equal(tc.expectedFrom) }),
					mock.MatchedBy(func(to time.Time) bool { return to.Equal(tc.expectedFrom.AddDate(0, 0, 1)) }),
					tc.expectedAuthor,
				).Return([]models.WebhookLog{{ID: 1, Event: "release"}}, nil)
			}
			handler := newTestServer(store, new(MockEvents))

			rec := doRequest(handler, http.MethodGet, "/api/webhook_logs"+tc.query, tc.token, "")

			assert.Equal(t, tc.expectedStatus, rec.Code)
			store.AssertExpectations(t)
		})
	}
}

func TestHandleStorePlugins(t *testing.T) {
	betaID := "beta"
	alphaID := "alpha"
	download := "https://github.com/alice/beta/releases/download/v2/beta.sdow"
	groups := []models.StoreGroup{
		{Key: "beta", Plugins: []models.StorePlugin{
			{Plugin: models.Plugin{ID: 5, PluginID: &betaID, Name: "Beta", Version: "2.0.0"}, GroupKey: "beta", DownloadURL: &download},
			{Plugin: models.Plugin{ID: 2, PluginID: &betaID, Name: "Beta", Version: "1.0.0"}, GroupKey: "beta"},
		}},
		{Key: "alpha", Plugins: []models.StorePlugin{
			{Plugin: models.Plugin{ID: 4, PluginID: &alphaID, Name: "Alpha", Version: "0.1.0"}, GroupKey: "alpha"},
		}},
	}

	store := new(MockStore)
	store.On("ListStorePlugins", mock.Anything, models.PaginationParams{Page: 1, PageSize: 30}).Return(groups, 2, nil)
	handler := newTestServer(store, new(MockEvents))

	rec := doRequest(handler, http.MethodGet, "/api/store/plugins", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Less(t, strings.Index(body, `"beta":[`), strings.Index(body, `"alpha":[`))

	var page struct {
		Total int                         `json:"total"`
		Pages int                         `json:"pages"`
		Items map[string][]map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Pages)
	require.Len(t, page.Items["beta"], 2)
	assert.Equal(t, "2.0.0", page.Items["beta"][0]["Version"])
	assert.Equal(t, download, page.Items["beta"][0]["Download"])
	assert.Nil(t, page.Items["beta"][1]["Download"])
	assert.Len(t, page.Items["alpha"], 1)
}

func TestStoreItemsEmpty(t *testing.T) {
	raw, err := json.Marshal(buildStoreItems(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestWriteStoreError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "repository", err: fmt.Errorf("%w: id 1", db.ErrRepositoryNotFound), expected: http.StatusNotFound},
		{name: "release", err: fmt.Errorf("%w: id 3", db.ErrReleaseNotFound), expected: http.StatusNotFound},
		{name: "author", err: db.ErrAuthorNotFound, expected: http.StatusNotFound},
		{name: "invalid input", err: fmt.Errorf("%w: page", db.ErrInvalidInput), expected: http.StatusBadRequest},
		{name: "anything else", err: errors.New("connection reset"), expected: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeStoreError(rec, tc.err, "failed to load")
			assert.Equal(t, tc.expected, rec.Code)
		})
	}
}
