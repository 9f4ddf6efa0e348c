package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"pluginwarden/logger"
)

// tokens closer than this to expiry are refreshed before use
const refreshMargin = 5 * time.Minute

// AppAuth authenticates as a GitHub App installation.
// The installation token is cached and refreshed on demand or through Refresh.
type AppAuth struct {
	appID          string
	installationID int64
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client
	baseURL        *url.URL
	now            func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewAppAuth parses the app private key and prepares installation authentication.
func NewAppAuth(apiURL, appID string, installationID int64, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	baseURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
	}
	return &AppAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		now:            time.Now,
	}, nil
}

// Token returns a valid installation token, refreshing it when it is about to expire.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.RLock()
	if a.validLocked() {
		token := a.token
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock
	if a.validLocked() {
		return a.token, nil
	}
	if err := a.refreshLocked(ctx); err != nil {
		return "", err
	}
	return a.token, nil
}

// Refresh exchanges a new app JWT for a fresh installation token.
func (a *AppAuth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

func (a *AppAuth) validLocked() bool {
	return a.token != "" && a.now().Add(refreshMargin).Before(a.expiresAt)
}

func (a *AppAuth) refreshLocked(ctx context.Context) error {
	appJWT, err := a.appJWT()
	if err != nil {
		return err
	}

	reqURL := endpointURL(a.baseURL, fmt.Sprintf("/app/installations/%d/access_tokens", a.installationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to get installation token: %w", newAPIError(req, resp))
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode installation token: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("installation token response carried no token")
	}

	a.token = body.Token
	a.expiresAt = body.ExpiresAt
	logger.Info("Refreshed installation token",
		zap.Int64("installation_id", a.installationID),
		zap.Time("expires_at", body.ExpiresAt))
	return nil
}

func (a *AppAuth) appJWT() (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": jwt.NewNumericDate(now.Add(-60 * time.Second)), // clock drift
		"exp": jwt.NewNumericDate(now.Add(9 * time.Minute)),   // GitHub allows at most 10 minutes
		"iss": a.appID,
	})
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}
