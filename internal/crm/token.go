package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

const (
	// tokenLifetime is how long an issued token is assumed valid; the
	// provider does not return an explicit expiry on the refresh grant.
	tokenLifetime = 2 * time.Hour
	// tokenSafetyMargin is subtracted from the lifetime so a token is
	// refreshed before it can expire mid-request.
	tokenSafetyMargin = 5 * time.Minute
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

// TokenManager owns the OAuth bearer token for the CRM: it caches the token
// with its computed expiry and performs refresh-token exchanges when needed.
// The mutex is held across the refresh call, so concurrent expiry-triggered
// refreshes collapse into a single exchange and the rest reuse its result.
type TokenManager struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string
	logger       *zap.Logger

	mu          sync.Mutex
	accessToken string
	instanceURL string
	expiresAt   time.Time
}

// NewTokenManager creates a token manager. The cache starts empty; the first
// GetToken call performs the initial exchange.
func NewTokenManager(httpClient *http.Client, tokenURL, clientID, clientSecret, refreshToken string) *TokenManager {
	return &TokenManager{
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		logger:       util.GetLogger(),
	}
}

// GetToken returns the cached token while it remains inside its validity
// window, otherwise refreshes and replaces the cache.
func (tm *TokenManager) GetToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.accessToken != "" && time.Now().Before(tm.expiresAt) {
		return tm.accessToken, nil
	}

	if err := tm.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tm.accessToken, nil
}

// ForceRefresh unconditionally discards the cached token and performs a
// fresh exchange. Used on the 401-retry path.
func (tm *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.accessToken = ""
	tm.expiresAt = time.Time{}

	if err := tm.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tm.accessToken, nil
}

// InstanceURL returns the instance URL reported by the last token exchange,
// or empty if no exchange has happened yet.
func (tm *TokenManager) InstanceURL() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.instanceURL
}

// refreshLocked performs the refresh-token grant. Callers must hold tm.mu.
func (tm *TokenManager) refreshLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {tm.clientID},
		"client_secret": {tm.clientSecret},
		"refresh_token": {tm.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issuedAt := time.Now()
	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token endpoint returned empty access_token")
	}

	tm.accessToken = tr.AccessToken
	tm.instanceURL = tr.InstanceURL
	tm.expiresAt = issuedAt.Add(tokenLifetime - tokenSafetyMargin)

	util.TokenRefreshesTotal.Inc()
	tm.logger.Info("CRM token refreshed",
		zap.String("instance_url", tr.InstanceURL),
		zap.Time("expires_at", tm.expiresAt))

	return nil
}
