package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// expiryMargin refreshes slightly early so a token never expires mid-request.
const expiryMargin = 60 * time.Second

// ProviderEndpoint describes a provider's OAuth token endpoint.
type ProviderEndpoint struct {
	TokenURL string
	// Scope is sent on refresh exchanges. Whoop requires "offline" or the
	// response omits the rotated refresh token.
	Scope string
}

// Manager owns the OAuth credential lifecycle: bootstrap exchange, expiry
// checks, and refresh-token rotation. It is the only component that mutates
// credential records, and it replaces them atomically: under rotation the
// old refresh token dies the moment it is exchanged, so a partial write
// would strand the provider without any valid credential.
type Manager struct {
	store     db.Store
	logger    *logrus.Logger
	client    *http.Client
	endpoints map[string]ProviderEndpoint

	mu     sync.Mutex
	flight map[string]*sync.Mutex
}

// NewManager creates a token lifecycle manager for the given providers.
func NewManager(store db.Store, logger *logrus.Logger, endpoints map[string]ProviderEndpoint) *Manager {
	return &Manager{
		store:     store,
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoints: endpoints,
		flight:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) flightLock(provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.flight[provider]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.flight[provider] = l
	return l
}

// GetValidAccessToken returns a usable access token for the provider,
// refreshing first when the stored one is expired or inside the safety
// margin.
func (m *Manager) GetValidAccessToken(ctx context.Context, provider string) (string, error) {
	cred, err := m.loadCredential(ctx, provider)
	if err != nil {
		return "", err
	}

	if !cred.ExpiresWithin(expiryMargin) {
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, provider, cred.AccessToken)
}

// ForceRefresh rotates the credential even when the stored expiry still looks
// fine, for callers whose token just got rejected by the provider.
func (m *Manager) ForceRefresh(ctx context.Context, provider string) (string, error) {
	cred, err := m.loadCredential(ctx, provider)
	if err != nil {
		return "", err
	}
	return m.refresh(ctx, provider, cred.AccessToken)
}

func (m *Manager) loadCredential(ctx context.Context, provider string) (*models.Credential, error) {
	cred, err := m.store.GetCredential(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, errors.NewCredentialExpiredError(provider, fmt.Errorf("no credential on record"))
	}
	if cred.Status == models.CredentialUnauthenticated {
		// Short-circuit: retrying a rotated-away token cannot succeed and
		// only burns rate-limit budget.
		return nil, errors.NewCredentialExpiredError(provider, nil)
	}
	return cred, nil
}

// refresh performs the rotation exchange under a per-provider lock. When two
// callers need a refresh at once only the first exchanges the token; the
// second re-reads the freshly rotated credential and reuses it, since
// submitting the now-stale refresh token would corrupt the credential.
// staleAccess is the token the caller last saw, so a rotation that happened
// while waiting on the lock is detected.
func (m *Manager) refresh(ctx context.Context, provider, staleAccess string) (string, error) {
	lock := m.flightLock(provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.loadCredential(ctx, provider)
	if err != nil {
		return "", err
	}
	if cred.AccessToken != staleAccess && !cred.ExpiresWithin(expiryMargin) {
		return cred.AccessToken, nil
	}

	endpoint, ok := m.endpoints[provider]
	if !ok {
		return "", errors.NewValidationError(fmt.Sprintf("no token endpoint configured for provider %s", provider), nil)
	}
	if cred.RefreshToken == "" {
		return "", errors.NewCredentialExpiredError(provider, fmt.Errorf("no refresh token on record"))
	}

	logger := m.logger.WithField("provider", provider)
	logger.Info("Refreshing access token")

	tok, err := m.exchangeRefreshToken(ctx, endpoint, cred)
	if err != nil {
		if isInvalidGrant(err) {
			logger.WithError(err).Error("Refresh token rejected, provider requires re-authorization")
			if stErr := m.store.SetCredentialStatus(ctx, provider, models.CredentialUnauthenticated); stErr != nil {
				logger.WithError(stErr).Error("Failed to mark credential unauthenticated")
			}
			return "", errors.NewCredentialExpiredError(provider, err)
		}
		return "", errors.NewTransientError("token refresh failed", err)
	}

	updated := &models.Credential{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Status:       models.CredentialActive,
	}
	if updated.RefreshToken == "" {
		// Provider did not rotate; keep the current one.
		updated.RefreshToken = cred.RefreshToken
	}

	if err := m.store.SaveCredential(ctx, updated); err != nil {
		return "", fmt.Errorf("failed to persist rotated credential: %w", err)
	}

	logger.Info("Access token refreshed")
	return updated.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type refreshError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *refreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// exchangeRefreshToken posts the refresh grant directly. The oauth2 package's
// TokenSource cannot carry the extra scope parameter Whoop needs on refresh,
// so the form is built by hand; the bootstrap exchange still goes through
// oauth2.Config.
func (m *Manager) exchangeRefreshToken(ctx context.Context, endpoint ProviderEndpoint, cred *models.Credential) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}
	if endpoint.Scope != "" {
		form.Set("scope", endpoint.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var terr tokenErrorResponse
		_ = json.Unmarshal(body, &terr)
		return nil, &refreshError{StatusCode: resp.StatusCode, Code: terr.Error, Body: string(body)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}

	tok := &tokenResponse{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
		tok.ExpiresAt = &t
	}
	return tok, nil
}

// isInvalidGrant distinguishes a dead refresh token from a transient failure.
func isInvalidGrant(err error) bool {
	var re *refreshError
	if stderrors.As(err, &re) {
		if re.Code == "invalid_grant" {
			return true
		}
		return (re.StatusCode == http.StatusBadRequest || re.StatusCode == http.StatusUnauthorized) &&
			strings.Contains(re.Body, "invalid_grant")
	}
	var oe *oauth2.RetrieveError
	if stderrors.As(err, &oe) {
		return oe.ErrorCode == "invalid_grant" || strings.Contains(string(oe.Body), "invalid_grant")
	}
	return false
}
