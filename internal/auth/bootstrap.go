package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// ExchangeAuthorizationCode consumes the authorization code produced by the
// manual OAuth handshake and persists the first credential record for the
// provider. The handshake itself happens outside this system; only the
// exchange-and-persist step lives here.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, provider, code, redirectURI, clientID, clientSecret string) (*models.Credential, error) {
	if code == "" {
		return nil, errors.NewValidationError("authorization code cannot be empty", nil)
	}
	endpoint, ok := m.endpoints[provider]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("no token endpoint configured for provider %s", provider), nil)
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL: endpoint.TokenURL,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		if isInvalidGrant(err) {
			return nil, errors.NewCredentialExpiredError(provider, err)
		}
		return nil, errors.NewTransientError("authorization code exchange failed", err)
	}

	cred := &models.Credential{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Status:       models.CredentialActive,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		cred.ExpiresAt = &expiry
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to persist bootstrap credential: %w", err)
	}

	m.logger.WithField("provider", provider).Info("Credential bootstrapped from authorization code")
	return cred, nil
}
