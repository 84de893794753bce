package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrack/backend/internal/db/dbtest"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

const testProvider = "whoop"

type tokenServer struct {
	mu       sync.Mutex
	requests int32
	// validRefresh is the one refresh token the server currently accepts.
	validRefresh string
	// rotate controls whether a refresh_token comes back in the response.
	rotate bool
	// scopes records the scope parameter of each exchange.
	scopes []string

	srv *httptest.Server
}

func newTokenServer(validRefresh string, rotate bool) *tokenServer {
	ts := &tokenServer{validRefresh: validRefresh, rotate: rotate}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.requests, 1)
		_ = r.ParseForm()

		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.scopes = append(ts.scopes, r.FormValue("scope"))

		if r.FormValue("refresh_token") != ts.validRefresh {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		resp := map[string]interface{}{
			"access_token": fmt.Sprintf("access-%d", atomic.LoadInt32(&ts.requests)),
			"expires_in":   3600,
		}
		if ts.rotate {
			next := fmt.Sprintf("refresh-%d", atomic.LoadInt32(&ts.requests))
			// Single use: the old token dies the moment it is exchanged.
			ts.validRefresh = next
			resp["refresh_token"] = next
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return ts
}

func (ts *tokenServer) Close() { ts.srv.Close() }

func newTestManager(store *dbtest.MemStore, tokenURL string) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(store, logger, map[string]ProviderEndpoint{
		testProvider: {TokenURL: tokenURL, Scope: "offline"},
	})
}

func expiredCredential(refreshToken string) *models.Credential {
	expired := time.Now().UTC().Add(-time.Minute)
	return &models.Credential{
		Provider:     testProvider,
		AccessToken:  "stale-access",
		RefreshToken: refreshToken,
		ExpiresAt:    &expired,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Status:       models.CredentialActive,
	}
}

func TestValidTokenReturnedWithoutRefresh(t *testing.T) {
	ts := newTokenServer("refresh-0", true)
	defer ts.Close()

	store := dbtest.NewMemStore()
	future := time.Now().UTC().Add(time.Hour)
	cred := expiredCredential("refresh-0")
	cred.AccessToken = "fresh-access"
	cred.ExpiresAt = &future
	require.NoError(t, store.SaveCredential(context.Background(), cred))

	mgr := newTestManager(store, ts.srv.URL)
	token, err := mgr.GetValidAccessToken(context.Background(), testProvider)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Zero(t, atomic.LoadInt32(&ts.requests))
}

func TestRefreshRotatesAndPersists(t *testing.T) {
	ts := newTokenServer("refresh-0", true)
	defer ts.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SaveCredential(context.Background(), expiredCredential("refresh-0")))

	mgr := newTestManager(store, ts.srv.URL)
	token, err := mgr.GetValidAccessToken(context.Background(), testProvider)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	cred, err := store.GetCredential(context.Background(), testProvider)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.Equal(t, models.CredentialActive, cred.Status)
	require.NotNil(t, cred.ExpiresAt)
	assert.True(t, cred.ExpiresAt.After(time.Now()))

	// Offline scope must ride along or the provider stops rotating.
	assert.Equal(t, []string{"offline"}, ts.scopes)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	ts := newTokenServer("refresh-0", true)
	defer ts.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SaveCredential(context.Background(), expiredCredential("refresh-0")))
	mgr := newTestManager(store, ts.srv.URL)

	const callers = 8
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := mgr.GetValidAccessToken(context.Background(), testProvider)
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	// One exchange; everyone else reused the rotated credential. A second
	// exchange would have submitted the dead token and killed the credential.
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.requests))
	for _, token := range tokens {
		assert.Equal(t, "access-1", token)
	}
}

func TestProviderThatDoesNotRotateKeepsRefreshToken(t *testing.T) {
	ts := newTokenServer("refresh-0", false)
	defer ts.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SaveCredential(context.Background(), expiredCredential("refresh-0")))
	mgr := newTestManager(store, ts.srv.URL)

	_, err := mgr.GetValidAccessToken(context.Background(), testProvider)
	require.NoError(t, err)

	cred, err := store.GetCredential(context.Background(), testProvider)
	require.NoError(t, err)
	assert.Equal(t, "refresh-0", cred.RefreshToken)
}

func TestInvalidGrantMarksCredentialUnauthenticated(t *testing.T) {
	ts := newTokenServer("some-other-token", true)
	defer ts.Close()

	store := dbtest.NewMemStore()
	require.NoError(t, store.SaveCredential(context.Background(), expiredCredential("rotated-away")))
	mgr := newTestManager(store, ts.srv.URL)

	_, err := mgr.GetValidAccessToken(context.Background(), testProvider)
	assert.True(t, errors.IsCredentialExpired(err))

	cred, getErr := store.GetCredential(context.Background(), testProvider)
	require.NoError(t, getErr)
	assert.Equal(t, models.CredentialUnauthenticated, cred.Status)

	// Later calls short-circuit instead of hammering the token endpoint.
	before := atomic.LoadInt32(&ts.requests)
	_, err = mgr.GetValidAccessToken(context.Background(), testProvider)
	assert.True(t, errors.IsCredentialExpired(err))
	assert.Equal(t, before, atomic.LoadInt32(&ts.requests))
}

func TestMissingCredential(t *testing.T) {
	ts := newTokenServer("refresh-0", true)
	defer ts.Close()

	mgr := newTestManager(dbtest.NewMemStore(), ts.srv.URL)
	_, err := mgr.GetValidAccessToken(context.Background(), testProvider)
	assert.True(t, errors.IsCredentialExpired(err))
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	ts := newTokenServer("refresh-0", true)
	defer ts.Close()

	store := dbtest.NewMemStore()
	future := time.Now().UTC().Add(time.Hour)
	cred := expiredCredential("refresh-0")
	cred.ExpiresAt = &future
	require.NoError(t, store.SaveCredential(context.Background(), cred))
	mgr := newTestManager(store, ts.srv.URL)

	token, err := mgr.ForceRefresh(context.Background(), testProvider)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.requests))
}
