package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"devicegate/internal/session/domain"
)

// fakeIdP serves /oauth/token and the session-kill endpoints.
type fakeIdP struct {
	t           *testing.T
	tokenHits   atomic.Int32
	killHits    atomic.Int32
	tokenStatus atomic.Int32
	tokenDelay  time.Duration
	killStatus  atomic.Int32
	killDelay   time.Duration

	mu       sync.Mutex
	lastPath string
	lastAuth string
}

func newFakeIdP(t *testing.T) (*fakeIdP, *httptest.Server) {
	f := &fakeIdP{t: t}
	f.tokenStatus.Store(http.StatusOK)
	f.killStatus.Store(http.StatusNoContent)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", f.token)
	mux.HandleFunc("DELETE /api/v2/", f.kill)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	n := f.tokenHits.Add(1)
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GrantType != "client_credentials" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if f.tokenDelay > 0 {
		time.Sleep(f.tokenDelay)
	}
	if status := int(f.tokenStatus.Load()); status != http.StatusOK {
		http.Error(w, `{"error":"nope"}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: "tok-" + string(rune('0'+n)),
		ExpiresIn:   3600,
		TokenType:   "Bearer",
	})
}

func (f *fakeIdP) kill(w http.ResponseWriter, r *http.Request) {
	f.killHits.Add(1)
	f.mu.Lock()
	f.lastPath = r.URL.EscapedPath()
	f.lastAuth = r.Header.Get("Authorization")
	f.mu.Unlock()
	if f.killDelay > 0 {
		select {
		case <-time.After(f.killDelay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(int(f.killStatus.Load()))
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		ClientID:      "client",
		ClientSecret:  "secret",
		Timeout:       time.Second,
		RefreshMargin: time.Minute,
		FetchAttempts: 3,
	}
}

func newTestGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	g, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	g.tokens.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g
}

func TestNew_RequiresBaseURLAndClient(t *testing.T) {
	_, err := New(Config{ClientID: "c"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "https://tenant.example.com"}, nil)
	assert.Error(t, err)
}

func TestResult_Tolerated(t *testing.T) {
	testCases := []struct {
		status      int
		tolerated   bool
		alreadyGone bool
	}{
		{http.StatusAccepted, true, false},
		{http.StatusNoContent, true, false},
		{http.StatusNotFound, true, true},
		{http.StatusOK, false, false},
		{http.StatusBadRequest, false, false},
		{http.StatusTooManyRequests, false, false},
		{http.StatusInternalServerError, false, false},
	}
	for _, tc := range testCases {
		r := Result{StatusCode: tc.status}
		assert.Equal(t, tc.tolerated, r.Tolerated(), "status %d", tc.status)
		assert.Equal(t, tc.alreadyGone, r.AlreadyGone(), "status %d", tc.status)
	}
}

func TestTokenCache_ReusesUntilMargin(t *testing.T) {
	f, srv := newFakeIdP(t)
	g := newTestGateway(t, testConfig(srv.URL))
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	g.tokens.now = func() time.Time { return now }
	ctx := context.Background()

	tok1, err := g.tokens.Token(ctx)
	require.NoError(t, err)
	tok2, err := g.tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.EqualValues(t, 1, f.tokenHits.Load())

	now = now.Add(59*time.Minute + 30*time.Second)
	tok3, err := g.tokens.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3, "a token inside the refresh margin is replaced")
	assert.EqualValues(t, 2, f.tokenHits.Load())
}

func TestTokenCache_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.tokenDelay = 50 * time.Millisecond
	g := newTestGateway(t, testConfig(srv.URL))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := g.tokens.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.tokenHits.Load())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestTokenCache_RetriesServerErrorsThenFails(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.tokenStatus.Store(http.StatusBadGateway)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.tokens.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredential))
	assert.True(t, errors.Is(err, domain.ErrInfrastructure))
	assert.EqualValues(t, 3, f.tokenHits.Load())
}

func TestTokenCache_ClientErrorIsNotRetried(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.tokenStatus.Store(http.StatusForbidden)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.tokens.Token(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.EqualValues(t, 1, f.tokenHits.Load())
}

func TestTokenCache_FailedRefreshKeepsPreviousEntry(t *testing.T) {
	f, srv := newFakeIdP(t)
	g := newTestGateway(t, testConfig(srv.URL))
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	g.tokens.now = func() time.Time { return now }

	tok, err := g.tokens.Token(context.Background())
	require.NoError(t, err)

	f.tokenStatus.Store(http.StatusServiceUnavailable)
	now = now.Add(59*time.Minute + 30*time.Second)
	_, err = g.tokens.Token(context.Background())
	require.Error(t, err)

	g.tokens.mu.RLock()
	cached, expiry := g.tokens.token, g.tokens.expiry
	g.tokens.mu.RUnlock()
	assert.Equal(t, tok, cached)
	assert.Equal(t, time.Date(2026, 7, 1, 1, 0, 0, 0, time.UTC), expiry)
}

func TestTokenCache_CallerCancellation(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.tokenDelay = 200 * time.Millisecond
	g := newTestGateway(t, testConfig(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.tokens.Token(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_KillSession_Tolerance(t *testing.T) {
	testCases := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusAccepted, false},
		{http.StatusNoContent, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, true},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			f, srv := newFakeIdP(t)
			f.killStatus.Store(int32(tc.status))
			g := newTestGateway(t, testConfig(srv.URL))

			res, err := g.KillSession(context.Background(), "sess-1")
			assert.Equal(t, tc.status, res.StatusCode)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.True(t, errors.Is(err, domain.ErrInfrastructure))
		})
	}
}

func TestGateway_EscapesIdentifiersAndSendsBearer(t *testing.T) {
	f, srv := newFakeIdP(t)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.KillAllSessions(context.Background(), "auth0|abc/def")
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "/api/v2/users/auth0%7Cabc%2Fdef/sessions", f.lastPath)
	assert.Equal(t, "Bearer tok-1", f.lastAuth)
}

func TestGateway_RejectsEmptyIdentifiers(t *testing.T) {
	f, srv := newFakeIdP(t)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.KillSession(context.Background(), " ")
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = g.KillAllSessions(context.Background(), "")
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.EqualValues(t, 0, f.tokenHits.Load()+f.killHits.Load())
}

func TestGateway_TimeoutIsInfrastructureError(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.killDelay = 500 * time.Millisecond
	cfg := testConfig(srv.URL)
	cfg.Timeout = 30 * time.Millisecond
	g := newTestGateway(t, cfg)

	_, err := g.KillSession(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInfrastructure))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGateway_UnauthorizedInvalidatesCredential(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.killStatus.Store(http.StatusUnauthorized)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.KillSession(context.Background(), "sess-1")
	require.Error(t, err)

	f.killStatus.Store(http.StatusNoContent)
	_, err = g.KillSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.tokenHits.Load())
	f.mu.Lock()
	assert.Equal(t, "Bearer tok-2", f.lastAuth)
	f.mu.Unlock()
}

func TestGateway_CredentialFailureSkipsKill(t *testing.T) {
	f, srv := newFakeIdP(t)
	f.tokenStatus.Store(http.StatusInternalServerError)
	g := newTestGateway(t, testConfig(srv.URL))

	_, err := g.KillSession(context.Background(), "sess-1")
	assert.True(t, errors.Is(err, ErrCredential))
	assert.EqualValues(t, 0, f.killHits.Load())
}
