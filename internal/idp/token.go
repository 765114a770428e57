package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tokenFlightKey = "management-token"

// TokenCache holds the client-credentials bearer for the management API.
// Concurrent callers that find it stale share a single refresh.
type TokenCache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	audience     string
	margin       time.Duration
	attempts     uint
	timeout      time.Duration
	client       *http.Client
	logger       *zap.Logger
	now          func() time.Time
	newBackOff   func() backoff.BackOff

	group singleflight.Group

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewTokenCache builds the credential cache from cfg.
func NewTokenCache(cfg Config, logger *zap.Logger) *TokenCache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCache{
		tokenURL:     cfg.BaseURL + "/oauth/token",
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		audience:     cfg.Audience,
		margin:       cfg.RefreshMargin,
		attempts:     uint(cfg.FetchAttempts),
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
		logger:       logger,
		now:          time.Now,
		newBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Token returns a bearer valid for at least the refresh margin.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	// The shared refresh must not die with whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(tokenFlightKey, func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh(flightCtx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// Invalidate drops the cached bearer; the next Token call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expiry.Add(-c.margin)) {
		return "", false
	}
	return c.token, true
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	op := func() (tokenResponse, error) { return c.fetch(ctx) }
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("idp: credential fetch failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		// A failed refresh leaves any previous entry as it was.
		return "", fmt.Errorf("%w: %w", ErrCredential, err)
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.expiry = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()
	c.logger.Debug("idp: credential refreshed", zap.Int64("expires_in", resp.ExpiresIn))
	return resp.AccessToken, nil
}

func (c *TokenCache) fetch(ctx context.Context) (tokenResponse, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Audience:     c.audience,
	})
	if err != nil {
		return tokenResponse{}, backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return tokenResponse{}, backoff.Permanent(apiErr)
		}
		return tokenResponse{}, apiErr
	}

	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return tokenResponse{}, backoff.Permanent(fmt.Errorf("decode token response: %w", err))
	}
	if out.AccessToken == "" {
		return tokenResponse{}, backoff.Permanent(errors.New("token response has no access_token"))
	}
	return out, nil
}
