// Package idp is the client for the identity provider's session-kill management API.
package idp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"devicegate/internal/session/domain"
)

const instrumentationName = "devicegate/idp"

// Config configures the management API client.
type Config struct {
	BaseURL       string // https://{tenant domain}
	ClientID      string
	ClientSecret  string
	Audience      string
	Timeout       time.Duration
	RefreshMargin time.Duration
	FetchAttempts int
	HTTPClient    *http.Client
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Audience == "" && c.BaseURL != "" {
		c.Audience = c.BaseURL + "/api/v2/"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = time.Minute
	}
	if c.FetchAttempts < 1 {
		c.FetchAttempts = 1
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Result is the provider's response to a kill call.
type Result struct {
	StatusCode int
}

// Tolerated reports whether the call counts as success: deleted, accepted, or already gone.
func (r Result) Tolerated() bool {
	switch r.StatusCode {
	case http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return true
	}
	return false
}

// AlreadyGone reports that the session had already expired upstream.
func (r Result) AlreadyGone() bool {
	return r.StatusCode == http.StatusNotFound
}

// Gateway kills live IdP sessions. It is safe for concurrent use.
type Gateway struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	tokens  *TokenCache
	logger  *zap.Logger
	tracer  trace.Tracer
	kills   metric.Int64Counter
}

// New returns a Gateway for cfg. BaseURL and ClientID are required.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("idp: base url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("idp: client id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kills, err := otel.Meter(instrumentationName).Int64Counter("devicegate.idp.kill",
		metric.WithDescription("IdP session kill calls by outcome"))
	if err != nil {
		return nil, fmt.Errorf("idp: counter: %w", err)
	}
	return &Gateway{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		tokens:  NewTokenCache(cfg, logger),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		kills:   kills,
	}, nil
}

// Tokens exposes the credential cache.
func (g *Gateway) Tokens() *TokenCache {
	return g.tokens
}

// KillSession ends one IdP session. A non-tolerated status returns the Result and an *APIError.
func (g *Gateway) KillSession(ctx context.Context, externalSessionID string) (Result, error) {
	if strings.TrimSpace(externalSessionID) == "" {
		return Result{}, &domain.ValidationError{Field: "external_session_id", Reason: "is required"}
	}
	return g.kill(ctx, "idp.KillSession", "/api/v2/sessions/"+url.PathEscape(externalSessionID))
}

// KillAllSessions ends every IdP session of the subject.
func (g *Gateway) KillAllSessions(ctx context.Context, externalSubjectID string) (Result, error) {
	if strings.TrimSpace(externalSubjectID) == "" {
		return Result{}, &domain.ValidationError{Field: "external_subject_id", Reason: "is required"}
	}
	return g.kill(ctx, "idp.KillAllSessions", "/api/v2/users/"+url.PathEscape(externalSubjectID)+"/sessions")
}

func (g *Gateway) kill(ctx context.Context, spanName, path string) (Result, error) {
	ctx, span := g.tracer.Start(ctx, spanName)
	defer span.End()

	res, err := g.delete(ctx, path)
	span.SetAttributes(attribute.Int("status_code", res.StatusCode))
	g.kills.Add(ctx, 1, metric.WithAttributes(attribute.Bool("tolerated", err == nil)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (g *Gateway) delete(ctx context.Context, path string) (Result, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+path, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: idp request: %w", domain.ErrInfrastructure, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusUnauthorized {
		g.tokens.Invalidate()
	}
	if !res.Tolerated() {
		return res, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}
