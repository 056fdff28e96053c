// Package dingtalk implements the calendar gateway and credential provider
// for the DingTalk open platform.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.dingtalk.com"

	tokenPath          = "/v1.0/oauth2/accessToken"
	defaultTokenTTL    = 2 * time.Hour
	defaultExpirySkew  = time.Minute
	defaultHTTPTimeout = 10 * time.Second
	tokenExchangeGroup = "access-token"
)

// ProviderConfig configures a TokenProvider.
type ProviderConfig struct {
	BaseURL    string
	AppKey     string
	AppSecret  string
	UnionID    string
	HTTPClient *http.Client
	// ExpirySkew is subtracted from the token lifetime before it counts as stale.
	ExpirySkew time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// TokenProvider exchanges the app key and secret for an access token and
// caches it until shortly before expiry. Safe for concurrent use.
type TokenProvider struct {
	baseURL    string
	appKey     string
	appSecret  string
	httpClient *http.Client
	skew       time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	current *oauth2.Token
	group   singleflight.Group
}

type tokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

// NewTokenProvider returns calendar.ErrConfig when any credential is missing.
func NewTokenProvider(cfg ProviderConfig) (*TokenProvider, error) {
	var missing []string
	if cfg.AppKey == "" {
		missing = append(missing, "app key")
	}
	if cfg.AppSecret == "" {
		missing = append(missing, "app secret")
	}
	if cfg.UnionID == "" {
		missing = append(missing, "union id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: dingtalk %s not set", calendar.ErrConfig, strings.Join(missing, ", "))
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.ExpirySkew == 0 {
		cfg.ExpirySkew = defaultExpirySkew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &TokenProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appKey:     cfg.AppKey,
		appSecret:  cfg.AppSecret,
		httpClient: cfg.HTTPClient,
		skew:       cfg.ExpirySkew,
		metrics:    cfg.Metrics,
		logger:     logging.WithOperation(cfg.Logger, "dingtalk.token"),
		now:        time.Now,
	}, nil
}

// Token implements oauth2.TokenSource.
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	return p.AccessToken(context.Background())
}

// AccessToken returns the cached token or exchanges a new one. Concurrent
// callers that find the cache stale share one exchange. The exchange outlives
// any single caller's context; each caller stops waiting when its own ctx ends.
func (p *TokenProvider) AccessToken(ctx context.Context) (*oauth2.Token, error) {
	if tok := p.cached(); tok != nil {
		return tok, nil
	}

	ch := p.group.DoChan(tokenExchangeGroup, func() (interface{}, error) {
		// another caller may have refreshed while we waited on the group
		if tok := p.cached(); tok != nil {
			return tok, nil
		}
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.exchangeTimeout())
		defer cancel()

		tok, err := p.exchange(exchangeCtx)
		p.metrics.RecordTokenExchange(err)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.current = tok
		p.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for access token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (p *TokenProvider) exchangeTimeout() time.Duration {
	if p.httpClient.Timeout > 0 {
		return p.httpClient.Timeout
	}
	return defaultHTTPTimeout
}

// Invalidate drops the cached token if it still equals stale. A token that
// was already replaced by a concurrent refresh is kept.
func (p *TokenProvider) Invalidate(stale string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.AccessToken == stale {
		p.current = nil
	}
}

func (p *TokenProvider) cached() *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	if !p.current.Expiry.IsZero() && !p.now().Add(p.skew).Before(p.current.Expiry) {
		return nil
	}
	return p.current
}

func (p *TokenProvider) exchange(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(tokenRequest{AppKey: p.appKey, AppSecret: p.appSecret})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("token exchange failed", logging.Err(err))
		return nil, calendar.AuthFailed("TokenExchange", 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, calendar.AuthFailed("TokenExchange", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("token exchange rejected", logging.Status(resp.Status))
		return nil, calendar.AuthFailed("TokenExchange", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, calendar.AuthFailed("TokenExchange", resp.StatusCode, fmt.Errorf("failed to parse token response: %w", err))
	}
	if parsed.AccessToken == "" {
		return nil, calendar.AuthFailed("TokenExchange", resp.StatusCode, fmt.Errorf("response carried no accessToken"))
	}

	ttl := defaultTokenTTL
	if parsed.ExpireIn > 0 {
		ttl = time.Duration(parsed.ExpireIn) * time.Second
	}
	p.logger.Debug("access token exchanged",
		slog.String("token", logging.SanitizeToken(parsed.AccessToken)),
		slog.Duration("ttl", ttl))

	return &oauth2.Token{
		AccessToken: parsed.AccessToken,
		TokenType:   "Bearer",
		Expiry:      p.now().Add(ttl),
	}, nil
}
