// Package gcal is the Google Calendar backend for the calendar gateway, with
// Google Tasks serving to-dos.
package gcal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
)

const (
	BackendName = "google"

	defaultCalendarID = "primary"
	defaultTaskList   = "@default"
	defaultTimeout    = 10 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	CredentialsFile string
	TokenFile       string
	CalendarID      string
	Timeout         time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger

	// HTTPClient and Endpoint bypass OAuth entirely. Used by tests.
	HTTPClient *http.Client
	Endpoint   string
}

// Client implements calendar.Gateway and calendar.TaskCreator over the Google APIs.
type Client struct {
	calendar   *gcalendar.Service
	tasks      *tasks.Service
	calendarID string
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var (
	_ calendar.Gateway     = (*Client)(nil)
	_ calendar.TaskCreator = (*Client)(nil)
)

// NewClient creates a Google client. Without an HTTPClient it loads OAuth
// credentials and a saved token, returning calendar.ErrConfig when either is
// missing; run the login command first.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	c := &Client{
		calendarID: cfg.CalendarID,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if c.calendarID == "" {
		c.calendarID = defaultCalendarID
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = logging.WithBackend(c.logger, BackendName)

	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
	} else {
		oauthCfg, err := loadOAuthConfig(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", calendar.ErrConfig, err)
		}
		tok, err := loadToken(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("%w: no google token at %s, run the login command: %v", calendar.ErrConfig, cfg.TokenFile, err)
		}
		src := &savingTokenSource{
			base: oauthCfg.TokenSource(context.Background(), tok),
			path: cfg.TokenFile,
			last: tok.AccessToken,
		}
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(context.Background(), src)))
	}

	calSvc, err := gcalendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	taskSvc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}
	c.calendar = calSvc
	c.tasks = taskSvc
	return c, nil
}

// AuthURL returns the consent URL for the CLI login flow.
func AuthURL(credentialsFile string) (string, error) {
	cfg, err := loadOAuthConfig(credentialsFile)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode trades an authorization code for a token and saves it to tokenFile.
func ExchangeCode(ctx context.Context, credentialsFile, tokenFile, code string) error {
	cfg, err := loadOAuthConfig(credentialsFile)
	if err != nil {
		return err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange code for token: %w", err)
	}
	if err := saveToken(tokenFile, tok); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// call bounds fn by the per-call timeout and records metrics.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := mapError(op, fn(ctx))
	c.metrics.RecordGatewayCall(BackendName, op, err, time.Since(start))
	if err != nil {
		c.logger.Warn("gateway call failed", logging.Operation(op), logging.Err(err))
	}
	return err
}
