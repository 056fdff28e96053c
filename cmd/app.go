package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/agent/tools"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/config"
	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/dingtalk"
	"github.com/magiccat/magiccat/internal/gcal"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
	"github.com/magiccat/magiccat/internal/notify"
	"github.com/magiccat/magiccat/internal/orchestrator"
	"github.com/magiccat/magiccat/internal/resolver"
)

// app holds everything a command needs to run calendar actions. Build it with
// newApp and release it with close.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	db         *database.DB
	orch       *orchestrator.Orchestrator
	dispatcher *tools.Dispatcher

	closers []io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, logCloser, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.db, err = database.New(cfg.DBPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	a.closers = append([]io.Closer{a.db}, a.closers...)

	gw, tasks, err := buildGateway(ctx, cfg, a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Gateway:    gw,
		Tasks:      tasks,
		Resolver:   resolver.New(buildDisambiguator(cfg, a.metrics, logger), logger),
		Location:   cfg.Location(),
		PendingTTL: cfg.PendingTTL,
		Traces:     a.db,
		Users:      a.db,
		Notifier:   buildNotifier(cfg, a.db, logger),
		Metrics:    a.metrics,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = tools.NewDispatcher(a.orch)

	logger.Info("calendar assistant ready",
		slog.String("backend", cfg.Backend),
		slog.String("disambiguator", cfg.Disambiguator),
		slog.String("timezone", cfg.DefaultTimeZone),
	)
	return a, nil
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	for _, c := range a.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", logging.Err(err))
		}
	}
	a.closers = nil
}

// buildGateway returns the calendar gateway of the configured backend. Both
// backends also file to-dos.
func buildGateway(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (calendar.Gateway, calendar.TaskCreator, error) {
	switch cfg.Backend {
	case config.BackendGoogle:
		client, err := gcal.NewClient(ctx, gcal.ClientConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			TokenFile:       cfg.GoogleTokenFile,
			Timeout:         cfg.GatewayTimeout,
			Metrics:         m,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil

	case config.BackendDingTalk:
		tokens, err := dingtalk.NewTokenProvider(dingtalk.ProviderConfig{
			BaseURL:   cfg.DingTalkURL,
			AppKey:    cfg.DingTalkID,
			AppSecret: cfg.DingTalkSecret,
			UnionID:   cfg.DingTalkUnion,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		gw, err := dingtalk.NewGateway(dingtalk.Config{
			BaseURL: cfg.DingTalkURL,
			UnionID: cfg.DingTalkUnion,
			Tokens:  tokens,
			Timeout: cfg.GatewayTimeout,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return gw, gw, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown CALENDAR_BACKEND %q", calendar.ErrConfig, cfg.Backend)
	}
}

func newModelClient(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *agent.APIClient {
	return agent.NewAPIClient(cfg.AnthropicAPIKey, cfg.ClaudeModel, cfg.ClaudeTemperature,
		agent.WithMetrics(m),
		agent.WithLogger(logger),
	)
}

func buildDisambiguator(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) resolver.Disambiguator {
	if cfg.Disambiguator == config.DisambiguatorModel && cfg.AnthropicAPIKey != "" {
		return resolver.NewModelDisambiguator(newModelClient(cfg, m, logger))
	}
	logger.Info("using rule-based event disambiguation")
	return resolver.RuleDisambiguator{Location: cfg.Location()}
}

func buildNotifier(cfg *config.Config, users notify.RecipientLookup, logger *slog.Logger) *notify.Service {
	var email notify.Notifier
	if n := notify.NewResendNotifier(cfg.ResendAPIKey, cfg.EmailFrom); n != nil {
		email = n
		logger.Info("email notifications configured", slog.String("provider", n.Name()))
	}
	return notify.NewService(users, email, cfg.NotifyEmail, logger)
}
