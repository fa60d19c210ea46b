// Package app assembles fleetpilot's components from configuration. The
// server and the CLI commands share one wiring.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/seenimoa/fleetpilot/internal/analysis"
	"github.com/seenimoa/fleetpilot/internal/config"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/execute"
	"github.com/seenimoa/fleetpilot/internal/fleet"
	"github.com/seenimoa/fleetpilot/internal/llm"
	"github.com/seenimoa/fleetpilot/internal/metrics"
	"github.com/seenimoa/fleetpilot/internal/newsfeed"
	"github.com/seenimoa/fleetpilot/internal/state"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// App holds the wired components. Analyzer and Orchestrator are nil when
// no AI provider is configured.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Events       events.Publisher
	Fleet        *fleet.Client
	LLM          *llm.Router
	Analyzer     *analysis.Analyzer
	Orchestrator *execute.Orchestrator
	News         *newsfeed.Reader
	Store        *state.Store
}

// Option adjusts the wiring, mainly for tests.
type Option func(*options)

type options struct {
	provider llm.LLMProvider
	events   events.Publisher
	fleet    []fleet.Option
}

// WithProvider replaces the configured AI router.
func WithProvider(p llm.LLMProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithEvents replaces the configured audit publisher.
func WithEvents(p events.Publisher) Option {
	return func(o *options) { o.events = p }
}

// WithFleetOptions passes options to the fleet client.
func WithFleetOptions(opts ...fleet.Option) Option {
	return func(o *options) { o.fleet = append(o.fleet, opts...) }
}

// Build wires every component from cfg.
func Build(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(cfg.Metrics.Namespace)
	}
	a.Events = o.events
	if a.Events == nil {
		a.Events = events.New(cfg.Events, logger)
	}

	fleetOpts := o.fleet
	if a.Metrics != nil {
		fleetOpts = append(fleetOpts, fleet.WithObserver(a.Metrics))
	}
	a.Fleet = fleet.New(fleet.Config{
		MarketURL:     cfg.Market.BaseURL,
		FleetURL:      cfg.Fleet.BaseURL,
		MarketTimeout: cfg.Timeouts.Market,
		FleetTimeout:  cfg.Timeouts.Fleet,
	}, fleetOpts...)

	provider := o.provider
	if provider == nil {
		router, err := llm.NewRouterFromConfig(cfg.LLM, logger)
		switch {
		case errors.Is(err, llm.ErrNoProviders):
			logger.Warn("no AI provider configured; analysis and execution are disabled")
		case err != nil:
			return nil, fmt.Errorf("app: llm setup: %w", err)
		default:
			a.LLM = router
			provider = router
		}
	}

	if provider != nil {
		constraints := analysis.DefaultConstraints()
		if cfg.Analysis.MaxMiners > 0 {
			constraints.MaxMiners = cfg.Analysis.MaxMiners
		}
		a.Analyzer = analysis.New(provider,
			analysis.WithConstraints(constraints),
			analysis.WithChatOptions(llm.ChatOptions{
				Model:       cfg.LLM.Model,
				Temperature: cfg.LLM.Temperature,
				MaxTokens:   cfg.LLM.MaxTokens,
			}),
			analysis.WithTimeout(cfg.Timeouts.AI),
			analysis.WithMetrics(a.Metrics),
			analysis.WithLogger(logger),
		)

		execOpts := []execute.Option{
			execute.WithEvents(a.Events),
			execute.WithMetrics(a.Metrics),
			execute.WithLogger(logger),
		}
		if cfg.Execution.EnforceMinerCeiling {
			execOpts = append(execOpts, execute.WithMinerCeiling(constraints.MaxMiners))
		}
		a.Orchestrator = execute.New(a.Fleet, a.Analyzer, execOpts...)
	}

	storeOpts := []state.Option{
		state.WithCredential(cfg.Fleet.APIKey),
		state.WithSite(models.SiteInfo{Name: cfg.Fleet.SiteName, Power: cfg.Fleet.SitePower}),
		state.WithObserver(&state.Recorder{Metrics: a.Metrics, Events: a.Events, Logger: logger}),
		state.WithLogger(logger),
	}
	if len(cfg.Analysis.NewsFeeds) > 0 {
		a.News = newsfeed.New(cfg.Analysis.NewsFeeds, cfg.Analysis.NewsTTL, newsfeed.WithLogger(logger))
		storeOpts = append(storeOpts, state.WithNews(a.News, cfg.Analysis.NewsLimit))
	}
	if a.Analyzer != nil {
		storeOpts = append(storeOpts, state.WithAnalyst(a.Analyzer), state.WithExecutor(a.Orchestrator))
	}
	a.Store = state.New(a.Fleet, a.Fleet, storeOpts...)
	return a, nil
}

// Close releases the audit publisher.
func (a *App) Close() error {
	if a.Events == nil {
		return nil
	}
	return a.Events.Close()
}
