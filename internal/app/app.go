// Package app assembles the triage components from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/connector"
	"github.com/h1v3-io/triage/internal/connector/webhook"
	"github.com/h1v3-io/triage/internal/desk"
	"github.com/h1v3-io/triage/internal/health"
	"github.com/h1v3-io/triage/internal/knowledge"
	"github.com/h1v3-io/triage/internal/notify"
	"github.com/h1v3-io/triage/internal/pipeline"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/ticket"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.Config
	Providers map[string]provider.Provider
	Tickets   ticket.Store
	Knowledge knowledge.Store
	Ingester  *knowledge.Ingester
	Pipeline  *pipeline.Runner
	Notifier  notify.Notifier
	Desk      *desk.Service
	Health    *health.Checker

	closers []func() error
}

// New builds every component. Outbound notifiers that need a network
// handshake (Telegram) are connected here, so New may block briefly.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Providers: make(map[string]provider.Provider)}

	// 1. Providers
	for name, pcfg := range cfg.Providers {
		a.Providers[name] = NewProvider(pcfg)
		logger.Info("provider initialized", "name", name, "type", pcfg.Type, "model", pcfg.Model)
	}
	classifier, ok := a.Providers[cfg.Pipeline.Classifier]
	if !ok {
		return nil, fmt.Errorf("app: classifier provider %q not configured", cfg.Pipeline.Classifier)
	}
	drafter, ok := a.Providers[cfg.Pipeline.Drafter]
	if !ok {
		return nil, fmt.Errorf("app: drafter provider %q not configured", cfg.Pipeline.Drafter)
	}

	// 2. Ticket store
	store, err := openTicketStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Tickets = store
	a.closers = append(a.closers, store.Close)

	// 3. Passage store
	kb, err := a.openKnowledge(cfg.Knowledge)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Knowledge = kb
	a.Ingester = &knowledge.Ingester{
		Store:        kb,
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		Logger:       logger.With("component", "ingest"),
	}

	// 4. Pipeline
	a.Pipeline = pipeline.New(
		&pipeline.Classifier{Provider: classifier, Temperature: cfg.Pipeline.Temperature},
		&pipeline.Retriever{Store: kb, TopK: cfg.Pipeline.TopK},
		&pipeline.Drafter{Provider: drafter, Temperature: cfg.Pipeline.Temperature, MaxTokens: cfg.Pipeline.MaxTokens},
		logger.With("component", "pipeline"),
	)

	// 5. Notifiers and desk
	a.Notifier, err = NewNotifier(cfg.Notify, logger.With("component", "notify"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Desk = desk.New(store, a.Pipeline, a.Notifier, logger.With("component", "desk"))

	// 6. Health checks
	checks := []health.Check{health.Database(store)}
	seen := map[string]bool{}
	for _, name := range []string{cfg.Pipeline.Classifier, cfg.Pipeline.Drafter} {
		if seen[name] {
			continue
		}
		seen[name] = true
		if p, ok := a.Providers[name].(provider.Pinger); ok {
			checks = append(checks, health.LLM(name, p))
		}
	}
	checks = append(checks, health.Knowledge(kb))
	a.Health = health.NewChecker(0, logger.With("component", "health"), checks...)

	return a, nil
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Intake files tickets arriving through connectors via the desk. Validation
// failures are reported as connector.ErrRejected.
func (a *App) Intake(logger *slog.Logger) connector.IntakeHandler {
	return func(ctx context.Context, in connector.Intake) (connector.Receipt, error) {
		view, err := a.Desk.Create(ctx, in.Email, in.Description)
		if errors.Is(err, desk.ErrInvalidInput) {
			return connector.Receipt{}, fmt.Errorf("%w: %w", connector.ErrRejected, err)
		}
		if err != nil {
			return connector.Receipt{}, err
		}
		logger.Info("ticket filed from connector", "channel", in.Channel, "ticket_id", view.ID)
		return connector.Receipt{TicketID: view.ID, Status: string(view.Status)}, nil
	}
}

// WebhookConfig converts the configured inbound endpoints.
func WebhookConfig(cfg *config.WebhookConfig) webhook.Config {
	out := webhook.Config{Endpoints: make(map[string]webhook.EndpointConfig)}
	if cfg == nil {
		return out
	}
	for name, ep := range cfg.Endpoints {
		out.Endpoints[name] = webhook.EndpointConfig{Secret: ep.Secret, BearerToken: ep.BearerToken}
	}
	return out
}

// NewProvider builds an LLM provider from its config.
func NewProvider(pcfg config.ProviderConfig) provider.Provider {
	switch pcfg.Type {
	case "anthropic":
		var opts []provider.AnthropicOption
		if pcfg.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(pcfg.BaseURL))
		}
		if pcfg.Model != "" {
			opts = append(opts, provider.WithAnthropicModel(pcfg.Model))
		}
		return provider.NewAnthropic(pcfg.APIKey, opts...)
	default: // "openai" or empty
		var opts []provider.OpenAIOption
		if pcfg.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(pcfg.BaseURL))
		}
		if pcfg.Model != "" {
			opts = append(opts, provider.WithModel(pcfg.Model))
		}
		if pcfg.EmbeddingModel != "" {
			opts = append(opts, provider.WithEmbeddingModel(pcfg.EmbeddingModel))
		}
		return provider.NewOpenAI(pcfg.APIKey, opts...)
	}
}

// NewNotifier fans out to every configured channel. Deliveries are always
// logged as well.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	notifiers := []notify.Notifier{&notify.LogNotifier{Logger: logger}}
	if w := cfg.Webhook; w != nil {
		notifiers = append(notifiers, &notify.WebhookNotifier{URL: w.URL, Secret: w.Secret})
	}
	if s := cfg.Slack; s != nil {
		n, err := notify.NewSlack(s.BotToken, s.Channel)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	if tg := cfg.Telegram; tg != nil {
		n, err := notify.NewTelegram(tg.Token, tg.ChatID, "", nil)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return &notify.Multi{Notifiers: notifiers, Logger: logger}, nil
}

func openTicketStore(cfg config.DatabaseConfig) (*ticket.SQLStore, error) {
	if cfg.Driver == ticket.DriverSQLite || cfg.Driver == "" {
		if dir := filepath.Dir(cfg.DSN); dir != "." && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("app: create database dir: %w", err)
			}
		}
	}
	store, err := ticket.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return store, nil
}

func (a *App) openKnowledge(cfg config.KnowledgeConfig) (knowledge.Store, error) {
	switch cfg.Backend {
	case "qdrant":
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("app: knowledge.qdrant is not configured")
		}
		emb, ok := a.Providers[cfg.Embedder].(provider.Embedder)
		if !ok {
			return nil, fmt.Errorf("app: provider %q cannot embed", cfg.Embedder)
		}
		var opts []knowledge.QdrantOption
		if cfg.Qdrant.Collection != "" {
			opts = append(opts, knowledge.WithCollection(cfg.Qdrant.Collection))
		}
		qs, err := knowledge.NewQdrantStore(cfg.Qdrant.Addr, cfg.Qdrant.APIKey, emb, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, qs.Close)
		return qs, nil
	case "dir", "":
		return knowledge.NewDirStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("app: unsupported knowledge backend %q", cfg.Backend)
	}
}
