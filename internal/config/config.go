package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level triage configuration.
type Config struct {
	Service    ServiceConfig             `json:"service" yaml:"service"`
	Database   DatabaseConfig            `json:"database" yaml:"database"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Pipeline   PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Knowledge  KnowledgeConfig           `json:"knowledge" yaml:"knowledge"`
	Notify     NotifyConfig              `json:"notify" yaml:"notify"`
	Connectors ConnectorConfig           `json:"connectors" yaml:"connectors"`
	Scheduler  SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Desk       DeskConfig                `json:"desk" yaml:"desk"`
	API        APIConfig                 `json:"api" yaml:"api"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	ID        string `json:"id" yaml:"id"`
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	LogBuffer int    `json:"log_buffer,omitempty" yaml:"log_buffer,omitempty"` // entries kept for /api/logs, default 5000
}

// DatabaseConfig selects the ticket store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "mysql"
	DSN    string `json:"dsn" yaml:"dsn"`       // sqlite: file path; mysql: go-sql-driver DSN
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Type           string `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey         string `json:"api_key" yaml:"api_key"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
}

// PipelineConfig wires providers into the triage steps.
type PipelineConfig struct {
	Classifier  string  `json:"classifier" yaml:"classifier"` // provider name
	Drafter     string  `json:"drafter" yaml:"drafter"`       // provider name
	TopK        int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// KnowledgeConfig selects and configures the passage store.
type KnowledgeConfig struct {
	Backend      string        `json:"backend" yaml:"backend"` // "dir" (default) or "qdrant"
	Dir          string        `json:"dir,omitempty" yaml:"dir,omitempty"`
	Qdrant       *QdrantConfig `json:"qdrant,omitempty" yaml:"qdrant,omitempty"`
	Embedder     string        `json:"embedder,omitempty" yaml:"embedder,omitempty"` // provider name, qdrant only
	ChunkSize    int           `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	ChunkOverlap int           `json:"chunk_overlap,omitempty" yaml:"chunk_overlap,omitempty"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Addr       string `json:"addr" yaml:"addr"` // host:port of the gRPC API
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
}

// NotifyConfig lists where approved responses are delivered. Every
// configured channel receives each response; with none configured the
// response is only logged.
type NotifyConfig struct {
	Webhook  *NotifyWebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Slack    *SlackConfig         `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram *TelegramConfig      `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

// NotifyWebhookConfig posts deliveries to a URL.
type NotifyWebhookConfig struct {
	URL    string `json:"url" yaml:"url"`
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
}

// ConnectorConfig holds settings for inbound ticket channels.
type ConnectorConfig struct {
	Webhook *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// WebhookConfig maps endpoint names to their auth settings.
type WebhookConfig struct {
	Endpoints map[string]WebhookEndpoint `json:"endpoints" yaml:"endpoints"`
}

// WebhookEndpoint holds per-endpoint authentication.
type WebhookEndpoint struct {
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
}

// SchedulerConfig holds periodic job settings.
type SchedulerConfig struct {
	Disabled       bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	HealthSchedule string `json:"health_schedule,omitempty" yaml:"health_schedule,omitempty"` // cron spec, default "@every 5m"
	SweepSchedule  string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`   // cron spec, default "@every 1m"
}

// DeskConfig holds ticket service settings.
type DeskConfig struct {
	// StaleAfter marks Processing tickets older than this as Failed. Zero disables the sweep.
	StaleAfter Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key" yaml:"api_key"`
}

// Duration is a time.Duration written as a string ("10m", "1h30m").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(value.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadDotEnv loads variables from .env files (default ".env") into the
// process environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config document and fills in defaults. ext selects the
// format: ".yaml"/".yml" for YAML, anything else for JSON.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with TRIAGE_ prefix.
// With no provider keys set it targets a local Ollama server.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			ID:        getenv("TRIAGE_SERVICE_ID", "triage"),
			DataDir:   getenv("TRIAGE_DATA_DIR", "./data"),
			LogBuffer: getenvInt("TRIAGE_LOG_BUFFER", 0),
		},
		Database: DatabaseConfig{
			Driver: getenv("TRIAGE_DB_DRIVER", "sqlite"),
			DSN:    os.Getenv("TRIAGE_DB_DSN"),
		},
		Providers: make(map[string]ProviderConfig),
		Pipeline: PipelineConfig{
			TopK:        getenvInt("TRIAGE_TOP_K", 0),
			Temperature: getenvFloat("TRIAGE_TEMPERATURE", 0),
		},
		Knowledge: KnowledgeConfig{
			Backend:  getenv("TRIAGE_KB_BACKEND", "dir"),
			Dir:      os.Getenv("TRIAGE_KB_DIR"),
			Embedder: os.Getenv("TRIAGE_KB_EMBEDDER"),
		},
		API: APIConfig{
			Host: getenv("TRIAGE_API_HOST", "0.0.0.0"),
			Port: getenvInt("TRIAGE_API_PORT", 8080),
			Key:  os.Getenv("TRIAGE_API_KEY"),
		},
	}

	// Default provider from env
	if apiKey := os.Getenv("TRIAGE_ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:   "anthropic",
			APIKey: apiKey,
			Model:  getenv("TRIAGE_MODEL", "claude-sonnet-4-20250514"),
		}
	} else if apiKey := os.Getenv("TRIAGE_OPENAI_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:           "openai",
			APIKey:         apiKey,
			BaseURL:        os.Getenv("TRIAGE_OPENAI_BASE_URL"),
			Model:          getenv("TRIAGE_MODEL", "gpt-4o"),
			EmbeddingModel: getenv("TRIAGE_EMBEDDING_MODEL", "text-embedding-3-small"),
		}
	} else {
		cfg.Providers["default"] = ProviderConfig{
			Type:           "openai",
			BaseURL:        getenv("TRIAGE_OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			Model:          getenv("TRIAGE_MODEL", "llama3"),
			EmbeddingModel: getenv("TRIAGE_EMBEDDING_MODEL", "nomic-embed-text"),
		}
	}

	if addr := os.Getenv("TRIAGE_QDRANT_ADDR"); addr != "" {
		cfg.Knowledge.Qdrant = &QdrantConfig{
			Addr:       addr,
			APIKey:     os.Getenv("TRIAGE_QDRANT_API_KEY"),
			Collection: os.Getenv("TRIAGE_QDRANT_COLLECTION"),
		}
	}

	if url := os.Getenv("TRIAGE_NOTIFY_WEBHOOK_URL"); url != "" {
		cfg.Notify.Webhook = &NotifyWebhookConfig{URL: url, Secret: os.Getenv("TRIAGE_NOTIFY_WEBHOOK_SECRET")}
	}
	if token := os.Getenv("TRIAGE_SLACK_BOT_TOKEN"); token != "" {
		cfg.Notify.Slack = &SlackConfig{BotToken: token, Channel: os.Getenv("TRIAGE_SLACK_CHANNEL")}
	}
	if token := os.Getenv("TRIAGE_TELEGRAM_TOKEN"); token != "" {
		chatID, err := strconv.ParseInt(os.Getenv("TRIAGE_TELEGRAM_CHAT_ID"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: TRIAGE_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram = &TelegramConfig{Token: token, ChatID: chatID}
	}

	if spec := os.Getenv("TRIAGE_WEBHOOK_ENDPOINTS"); spec != "" {
		endpoints, err := parseEndpoints(spec)
		if err != nil {
			return nil, fmt.Errorf("config: TRIAGE_WEBHOOK_ENDPOINTS: %w", err)
		}
		cfg.Connectors.Webhook = &WebhookConfig{Endpoints: endpoints}
	}

	if v := os.Getenv("TRIAGE_STALE_AFTER"); v != "" {
		if err := cfg.Desk.StaleAfter.parse(v); err != nil {
			return nil, fmt.Errorf("config: TRIAGE_STALE_AFTER: %w", err)
		}
	}
	cfg.Scheduler.Disabled = os.Getenv("TRIAGE_SCHEDULER_DISABLED") == "true"
	cfg.Scheduler.HealthSchedule = os.Getenv("TRIAGE_HEALTH_SCHEDULE")

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.ID == "" {
		c.Service.ID = "triage"
	}
	if c.Service.LogBuffer <= 0 {
		c.Service.LogBuffer = 5000
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" && c.Service.DataDir != "" {
		c.Database.DSN = filepath.Join(c.Service.DataDir, "triage.db")
	}
	if c.Pipeline.Classifier == "" {
		c.Pipeline.Classifier = "default"
	}
	if c.Pipeline.Drafter == "" {
		c.Pipeline.Drafter = c.Pipeline.Classifier
	}
	if c.Knowledge.Backend == "" {
		c.Knowledge.Backend = "dir"
	}
	if c.Knowledge.Backend == "dir" && c.Knowledge.Dir == "" && c.Service.DataDir != "" {
		c.Knowledge.Dir = filepath.Join(c.Service.DataDir, "knowledge")
	}
	if c.Knowledge.Backend == "qdrant" && c.Knowledge.Embedder == "" {
		c.Knowledge.Embedder = c.Pipeline.Classifier
	}
	if c.Scheduler.HealthSchedule == "" {
		c.Scheduler.HealthSchedule = "@every 5m"
	}
	if c.Scheduler.SweepSchedule == "" {
		c.Scheduler.SweepSchedule = "@every 1m"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks for required fields and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}
	if c.Service.DataDir == "" {
		errs = append(errs, "service.data_dir is required")
	}

	switch c.Database.Driver {
	case "sqlite", "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "", "openai":
			// Local OpenAI-compatible servers (Ollama, vLLM) need no key.
			if p.APIKey == "" && p.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("providers.%s needs api_key or base_url", name))
			}
		case "anthropic":
			if p.APIKey == "" {
				errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not supported (openai, anthropic)", name, p.Type))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
	}

	for field, ref := range map[string]string{
		"pipeline.classifier": c.Pipeline.Classifier,
		"pipeline.drafter":    c.Pipeline.Drafter,
	} {
		if _, ok := c.Providers[ref]; !ok {
			errs = append(errs, fmt.Sprintf("%s references unknown provider %q", field, ref))
		}
	}
	if c.Pipeline.TopK < 0 {
		errs = append(errs, "pipeline.top_k must not be negative")
	}
	if c.Pipeline.Temperature < 0 || c.Pipeline.Temperature > 2 {
		errs = append(errs, "pipeline.temperature must be between 0 and 2")
	}

	switch c.Knowledge.Backend {
	case "dir":
		if c.Knowledge.Dir == "" {
			errs = append(errs, "knowledge.dir is required")
		}
	case "qdrant":
		if c.Knowledge.Qdrant == nil || c.Knowledge.Qdrant.Addr == "" {
			errs = append(errs, "knowledge.qdrant.addr is required")
		}
		p, ok := c.Providers[c.Knowledge.Embedder]
		if !ok {
			errs = append(errs, fmt.Sprintf("knowledge.embedder references unknown provider %q", c.Knowledge.Embedder))
		} else if p.Type == "anthropic" {
			errs = append(errs, fmt.Sprintf("knowledge.embedder %q cannot embed (anthropic)", c.Knowledge.Embedder))
		}
	default:
		errs = append(errs, fmt.Sprintf("knowledge.backend %q is not supported (dir, qdrant)", c.Knowledge.Backend))
	}
	if c.Knowledge.ChunkSize < 0 || (c.Knowledge.ChunkSize > 0 && c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize) {
		errs = append(errs, "knowledge.chunk_overlap must be smaller than knowledge.chunk_size")
	}

	if w := c.Notify.Webhook; w != nil && w.URL == "" {
		errs = append(errs, "notify.webhook.url is required")
	}
	if s := c.Notify.Slack; s != nil && (s.BotToken == "" || s.Channel == "") {
		errs = append(errs, "notify.slack.bot_token and notify.slack.channel are required")
	}
	if tg := c.Notify.Telegram; tg != nil && (tg.Token == "" || tg.ChatID == 0) {
		errs = append(errs, "notify.telegram.token and notify.telegram.chat_id are required")
	}

	if c.Desk.StaleAfter < 0 {
		errs = append(errs, "desk.stale_after must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// parseEndpoints reads "name=secret,name2=bearer:token" into webhook
// endpoints. A bare name is an open endpoint.
func parseEndpoints(s string) (map[string]WebhookEndpoint, error) {
	out := make(map[string]WebhookEndpoint)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, auth, _ := strings.Cut(part, "=")
		if name == "" {
			return nil, fmt.Errorf("invalid endpoint %q", part)
		}
		var ep WebhookEndpoint
		if token, ok := strings.CutPrefix(auth, "bearer:"); ok {
			ep.BearerToken = token
		} else {
			ep.Secret = auth
		}
		out[name] = ep
	}
	return out, nil
}
