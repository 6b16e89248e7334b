package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ErrMissingSlackTokens is returned by Validate when the platform tokens are absent.
var ErrMissingSlackTokens = errors.New("SLACK_BOT_TOKEN and SLACK_APP_TOKEN must be set")

// Config holds the daemon configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	// Identity
	Name string `json:"name"`

	// HTTPAddr serves /health and /v1/events; empty disables the listener.
	HTTPAddr string `json:"http_addr"`

	// Slack channel (primary)
	Slack SlackConfig `json:"slack"`

	// Matrix channel (optional)
	Matrix MatrixConfig `json:"matrix"`

	// LLM fallback
	LLM LLMConfig `json:"llm"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken string `json:"bot_token"` // can use env var reference: "$SLACK_BOT_TOKEN"
	AppToken string `json:"app_token"` // can use env var reference: "$SLACK_APP_TOKEN"
	Debug    bool   `json:"debug,omitempty"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`       // localpart, e.g. spp
	Password     string   `json:"password"`      // bot password
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // who can talk to the bot
}

// LLMConfig selects and configures the fallback provider.
type LLMConfig struct {
	Provider  string          `json:"provider"` // "gemini" or "anthropic"
	Timeout   string          `json:"timeout,omitempty"`
	Gemini    GeminiConfig    `json:"gemini"`
	Anthropic AnthropicConfig `json:"anthropic"`
}

// GeminiConfig holds Gemini settings.
type GeminiConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
}

// AnthropicConfig holds Anthropic settings.
type AnthropicConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// LoadConfig builds the config from environment defaults, overlaid by the
// JSON file at path when path is non-empty. $VAR string values in the file
// are resolved from the environment.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.Slack.BotToken = resolveEnv(cfg.Slack.BotToken)
	cfg.Slack.AppToken = resolveEnv(cfg.Slack.AppToken)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.LLM.Provider = strings.ToLower(resolveEnv(cfg.LLM.Provider))
	cfg.LLM.Gemini.APIKey = resolveEnv(cfg.LLM.Gemini.APIKey)
	cfg.LLM.Gemini.Model = resolveEnv(cfg.LLM.Gemini.Model)
	cfg.LLM.Gemini.BaseURL = resolveEnv(cfg.LLM.Gemini.BaseURL)
	cfg.LLM.Anthropic.APIKey = resolveEnv(cfg.LLM.Anthropic.APIKey)
	cfg.LLM.Anthropic.Model = resolveEnv(cfg.LLM.Anthropic.Model)
	cfg.LLM.Anthropic.BaseURL = resolveEnv(cfg.LLM.Anthropic.BaseURL)

	if cfg.Name == "" {
		cfg.Name = "spp"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}

	return &cfg, nil
}

// Validate reports configuration the process cannot start without.
// A missing LLM key is not an error; the bot replies in offline mode.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" || c.Slack.AppToken == "" {
		return ErrMissingSlackTokens
	}
	switch c.LLM.Provider {
	case "gemini", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if _, err := c.LLMTimeout(); err != nil {
		return err
	}
	return nil
}

// LLMTimeout parses the optional LLM request timeout. Zero means no deadline.
func (c *Config) LLMTimeout() (time.Duration, error) {
	if c.LLM.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse llm timeout %q: %w", c.LLM.Timeout, err)
	}
	return d, nil
}

// LogValue keeps secrets out of logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("http_addr", c.HTTPAddr),
		slog.String("slack_bot_token", secretState(c.Slack.BotToken)),
		slog.String("slack_app_token", secretState(c.Slack.AppToken)),
		slog.String("llm_provider", c.LLM.Provider),
		slog.String("gemini_api_key", secretState(c.LLM.Gemini.APIKey)),
		slog.String("gemini_model", c.LLM.Gemini.Model),
		slog.String("anthropic_api_key", secretState(c.LLM.Anthropic.APIKey)),
		slog.String("matrix_homeserver", c.Matrix.Homeserver),
	)
}

func secretState(s string) string {
	if s == "" {
		return "unset"
	}
	return "set"
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		return os.Getenv(s[1:])
	}
	return s
}

// defaultConfig returns a config sourced from environment variables.
func defaultConfig() *Config {
	return &Config{
		Name:     "spp",
		HTTPAddr: envOr("SPP_HTTP_ADDR", ":8080"),
		Slack: SlackConfig{
			BotToken: os.Getenv("SLACK_BOT_TOKEN"),
			AppToken: os.Getenv("SLACK_APP_TOKEN"),
			Debug:    os.Getenv("SLACK_DEBUG") != "",
		},
		Matrix: MatrixConfig{
			Homeserver:   os.Getenv("MATRIX_HOMESERVER"),
			UserID:       envOr("MATRIX_BOT_USER", "spp"),
			Password:     os.Getenv("MATRIX_BOT_PASSWORD"),
			ServerName:   os.Getenv("MATRIX_SERVER_NAME"),
			AllowedUsers: splitList(os.Getenv("ALLOWED_USERS")),
		},
		LLM: LLMConfig{
			Provider: envOr("SPP_LLM_PROVIDER", "gemini"),
			Timeout:  os.Getenv("SPP_LLM_TIMEOUT"),
			Gemini: GeminiConfig{
				APIKey:  os.Getenv("GEMINI_API_KEY"),
				Model:   envOr("GEMINI_MODEL", "gemini-pro"),
				BaseURL: envOr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			},
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
