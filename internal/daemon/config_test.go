package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
		"SPP_LLM_PROVIDER", "SPP_LLM_TIMEOUT", "SPP_HTTP_ADDR", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL",
		"ANTHROPIC_BASE_URL", "MATRIX_HOMESERVER", "MATRIX_BOT_USER", "MATRIX_BOT_PASSWORD",
		"MATRIX_SERVER_NAME", "ALLOWED_USERS", "SLACK_DEBUG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("ALLOWED_USERS", "@a:example.org, @b:example.org")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "spp", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "xoxb-test", cfg.Slack.BotToken)
	assert.Equal(t, "xapp-test", cfg.Slack.AppToken)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gem-key", cfg.LLM.Gemini.APIKey)
	assert.Equal(t, "gemini-pro", cfg.LLM.Gemini.Model)
	assert.Equal(t, []string{"@a:example.org", "@b:example.org"}, cfg.Matrix.AllowedUsers)
}

func TestLoadConfig_MissingLLMKeyIsNotFatal(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.LLM.Gemini.APIKey)
}

func TestValidate_MissingSlackTokens(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSlackTokens)
}

func TestLoadConfig_FileOverlayResolvesEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MY_BOT_TOKEN", "xoxb-from-file")
	t.Setenv("SLACK_APP_TOKEN", "xapp-env")

	path := filepath.Join(t.TempDir(), "spp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http_addr": "",
		"slack": {"bot_token": "$MY_BOT_TOKEN"},
		"llm": {"provider": "Anthropic", "timeout": "30s", "anthropic": {"api_key": "$UNSET_ANTHROPIC_KEY", "model": "claude-x"}}
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "", cfg.HTTPAddr)
	assert.Equal(t, "xoxb-from-file", cfg.Slack.BotToken)
	assert.Equal(t, "xapp-env", cfg.Slack.AppToken, "keys absent from the file keep env defaults")
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-x", cfg.LLM.Anthropic.Model)
	assert.Empty(t, cfg.LLM.Anthropic.APIKey, "unset $VAR references resolve to empty")

	timeout, err := cfg.LLMTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	setBaseEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownProviderAndTimeout(t *testing.T) {
	cfg := &Config{Slack: SlackConfig{BotToken: "b", AppToken: "a"}, LLM: LLMConfig{Provider: "gpt"}}
	assert.ErrorContains(t, cfg.Validate(), "unknown llm provider")

	cfg.LLM.Provider = "gemini"
	cfg.LLM.Timeout = "soon"
	assert.Error(t, cfg.Validate())
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	cfg := &Config{
		Slack: SlackConfig{BotToken: "xoxb-secret", AppToken: "xapp-secret"},
		LLM:   LLMConfig{Provider: "gemini", Gemini: GeminiConfig{APIKey: "gem-secret"}},
	}

	var buf strings.Builder
	slog.New(slog.NewTextHandler(&buf, nil)).Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "slack_bot_token=set")
	assert.Contains(t, out, "anthropic_api_key=unset")
}

func TestLLMTimeout_DefaultsToNone(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	timeout, err := cfg.LLMTimeout()
	require.NoError(t, err)
	assert.Zero(t, timeout, "no deadline unless one is configured")

	t.Setenv("SPP_LLM_TIMEOUT", "15s")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	timeout, err = cfg.LLMTimeout()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, timeout)
}
