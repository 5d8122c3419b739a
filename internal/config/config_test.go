package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultBridgePath, cfg.Bridge.Path)
	assert.Equal(t, DefaultVerificationToken, cfg.Wechat.Token)
	assert.Equal(t, RelayAuthModeSecret, cfg.Relay.AuthMode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[wechat]
app_id = "wx123"
app_secret = "s3cret"
token = "verify-me"
update_menu_on_run = true
default_menu = "menu.yaml"

[relay]
bot_secret = "dl-secret"
auth_mode = "token"

[registry]
driver = "sqlite"

[bridge]
workers = 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wx123", cfg.Wechat.AppID)
	assert.Equal(t, "verify-me", cfg.Wechat.Token)
	assert.True(t, cfg.Wechat.UpdateMenuOnRun)
	assert.Equal(t, RelayAuthModeToken, cfg.Relay.AuthMode)
	assert.Equal(t, RegistryDriverSQLite, cfg.Registry.Driver)
	assert.Equal(t, 8, cfg.Bridge.Workers)
	// untouched sections keep their defaults
	assert.Equal(t, DefaultInboundQueueSize, cfg.Bridge.QueueSize)
	assert.Equal(t, DefaultWechatCustomerURI, cfg.Wechat.CustomerEndpoint)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[registry]\ndriver = \"cassandra\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{Host: "db", Port: 5433, User: "bridge", Password: "p@ss", Database: "sessions", SSLMode: "disable"}
	assert.Equal(t, "postgres://bridge:p%40ss@db:5433/sessions?sslmode=disable", cfg.DSN())
}

func TestTimeoutFallsBackToDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultTimeoutSeconds, int(RelayConfig{}.Timeout().Seconds()))
	assert.Equal(t, 3, int(WechatConfig{TimeoutSeconds: 3}.Timeout().Seconds()))
}
