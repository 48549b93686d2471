package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(env(nil))
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, cfg.HeartbeatTimeout, cfg.PresenceGrace)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5000, cfg.MessageMaxBytes)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFrom(env(map[string]string{
		"PORT":              "9000",
		"ALLOWED_ORIGINS":   "https://a.example, ,https://b.example",
		"HEARTBEAT_TIMEOUT": "30s",
		"PRESENCE_GRACE":    "0s",
		"MESSAGE_MAX_BYTES": "200",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Zero(t, cfg.PresenceGrace)
	assert.Equal(t, 200, cfg.MessageMaxBytes)
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	_, err := loadFrom(env(map[string]string{"ENVIRONMENT": "production"}))
	assert.ErrorContains(t, err, "JWT_SECRET")

	_, err = loadFrom(env(map[string]string{"ENVIRONMENT": "production", "JWT_SECRET": "s"}))
	assert.ErrorContains(t, err, "DATABASE_URL")

	cfg, err := loadFrom(env(map[string]string{"ENVIRONMENT": "production", "JWT_SECRET": "s", "DATABASE_URL": "postgres://x"}))
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"port not a number":  {"PORT": "http"},
		"privileged port":    {"PORT": "80"},
		"bad duration":       {"HEARTBEAT_TIMEOUT": "soon"},
		"heartbeat too low":  {"HEARTBEAT_TIMEOUT": "1s"},
		"negative grace":     {"PRESENCE_GRACE": "-1s"},
		"zero request limit": {"REQUEST_TIMEOUT": "0s"},
		"zero message size":  {"MESSAGE_MAX_BYTES": "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadFrom(env(vars))
			assert.Error(t, err)
		})
	}
}
