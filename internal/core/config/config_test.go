package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"), nil)
	require.NoError(t, err)

	assert.Equal(t, "app", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "app:dev", cfg.Image)
	assert.Equal(t, "debian:bookworm-slim", cfg.BaseImage)
	assert.Equal(t, "/app", cfg.MountPath)
	assert.Equal(t, 50, cfg.StatusTail)
}

func TestLoad_EnvFileOverridesDefaults(t *testing.T) {
	path := writeEnvFile(t, "SERVICE_NAME=webshop\nSERVICE_PORT=3000\nBUILD_COMMAND=make build\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "webshop", cfg.ServiceName)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "make build", cfg.BuildCommand)
	assert.Equal(t, "webshop:dev", cfg.Image)
	assert.Equal(t, "webshop-build", cfg.BuildContainerName())
}

func TestLoad_CallerOverridesWin(t *testing.T) {
	path := writeEnvFile(t, "SERVICE_NAME=webshop\nSERVICE_PORT=3000\n")

	cfg, err := Load(path, []string{"SERVICE_PORT=4000", "IMAGE=webshop:test"})
	require.NoError(t, err)

	assert.Equal(t, "webshop", cfg.ServiceName)
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "webshop:test", cfg.Image)
}

func TestLoad_InvalidOverride(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"), []string{"NOEQUALS"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "NOEQUALS")
}

func TestConfig_HealthDefaultsToPortProbe(t *testing.T) {
	cfg := &Config{Port: 9090}
	assert.Contains(t, cfg.Health(), "9090")

	cfg.HealthCommand = "pg_isready"
	assert.Equal(t, "pg_isready", cfg.Health())
}

func TestConfig_URL(t *testing.T) {
	cfg := &Config{Port: 3000}
	assert.Equal(t, "http://localhost:3000", cfg.URL())
}

// =============================================================================
// ServiceEnv Tests
// =============================================================================

func TestServiceEnv_ReadsPairs(t *testing.T) {
	path := writeEnvFile(t, "SERVICE_NAME=webshop\nDATABASE_URL=postgres://localhost/dev\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	env, err := cfg.ServiceEnv()
	require.NoError(t, err)
	assert.Equal(t, "webshop", env["SERVICE_NAME"])
	assert.Equal(t, "postgres://localhost/dev", env["DATABASE_URL"])
}

func TestServiceEnv_MissingFileIsEmpty(t *testing.T) {
	cfg := &Config{EnvFile: filepath.Join(t.TempDir(), "absent.env")}

	env, err := cfg.ServiceEnv()
	require.NoError(t, err)
	assert.Empty(t, env)
}

// =============================================================================
// Template Tests
// =============================================================================

func TestWriteTemplate_SeedsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	created, err := WriteTemplate(path)
	require.NoError(t, err)
	assert.True(t, created)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "SERVICE_NAME=")
}

func TestWriteTemplate_KeepsExistingFile(t *testing.T) {
	path := writeEnvFile(t, "SERVICE_NAME=keepme\n")

	created, err := WriteTemplate(path)
	require.NoError(t, err)
	assert.False(t, created)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SERVICE_NAME=keepme\n", string(content))
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		cfg := &Config{LogLevel: level, LogFormat: "text"}
		assert.NotNil(t, SetupLogger(cfg))
	}
	cfg := &Config{LogLevel: "info", LogFormat: "json"}
	assert.NotNil(t, SetupLogger(cfg))
}
