package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"gateway/internal/infrastructure/mq"
	"gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `
database:
  driver: sqlite
  dsn: "` + filepath.Join(dir, "gateway.db") + `"
events:
  driver: none
providers:
  sandbox:
    enabled: true
    webhook_secret: sandbox_secret
    status_lookup: true
log:
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCLI_MigrateAndSweepOnce(t *testing.T) {
	path := writeTestConfig(t)

	require.NoError(t, newCLIApp().Run([]string{"gateway", "--config", path, "migrate"}))
	require.NoError(t, newCLIApp().Run([]string{"gateway", "--config", path, "sweep", "--once"}))
}

func TestCLI_BadConfig(t *testing.T) {
	err := newCLIApp().Run([]string{"gateway", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "migrate"})
	assert.Error(t, err)
}

func TestNewApp(t *testing.T) {
	a, err := newApp(writeTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.close)

	require.NoError(t, a.migrate(context.Background()))

	_, ok := a.providers.Get(model.ProviderSandbox)
	assert.True(t, ok)
	assert.Nil(t, a.sweepLocker(), "未启用 Redis 时不加锁")

	producer, err := a.newProducer()
	require.NoError(t, err)
	assert.IsType(t, &mq.LogProducer{}, producer)

	w := httptest.NewRecorder()
	a.newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
