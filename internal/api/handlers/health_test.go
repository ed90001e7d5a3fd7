package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestReadyz_NilPoolIsUnhealthy(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "0.1.0", "test-commit")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	checker.Readyz().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response HealthCheck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.False(t, response.OK)
	assert.Equal(t, "unhealthy", response.Status)
	assert.Equal(t, "fail", response.Checks["database"].Status)
	assert.Equal(t, "warn", response.Checks["job_queue"].Status)
}

func TestReadyz_CancelledRequestReportsShutdown(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "0.1.0", "test-commit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	checker.Readyz().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shutting_down")
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckResult
		status string
		code   int
	}{
		{"all pass", map[string]CheckResult{"db": {Status: "pass"}, "queue": {Status: "pass"}}, "healthy", http.StatusOK},
		{"one warn", map[string]CheckResult{"db": {Status: "pass"}, "queue": {Status: "warn"}}, "degraded", http.StatusOK},
		{"one fail", map[string]CheckResult{"db": {Status: "fail"}, "queue": {Status: "pass"}}, "unhealthy", http.StatusServiceUnavailable},
		{"warn and fail", map[string]CheckResult{"db": {Status: "warn"}, "queue": {Status: "fail"}}, "unhealthy", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := overallStatus(tt.checks)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	Healthz().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.OK)
	assert.Equal(t, "ok", response.Status)
}

func TestReadyz_MigrationStates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	pool, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT PRIMARY KEY, dirty BOOLEAN NOT NULL)`)
	require.NoError(t, err)

	checker := NewHealthChecker(pool, nil, "0.1.0", "abc123")

	tests := []struct {
		name   string
		dirty  bool
		status string
		code   int
	}{
		{name: "clean", dirty: false, status: "pass", code: http.StatusOK},
		{name: "dirty", dirty: true, status: "fail", code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pool.Exec(ctx, `
				INSERT INTO schema_migrations (version, dirty) VALUES (1, $1)
				ON CONFLICT (version) DO UPDATE SET dirty = EXCLUDED.dirty`, tt.dirty)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			checker.Readyz().ServeHTTP(w, req)

			var response HealthCheck
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "pass", response.Checks["database"].Status)
			assert.Equal(t, tt.status, response.Checks["migrations"].Status)
			assert.Equal(t, "abc123", response.GitCommit)

			_, err = time.Parse(time.RFC3339, response.Timestamp)
			assert.NoError(t, err)
		})
	}
}

// setupTestDB prefers DATABASE_URL and falls back to a throwaway container.
func setupTestDB(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err == nil && pool.Ping(ctx) == nil {
			return pool, func() { pool.Close() }
		}
		t.Logf("DATABASE_URL set but connection failed, using testcontainer")
	}

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("casafeed_test"),
		tcpostgres.WithUsername("casafeed"),
		tcpostgres.WithPassword("casafeed_dev"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	return pool, func() {
		pool.Close()
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}
}
