package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/domainevent-go/health"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoundTrip(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		out, err := run(t, "roundtrip", "--protocol", "memory", "--namespace", "local", "--address", "pings")
		require.NoError(t, err)
		assert.Contains(t, out, "round trip")
	})

	t.Run("scheduled", func(t *testing.T) {
		out, err := run(t, "roundtrip", "--protocol", "memory", "--namespace", "local", "--address", "pings", "--delay", "100ms")
		require.NoError(t, err)
		assert.Contains(t, out, "round trip")
	})

	t.Run("settings from the environment", func(t *testing.T) {
		t.Setenv("DOMAINEVENT_PUBLISHER_PROTOCOL", "memory")
		t.Setenv("DOMAINEVENT_PUBLISHER_NAMESPACE", "local")
		t.Setenv("DOMAINEVENT_PUBLISHER_ADDRESS", "pings")
		t.Setenv("DOMAINEVENT_RECEIVER_PROTOCOL", "memory")
		t.Setenv("DOMAINEVENT_RECEIVER_NAMESPACE", "local")
		t.Setenv("DOMAINEVENT_RECEIVER_ADDRESS", "pings")

		_, err := run(t, "roundtrip")
		require.NoError(t, err)
	})
}

func TestSend(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		out, err := run(t, "send", "hello", "--protocol", "memory", "--namespace", "local", "--address", "pings", "--correlation-id", "c-1")
		require.NoError(t, err)
		assert.Contains(t, out, "to pings (correlation id c-1)")
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := run(t, "schedule", "--protocol", "memory", "--address", "pings")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "namespace is required")
	})

	t.Run("unknown config format", func(t *testing.T) {
		_, err := run(t, "send", "--config", "settings.ini")
		assert.Error(t, err)
	})
}

func TestPingTypeName(t *testing.T) {
	assert.Equal(t, "domainevent.ctl.PingEvent", PingEvent{}.EventTypeName())
}

func TestOpsRouter(t *testing.T) {
	registry := health.NewRegistry()
	registry.Register(health.NewCheckerFunc("link", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "link closed"}
	}))
	promRegistry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ping_test_total", Help: "test"})
	promRegistry.MustRegister(counter)
	counter.Inc()

	router := newOpsRouter(registry, promRegistry)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("health reports the failing check", func(t *testing.T) {
		rec := get("/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "link closed")
	})

	t.Run("ready follows health", func(t *testing.T) {
		assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)
	})

	t.Run("live always answers", func(t *testing.T) {
		rec := get("/live")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})

	t.Run("metrics exposes the registry", func(t *testing.T) {
		rec := get("/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ping_test_total 1")
	})

	t.Run("unknown paths are not found", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get("/nope").Code)
	})

	t.Run("only GET is routed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/live", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
