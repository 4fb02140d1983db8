package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/metrics"
	"github.com/skshohagmiah/rally/internal/server"
)

func TestDebugRouter(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0

	m := metrics.New("rally")
	srv, err := server.New(cfg, server.WithMetrics(m))
	require.NoError(t, err)
	defer srv.Stop()

	_, err = srv.CreateLobby("arena")
	require.NoError(t, err)

	r := debugRouter(srv, m)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["lobbies"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/lobbies", nil))
	assert.Contains(t, rec.Body.String(), `"Name":"arena"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "rally_lobbies"), rec.Body.String())
}
