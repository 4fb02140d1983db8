package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rally.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, DefaultServerConfig().Validate())
	assert.NoError(t, DefaultClientConfig().Validate())
}

func TestLoadServerOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
port: 20001
max_clients: 4
read_timeout: 3s
data_dir: /var/lib/rally
`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, 20001, cfg.Port)
	assert.Equal(t, 4, cfg.MaxClients)
	assert.Equal(t, 3*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "/var/lib/rally", cfg.DataDir)
	// untouched keys keep their defaults
	assert.Equal(t, 16, cfg.Backlog)
	assert.Equal(t, "home", cfg.HomeSessionName)
	assert.Equal(t, "0.0.0.0:20001", cfg.HostPort())
}

func TestLoadClient(t *testing.T) {
	path := writeFile(t, "address: game.example\nping_interval: 250ms\n")
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "game.example", cfg.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.PingInterval)
}

func TestValidateRejects(t *testing.T) {
	s := DefaultServerConfig()
	s.Backlog = 0
	assert.True(t, errors.Is(s.Validate(), ErrInvalid))

	s = DefaultServerConfig()
	s.Port = 70000
	assert.True(t, errors.Is(s.Validate(), ErrInvalid))

	c := DefaultClientConfig()
	c.Port = 0
	assert.True(t, errors.Is(c.Validate(), ErrInvalid))
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadServer(writeFile(t, "port: [nope"))
	assert.Error(t, err)

	_, err = LoadServer(writeFile(t, "max_clients: -1"))
	assert.True(t, errors.Is(err, ErrInvalid))
}
