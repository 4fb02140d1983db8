// Package config holds the server and client settings and loads them from
// YAML files.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid value")

// ServerConfig configures rallyd.
type ServerConfig struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
	// Backlog bounds handshakes in progress at once.
	Backlog int `yaml:"backlog"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// DataDir holds the lobby directory. Empty disables persistence.
	DataDir string `yaml:"data_dir"`
	// MetricsAddr serves /metrics and /debug pages. Empty disables them.
	MetricsAddr string `yaml:"metrics_addr"`

	HomeSessionName string `yaml:"home_session_name"`
	LobbyCapacity   int    `yaml:"lobby_capacity"`
}

// ClientConfig configures a client endpoint.
type ClientConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "0.0.0.0",
		Port:            19999,
		MaxClients:      64,
		Backlog:         16,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		HomeSessionName: "home",
		LobbyCapacity:   8,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "127.0.0.1",
		Port:              19999,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    5 * time.Second,
		PingInterval:      time.Second,
		KeepAliveInterval: 5 * time.Second,
	}
}

// HostPort joins address and port.
func (c ServerConfig) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c ClientConfig) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func validPort(p int, allowZero bool) bool {
	if p == 0 {
		return allowZero
	}
	return p > 0 && p <= 0xffff
}

// Validate checks ranges. Port 0 asks the OS for a free port.
func (c ServerConfig) Validate() error {
	switch {
	case !validPort(c.Port, true):
		return errors.Wrapf(ErrInvalid, "port %d", c.Port)
	case c.MaxClients <= 0:
		return errors.Wrapf(ErrInvalid, "max_clients %d", c.MaxClients)
	case c.Backlog <= 0:
		return errors.Wrapf(ErrInvalid, "backlog %d", c.Backlog)
	case c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return errors.Wrap(ErrInvalid, "negative timeout")
	case c.LobbyCapacity <= 0:
		return errors.Wrapf(ErrInvalid, "lobby_capacity %d", c.LobbyCapacity)
	case c.HomeSessionName == "":
		return errors.Wrap(ErrInvalid, "home_session_name is empty")
	}
	return nil
}

func (c ClientConfig) Validate() error {
	switch {
	case c.Address == "":
		return errors.Wrap(ErrInvalid, "address is empty")
	case !validPort(c.Port, false):
		return errors.Wrapf(ErrInvalid, "port %d", c.Port)
	case c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.RequestTimeout < 0:
		return errors.Wrap(ErrInvalid, "negative timeout")
	case c.PingInterval <= 0 || c.KeepAliveInterval <= 0:
		return errors.Wrap(ErrInvalid, "intervals must be positive")
	}
	return nil
}

// LoadServer reads path over the defaults and validates the result.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads path over the defaults and validates the result.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func load(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}
