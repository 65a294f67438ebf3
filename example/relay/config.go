package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/pelletier/go-toml/v2"
)

// Server contains the ServerQuery connection and account settings.
type Server struct {
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ServerID int    `toml:"server_id"`
	Nickname string `toml:"nickname"`
}

// Client contains the query client timings.
type Client struct {
	RequestTimeout Duration `toml:"request_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	KeepAlive      Duration `toml:"keepalive"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

// Relay contains the event stream settings.
type Relay struct {
	Listen     string   `toml:"listen"`
	Kinds      []string `toml:"kinds"`
	BufferSize int      `toml:"buffer_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for ts3relay.
type Config struct {
	Server  Server  `toml:"server"`
	Client  Client  `toml:"client"`
	Relay   Relay   `toml:"relay"`
	Logging Logging `toml:"logging"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

const passwordEnv = "TS3RELAY_PASSWORD"

// Default returns the configuration used for values missing from the file.
func Default() Config {
	return Config{
		Server: Server{
			Address:  fmt.Sprintf("127.0.0.1:%d", ts3query.DefaultPort),
			Username: "serveradmin",
			ServerID: 1,
		},
		Client: Client{
			RequestTimeout: Duration(30 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			KeepAlive:      Duration(2 * time.Minute),
			ReconnectDelay: Duration(time.Second),
		},
		Relay: Relay{
			Listen:     "127.0.0.1:8080",
			BufferSize: 64,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load parses and validates the configuration file at path. A missing file
// yields the defaults.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	exists := false
	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, false, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			exists = true

			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, false, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	return &cfg, exists, nil
}

func (c *Config) normalize() {
	c.Server.Address = strings.TrimSpace(c.Server.Address)
	c.Server.Username = strings.TrimSpace(c.Server.Username)
	if c.Server.Password == "" {
		c.Server.Password = os.Getenv(passwordEnv)
	}

	c.Relay.Listen = strings.TrimSpace(c.Relay.Listen)
	kinds := c.Relay.Kinds[:0]
	for _, k := range c.Relay.Kinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kinds = append(kinds, k)
		}
	}
	c.Relay.Kinds = kinds
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = Default().Relay.BufferSize
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = Default().Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = Default().Logging.Format
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address must not be empty")
	}
	if c.Server.ServerID < 0 {
		return fmt.Errorf("server.server_id must not be negative, got %d", c.Server.ServerID)
	}
	if c.Server.Password != "" && c.Server.Username == "" {
		return errors.New("server.username is required with a password")
	}

	for name, d := range map[string]Duration{
		"client.request_timeout": c.Client.RequestTimeout,
		"client.write_timeout":   c.Client.WriteTimeout,
		"client.keepalive":       c.Client.KeepAlive,
		"client.reconnect_delay": c.Client.ReconnectDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if c.Relay.Listen == "" {
		return errors.New("relay.listen must not be empty")
	}
	if c.Relay.BufferSize < 0 {
		return fmt.Errorf("relay.buffer_size must not be negative, got %d", c.Relay.BufferSize)
	}
	if _, err := c.NotificationTypes(); err != nil {
		return fmt.Errorf("relay.kinds: %w", err)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text or json, got %q", c.Logging.Format)
	}
	return nil
}

// NotificationTypes returns the configured kinds to relay. An empty list
// means every kind.
func (c *Config) NotificationTypes() ([]ts3query.NotificationType, error) {
	if len(c.Relay.Kinds) == 0 {
		return ts3query.NotificationTypes(), nil
	}
	types := make([]ts3query.NotificationType, 0, len(c.Relay.Kinds))
	for _, k := range c.Relay.Kinds {
		t, err := ts3query.ParseNotificationType(k)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
