package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		URL               string `yaml:"url"`
		BookInterval      string `yaml:"book_interval"`
		RequestTimeoutMs  int    `yaml:"request_timeout_ms"`
		SnapshotTimeoutMs int    `yaml:"snapshot_timeout_ms"`
		HeartbeatSeconds  int    `yaml:"heartbeat_seconds"` // 0 disables exchange heartbeats
	} `yaml:"exchange"`
	Transport struct {
		HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
		WriteTimeoutSeconds     int `yaml:"write_timeout_seconds"`
		PingIntervalSeconds     int `yaml:"ping_interval_seconds"`
		SendQueue               int `yaml:"send_queue"`
	} `yaml:"transport"`
	Auth struct {
		Mode string `yaml:"mode"` // signature or secret
		// Credentials are only read from the environment.
		ClientID     string `yaml:"-"`
		ClientSecret string `yaml:"-"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func Default() Config {
	var c Config
	c.Exchange.URL = "wss://test.deribit.com/ws/api/v2"
	c.Exchange.BookInterval = "100ms"
	c.Exchange.RequestTimeoutMs = 10000
	c.Exchange.SnapshotTimeoutMs = 5000
	c.Exchange.HeartbeatSeconds = 30
	c.Transport.HandshakeTimeoutSeconds = 10
	c.Transport.WriteTimeoutSeconds = 10
	c.Transport.PingIntervalSeconds = 15
	c.Transport.SendQueue = 256
	c.Auth.Mode = "signature"
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Metrics.Addr = ":9100"
	return c
}

// Load builds the configuration from defaults, the YAML file named by
// HUGIN_CONFIG, and HUGIN_* environment variables, which may also come from
// the .env file at envPath (or ./.env when empty). Variables already set in
// the environment win over .env.
func Load(envPath string) (Config, error) {
	c := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("HUGIN_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv("HUGIN_URL"); v != "" {
		c.Exchange.URL = v
	}
	if v := os.Getenv("HUGIN_BOOK_INTERVAL"); v != "" {
		c.Exchange.BookInterval = v
	}
	for name, dst := range map[string]*int{
		"HUGIN_REQUEST_TIMEOUT_MS":  &c.Exchange.RequestTimeoutMs,
		"HUGIN_SNAPSHOT_TIMEOUT_MS": &c.Exchange.SnapshotTimeoutMs,
		"HUGIN_HEARTBEAT_SECONDS":   &c.Exchange.HeartbeatSeconds,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = n
	}
	if v := os.Getenv("HUGIN_AUTH_MODE"); v != "" {
		c.Auth.Mode = v
	}
	c.Auth.ClientID = os.Getenv("HUGIN_CLIENT_ID")
	c.Auth.ClientSecret = os.Getenv("HUGIN_CLIENT_SECRET")
	if v := os.Getenv("HUGIN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HUGIN_LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := os.Getenv("HUGIN_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	u, err := url.Parse(c.Exchange.URL)
	if err != nil {
		return fmt.Errorf("config: exchange url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: exchange url %q is not a websocket url", c.Exchange.URL)
	}
	if c.Exchange.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: request timeout must be positive")
	}
	if c.Exchange.SnapshotTimeoutMs <= 0 {
		return fmt.Errorf("config: snapshot timeout must be positive")
	}
	if c.Exchange.HeartbeatSeconds != 0 && c.Exchange.HeartbeatSeconds < 10 {
		return fmt.Errorf("config: heartbeat interval must be at least 10 seconds")
	}
	switch c.Auth.Mode {
	case "", "signature", "secret":
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Exchange.RequestTimeoutMs) * time.Millisecond
}

func (c Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.Exchange.SnapshotTimeoutMs) * time.Millisecond
}

func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Exchange.HeartbeatSeconds) * time.Second
}

func (c Config) HasCredentials() bool {
	return c.Auth.ClientID != "" && c.Auth.ClientSecret != ""
}
