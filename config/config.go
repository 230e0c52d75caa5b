package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr             string `yaml:"addr"`
	DBPath           string `yaml:"db_path"`
	ReadTimeout      int    `yaml:"read_timeout"`      // seconds
	WriteTimeout     int    `yaml:"write_timeout"`     // seconds
	PingInterval     int    `yaml:"ping_interval"`     // seconds
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds

	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // seconds

	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MaxUploadFiles int    `yaml:"max_upload_files"`

	// AllowedOrigins lists browser origins accepted on the websocket
	// handshake besides the server's own; "*" accepts any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Pairs lists the fixed conversations as "alice:bob".
	Pairs []string `yaml:"pairs"`

	RedisURL string `yaml:"redis_url"`
	RedisDB  int    `yaml:"redis_db"`

	SendRPS    float64 `yaml:"send_rps"`
	SendBurst  int     `yaml:"send_burst"`
	LoginRPS   float64 `yaml:"login_rps"`
	LoginBurst int     `yaml:"login_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ControlSocket string `yaml:"control_socket"`
}

func Default() *Config {
	return &Config{
		Addr:             ":3000",
		DBPath:           "duochat.db",
		ReadTimeout:      60,
		WriteTimeout:     10,
		PingInterval:     25,
		HandshakeTimeout: 10,
		TokenTTL:         24 * 60 * 60,
		UploadDir:        "uploads",
		MaxUploadBytes:   10 * 1024 * 1024,
		MaxUploadFiles:   5,
		Pairs:            []string{"abid:sara"},
		SendRPS:          5,
		SendBurst:        10,
		LoginRPS:         1,
		LoginBurst:       5,
		LogLevel:         "info",
		LogFormat:        "json",
		ControlSocket:    "/tmp/duochat.sock",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// DUOCHAT_CONFIG, then environment variables (a .env file is loaded first
// when present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("DUOCHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DUOCHAT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("DUOCHAT_DB_PATH"); v != "" {
		c.DBPath = v
	}
	envInt("DUOCHAT_READ_TIMEOUT", &c.ReadTimeout)
	envInt("DUOCHAT_WRITE_TIMEOUT", &c.WriteTimeout)
	envInt("DUOCHAT_PING_INTERVAL", &c.PingInterval)
	envInt("DUOCHAT_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)

	if v := os.Getenv("DUOCHAT_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	envInt("DUOCHAT_TOKEN_TTL", &c.TokenTTL)

	if v := os.Getenv("DUOCHAT_UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := os.Getenv("DUOCHAT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxUploadBytes = n
		}
	}
	envInt("DUOCHAT_MAX_UPLOAD_FILES", &c.MaxUploadFiles)

	if v := os.Getenv("DUOCHAT_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DUOCHAT_PAIRS"); v != "" {
		c.Pairs = splitList(v)
	}

	if v := os.Getenv("DUOCHAT_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	envInt("DUOCHAT_REDIS_DB", &c.RedisDB)

	envFloat("DUOCHAT_SEND_RPS", &c.SendRPS)
	envInt("DUOCHAT_SEND_BURST", &c.SendBurst)
	envFloat("DUOCHAT_LOGIN_RPS", &c.LoginRPS)
	envInt("DUOCHAT_LOGIN_BURST", &c.LoginBurst)

	if v := os.Getenv("DUOCHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DUOCHAT_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("DUOCHAT_CONTROL_SOCKET"); v != "" {
		c.ControlSocket = v
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required (set DUOCHAT_JWT_SECRET)")
	}
	for _, p := range c.Pairs {
		a, b, ok := strings.Cut(p, ":")
		if !ok || strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
			return fmt.Errorf("config: invalid pair %q, want \"alice:bob\"", p)
		}
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("config: ping_interval must be shorter than read_timeout")
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
