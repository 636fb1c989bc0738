package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings for the broker. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	DB      DBConfig      `yaml:"db"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Session SessionConfig `yaml:"session"`
	Secrets SecretsConfig `yaml:"secrets"`
	Crypto  CryptoConfig  `yaml:"crypto"`
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	PublicURL string `yaml:"public_url"`
	// SecureCookies disables the Secure cookie attribute for plain-HTTP
	// development setups. Defaults to true.
	SecureCookies *bool `yaml:"secure_cookies"`
}

type DBConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
}

type OIDCConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	// ClientSecret may be left empty, in which case it is read from the
	// secret store under "<prefix>/oidc_secret" at startup.
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type SessionConfig struct {
	// RefreshSkew is the window before access-token expiry within which
	// a refresh is triggered. It doubles as the clock-skew tolerance on
	// expiry comparisons.
	RefreshSkew time.Duration `yaml:"refresh_skew"`
	// RefreshWait bounds how long callers wait on a refresh that is
	// already in flight elsewhere.
	RefreshWait time.Duration `yaml:"refresh_wait"`
	// ProviderTimeout bounds each network call to the identity provider.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PendingTTL      time.Duration `yaml:"pending_ttl"`
}

type SecretsConfig struct {
	SSMPrefix            string        `yaml:"ssm_prefix"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	FetchAttempts        int           `yaml:"fetch_attempts"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	VersionCheckInterval time.Duration `yaml:"version_check_interval"`
}

type CryptoConfig struct {
	// Key is the base64-encoded process encryption key. Never logged.
	Key string `yaml:"key"`
}

// Load reads the config file at path (missing file is fine), applies
// defaults and environment overrides. A .env file is honoured if present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "[config.Load] parse yaml")
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "[config.Load] read file")
	}

	cfg = applyDefaults(cfg)
	cfg = applyEnv(cfg)
	return cfg, nil
}

// EncryptionKey decodes the configured key material.
func (c Config) EncryptionKey() ([]byte, error) {
	if c.Crypto.Key == "" {
		return nil, errors.New("[config.EncryptionKey] crypto.key not set")
	}
	key, err := base64.StdEncoding.DecodeString(c.Crypto.Key)
	if err != nil {
		return nil, errors.New("[config.EncryptionKey] crypto.key is not valid base64")
	}
	return key, nil
}

// CookiesSecure reports whether cookies carry the Secure attribute.
func (c Config) CookiesSecure() bool {
	if c.HTTP.SecureCookies == nil {
		return true
	}
	return *c.HTTP.SecureCookies
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.PublicURL == "" {
		cfg.HTTP.PublicURL = "http://localhost:8080"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 5
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 2
	}
	if cfg.DB.MaxIdleTime == 0 {
		cfg.DB.MaxIdleTime = 15 * time.Minute
	}
	if len(cfg.OIDC.Scopes) == 0 {
		cfg.OIDC.Scopes = []string{"openid", "email", "profile"}
	}
	if cfg.Session.RefreshSkew == 0 {
		cfg.Session.RefreshSkew = time.Minute
	}
	if cfg.Session.RefreshWait == 0 {
		cfg.Session.RefreshWait = 5 * time.Second
	}
	if cfg.Session.ProviderTimeout == 0 {
		cfg.Session.ProviderTimeout = 10 * time.Second
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 24 * time.Hour
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = time.Minute
	}
	if cfg.Session.PendingTTL == 0 {
		cfg.Session.PendingTTL = 10 * time.Minute
	}
	if cfg.Secrets.CacheTTL == 0 {
		cfg.Secrets.CacheTTL = 5 * time.Minute
	}
	if cfg.Secrets.FetchAttempts == 0 {
		cfg.Secrets.FetchAttempts = 4
	}
	if cfg.Secrets.FetchTimeout == 0 {
		cfg.Secrets.FetchTimeout = 10 * time.Second
	}
	if cfg.Secrets.VersionCheckInterval == 0 {
		cfg.Secrets.VersionCheckInterval = time.Minute
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if val := os.Getenv("HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv("PORT"); val != "" {
		cfg.HTTP.Addr = ":" + val
	}
	if val := os.Getenv("PUBLIC_URL"); val != "" {
		cfg.HTTP.PublicURL = val
	}
	if val := os.Getenv("SECURE_COOKIES"); val != "" {
		secure := val == "true"
		cfg.HTTP.SecureCookies = &secure
	}
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.DB.DSN = val
	}
	if val := os.Getenv("OIDC_ISSUER_URL"); val != "" {
		cfg.OIDC.IssuerURL = val
	}
	if val := os.Getenv("OIDC_CLIENT_ID"); val != "" {
		cfg.OIDC.ClientID = val
	}
	if val := os.Getenv("OIDC_CLIENT_SECRET"); val != "" {
		cfg.OIDC.ClientSecret = val
	}
	if val := os.Getenv("SSM_PREFIX"); val != "" {
		cfg.Secrets.SSMPrefix = val
	}
	if val := os.Getenv("ENCRYPTION_KEY"); val != "" {
		cfg.Crypto.Key = val
	}
	if val := os.Getenv("REFRESH_SKEW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Session.RefreshSkew = d
		}
	}
	if val := os.Getenv("IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Session.IdleTimeout = d
		}
	}
	if val := os.Getenv("CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Secrets.CacheTTL = d
		}
	}
	if val := os.Getenv("FETCH_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Secrets.FetchAttempts = n
		}
	}
	return cfg
}
