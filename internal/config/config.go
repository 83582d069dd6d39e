package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Config is the full runtime configuration. Values come from an optional
// JSON5 file overlaid by environment variables; env always wins.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Bearer token required on the proxy endpoints.
	APIPassword string `json:"apiPassword"`
	// Password exchanged for a signed session token on the admin surface.
	PanelPassword string `json:"panelPassword"`

	// Credential rotation cadence: requests served per credential before
	// the pool advances even without a failure.
	CallsPerRotation int `json:"callsPerRotation"`

	// Retry budget for 429 responses on one backend.
	Retry429MaxRetries int           `json:"retry429MaxRetries"`
	Retry429Interval   time.Duration `json:"retry429Interval"`

	// Resume attempts when a stream ends without a finish reason.
	AntiTruncationMaxAttempts int `json:"antiTruncationMaxAttempts"`

	// Outbound proxy routing.
	Proxy             string `json:"proxy"`
	OAuthProxyURL     string `json:"oauthProxyURL"`
	GoogleAPIProxyURL string `json:"googleapisProxyURL"`

	// Auto-disable credentials that repeatedly fail auth.
	AutoBan bool `json:"autoBan"`

	// Lenient request parsing for clients that send near-valid bodies.
	CompatibilityMode bool `json:"compatibilityMode"`

	// Optional persistent state backends.
	MongoDBURI      string `json:"mongodbURI"`
	MongoDBDatabase string `json:"mongodbDatabase"`
	DatabaseDSN     string `json:"databaseDSN"`

	// Local directory for identity files and the sqlite usage database.
	DataDir string `json:"dataDir"`

	// Signature store sizing.
	SignatureMaxEntries int `json:"signatureMaxEntries"`

	// Conversation idle TTL.
	ConversationTTL time.Duration `json:"conversationTTL"`

	Backends     []*domain.Backend         `json:"backends"`
	RoutingRules []domain.ModelRoutingRule `json:"routingRules"`
}

// knownBackends are the env-configurable upstreams. Extra backends can
// only come from the config file.
var knownBackends = []struct {
	key    string
	format domain.ClientType
}{
	{"gemini", domain.ClientTypeGemini},
	{"openai", domain.ClientTypeOpenAI},
	{"anthropic", domain.ClientTypeClaude},
}

// Load builds the configuration. path may be empty; then AGPROXY_CONFIG
// or <dataDir>/config.json5 is consulted if present.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("AGPROXY_CONFIG")
	}
	if path == "" {
		if p := filepath.Join(cfg.DataDir, "config.json5"); fileExists(p) {
			path = p
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:                      "0.0.0.0",
		Port:                      8045,
		CallsPerRotation:          1,
		Retry429MaxRetries:        3,
		Retry429Interval:          2 * time.Second,
		AntiTruncationMaxAttempts: 3,
		AutoBan:                   true,
		DataDir:                   defaultDataDir(),
		SignatureMaxEntries:       10000,
		ConversationTTL:           2 * time.Hour,
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agproxy")
	}
	return ".agproxy"
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json5.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Host, "HOST")
	setInt(&cfg.Port, "PORT")
	setStr(&cfg.APIPassword, "API_PASSWORD")
	setStr(&cfg.PanelPassword, "PANEL_PASSWORD")
	setInt(&cfg.CallsPerRotation, "CALLS_PER_ROTATION")
	setInt(&cfg.Retry429MaxRetries, "RETRY_429_MAX_RETRIES")
	setDurationMS(&cfg.Retry429Interval, "RETRY_429_INTERVAL_MS")
	setInt(&cfg.AntiTruncationMaxAttempts, "ANTI_TRUNCATION_MAX_ATTEMPTS")
	setStr(&cfg.Proxy, "PROXY")
	setStr(&cfg.OAuthProxyURL, "OAUTH_PROXY_URL")
	setStr(&cfg.GoogleAPIProxyURL, "GOOGLEAPIS_PROXY_URL")
	setBool(&cfg.AutoBan, "AUTO_BAN")
	setBool(&cfg.CompatibilityMode, "COMPATIBILITY_MODE")
	setStr(&cfg.MongoDBURI, "MONGODB_URI")
	setStr(&cfg.MongoDBDatabase, "MONGODB_DATABASE")
	setStr(&cfg.DatabaseDSN, "DATABASE_DSN")
	setStr(&cfg.DataDir, "DATA_DIR")
	setInt(&cfg.SignatureMaxEntries, "SIGNATURE_MAX_ENTRIES")

	for _, kb := range knownBackends {
		applyBackendEnv(cfg, kb.key, kb.format)
	}
}

// applyBackendEnv merges <BACKEND>_* env vars into the backend with the
// matching key, creating it when any variable is present.
func applyBackendEnv(cfg *Config, key string, format domain.ClientType) {
	prefix := strings.ToUpper(key) + "_"

	var b *domain.Backend
	for _, existing := range cfg.Backends {
		if existing.Key == key {
			b = existing
			break
		}
	}

	urls := envList(prefix+"BASE_URLS", prefix+"BASE_URL")
	keys := envList(prefix + "API_KEYS")
	if b == nil {
		if len(urls) == 0 {
			return
		}
		b = &domain.Backend{
			Key:           key,
			DisplayName:   key,
			Format:        format,
			Priority:      len(cfg.Backends) + 1,
			Timeout:       60 * time.Second,
			StreamTimeout: 300 * time.Second,
			MaxRetries:    2,
			Enabled:       true,
		}
		cfg.Backends = append(cfg.Backends, b)
	}

	if len(urls) > 0 {
		b.BaseURLs = urls
	}
	if len(keys) > 0 {
		b.APIKeys = keys
	}
	setDurationS(&b.Timeout, prefix+"TIMEOUT")
	setDurationS(&b.StreamTimeout, prefix+"STREAM_TIMEOUT")
	setInt(&b.MaxRetries, prefix+"MAX_RETRIES")
	setBool(&b.Enabled, prefix+"ENABLED")
	if models := envList(prefix + "MODELS"); len(models) > 0 {
		b.Models = models
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrInvalidInput, c.Port)
	}
	if len(c.Backends) == 0 {
		log.Printf("[Config] Warning: no backends configured")
	}
	seen := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Key == "" {
			return fmt.Errorf("%w: backend with empty key", domain.ErrInvalidInput)
		}
		if seen[b.Key] {
			return fmt.Errorf("%w: duplicate backend key %q", domain.ErrInvalidInput, b.Key)
		}
		seen[b.Key] = true
		if len(b.BaseURLs) == 0 {
			return fmt.Errorf("%w: backend %q has no base URL", domain.ErrInvalidInput, b.Key)
		}
	}
	for _, rule := range c.RoutingRules {
		for _, step := range rule.Chain {
			if !seen[step.BackendKey] {
				return fmt.Errorf("%w: routing rule %q references unknown backend %q",
					domain.ErrInvalidInput, rule.ModelPattern, step.BackendKey)
			}
		}
	}
	return nil
}

// BackendByKey returns the backend with the given key, or nil.
func (c *Config) BackendByKey(key string) *domain.Backend {
	for _, b := range c.Backends {
		if b.Key == key {
			return b
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[Config] Ignoring %s=%q: not an integer", key, v)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Printf("[Config] Ignoring %s=%q: not a boolean", key, v)
		}
	}
}

func setDurationS(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		} else {
			log.Printf("[Config] Ignoring %s=%q: not seconds", key, v)
		}
	}
}

func setDurationMS(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		} else {
			log.Printf("[Config] Ignoring %s=%q: not milliseconds", key, v)
		}
	}
}

// envList reads the first non-empty of the given keys and splits on commas.
func envList(keys ...string) []string {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
