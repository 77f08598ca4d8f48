package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Proxy    ProxyConfig    `toml:"proxy"`
	Registry RegistryConfig `toml:"registry"`
	Browser  BrowserConfig  `toml:"browser"`
	Session  SessionConfig  `toml:"session"`
	Storage  StorageConfig  `toml:"storage"`
	Batch    BatchConfig    `toml:"batch"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ProxyConfig holds the rotating-proxy credentials. All three fields are
// required; the process refuses to start without them.
type ProxyConfig struct {
	Username string `toml:"username" validate:"required"`
	Password string `toml:"password" validate:"required"`
	Host     string `toml:"host" validate:"required,hostname_port"`
}

// URL returns the proxy URL with embedded credentials.
func (p ProxyConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s", p.Username, p.Password, p.Host)
}

// RegistryConfig identifies the target registry endpoints.
type RegistryConfig struct {
	BaseURL    string `toml:"base_url" validate:"required,url"`
	SearchPath string `toml:"search_path"`
	// IPCheckURL is probed once per new session for egress-IP logging only.
	IPCheckURL string `toml:"ip_check_url" validate:"omitempty,url"`
}

// SearchURL returns the absolute search endpoint URL.
func (r RegistryConfig) SearchURL() string {
	return r.BaseURL + r.SearchPath
}

// AbsoluteURL resolves a server-provided relative path against the base.
func (r RegistryConfig) AbsoluteURL(relative string) string {
	return r.BaseURL + relative
}

// BrowserConfig controls the render sessions used for bootstrap auth and
// modal extraction.
type BrowserConfig struct {
	Headless    bool          `toml:"headless"`
	UserAgent   string        `toml:"user_agent"`
	PageTimeout time.Duration `toml:"page_timeout"`
	SettleDelay time.Duration `toml:"settle_delay"`
	ModalWait   time.Duration `toml:"modal_wait"`
	MaxRetries  int           `toml:"max_retries" validate:"gte=1"`
	RetryDelay  time.Duration `toml:"retry_delay"`
}

// SessionConfig controls the rotating HTTP session and its retry loop.
type SessionConfig struct {
	MaxRequestsPerSession int           `toml:"max_requests_per_session" validate:"gte=1"`
	RequestTimeout        time.Duration `toml:"request_timeout"`
	MaxRetries            int           `toml:"max_retries" validate:"gte=1"`
	RetryDelay            time.Duration `toml:"retry_delay"`
	// RequestsPerSecond paces outbound requests; zero disables pacing.
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"gte=0"`
}

// StorageConfig selects where durable output lands.
type StorageConfig struct {
	// Badger is the durable store directory.
	BadgerPath string `toml:"badger_path" validate:"required"`
	// LocalDir is the local mirror directory for emergency recovery.
	LocalDir string `toml:"local_dir"`
	// Prefix namespaces all store keys (was the S3 key prefix).
	Prefix string `toml:"prefix"`
}

// BatchConfig controls the reconciliation pass itself.
type BatchConfig struct {
	CheckpointEvery int `toml:"checkpoint_every" validate:"gte=1"`
	Workers         int `toml:"workers" validate:"gte=1"`
	// FixStateFromID enables the external-id state cross-check (and the
	// destructive reset on mismatch) in the eligibility pass.
	FixStateFromID bool `toml:"fix_state_from_id"`
}

// LoggingConfig mirrors the arbor writer setup.
type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"`
}

// NewDefaultConfig returns the built-in defaults. Values match the
// behavior of the original collection runs.
func NewDefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			BaseURL:    "https://cna.oab.org.br",
			SearchPath: "/Home/Search",
			IPCheckURL: "https://ip.decodo.com/json",
		},
		Browser: BrowserConfig{
			Headless:    true,
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			PageTimeout: 45 * time.Second,
			SettleDelay: 3 * time.Second,
			ModalWait:   25 * time.Second,
			MaxRetries:  4,
			RetryDelay:  2 * time.Second,
		},
		Session: SessionConfig{
			MaxRequestsPerSession: 100,
			RequestTimeout:        30 * time.Second,
			MaxRetries:            4,
			RetryDelay:            5 * time.Second,
			RequestsPerSecond:     2,
		},
		Storage: StorageConfig{
			BadgerPath: "./data/store",
			LocalDir:   ".",
			Prefix:     "oab_data",
		},
		Batch: BatchConfig{
			CheckpointEvery: 400,
			Workers:         2,
			FixStateFromID:  false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 ->
// file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the assembled configuration. Any failure here is fatal
// at startup, before processing begins.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := isValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// applyEnvOverrides applies CNASCAN_* environment variables. Credentials
// are usually supplied this way rather than through the config file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CNASCAN_PROXY_USERNAME"); v != "" {
		config.Proxy.Username = v
	}
	if v := os.Getenv("CNASCAN_PROXY_PASSWORD"); v != "" {
		config.Proxy.Password = v
	}
	if v := os.Getenv("CNASCAN_PROXY_HOST"); v != "" {
		config.Proxy.Host = v
	}
	if v := os.Getenv("CNASCAN_REGISTRY_BASE_URL"); v != "" {
		config.Registry.BaseURL = v
	}
	if v := os.Getenv("CNASCAN_BADGER_PATH"); v != "" {
		config.Storage.BadgerPath = v
	}
	if v := os.Getenv("CNASCAN_STORE_PREFIX"); v != "" {
		config.Storage.Prefix = v
	}
	if v := os.Getenv("CNASCAN_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CNASCAN_LOG_OUTPUT"); v != "" {
		outputs := []string{}
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if v := os.Getenv("CNASCAN_CHECKPOINT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Batch.CheckpointEvery = n
		}
	}
	if v := os.Getenv("CNASCAN_FIX_STATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Batch.FixStateFromID = b
		}
	}
}
