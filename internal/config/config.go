package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAPIHosts        = "http://127.0.0.1:8000"
	defaultPollInterval    = 3 * time.Second
	defaultJournalPath     = "~/.vmdeck/journal.db"
	defaultJournalKeep     = 1000
	defaultLogFile         = "~/.vmdeck/vmdeck.log"
	defaultTokenFile       = "~/.vmdeck/id_token"
	defaultDisplayBind     = "127.0.0.1:5930"
	defaultDeclaredMemory  = 65536
	defaultDeclaredVCPUs   = 32
	defaultLogLevel        = "info"
	envConfigPath          = "VMDECK_CONFIG"
	endpointListSeparators = ", "
)

// Config captures everything a vmdeck session needs to reach the backend and
// keep its local state.
type Config struct {
	// Endpoints is the ordered list of candidate backend base URLs.
	Endpoints []string `yaml:"endpoints"`

	// PollInterval is the fixed reconciliation period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RequestTimeout bounds a single HTTP call. Zero leaves the transport
	// default in place (no deadline).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// JournalPath is the SQLite action journal. Empty disables the journal.
	JournalPath string `yaml:"journal_path"`

	// JournalKeepPerVM caps how many entries the journal retains for each
	// VM. Zero keeps everything.
	JournalKeepPerVM int `yaml:"journal_keep_per_vm"`

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string `yaml:"metrics_listen"`

	// DisplayHost overrides the host used for remote-display sessions. When
	// empty the first endpoint's hostname is used.
	DisplayHost string `yaml:"display_host"`
	DisplayBind string `yaml:"display_bind"`

	IDToken   string   `yaml:"id_token"`
	TokenFile string   `yaml:"token_file"`
	Roles     []string `yaml:"roles"`

	DeclaredMaxMemoryMB int `yaml:"declared_max_memory_mb"`
	DeclaredMaxVCPUs    int `yaml:"declared_max_vcpus"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() Config {
	return Config{
		Endpoints:           splitList(defaultAPIHosts),
		PollInterval:        defaultPollInterval,
		JournalPath:         ExpandPath(defaultJournalPath),
		JournalKeepPerVM:    defaultJournalKeep,
		DisplayBind:         defaultDisplayBind,
		TokenFile:           ExpandPath(defaultTokenFile),
		DeclaredMaxMemoryMB: defaultDeclaredMemory,
		DeclaredMaxVCPUs:    defaultDeclaredVCPUs,
		LogLevel:            defaultLogLevel,
		LogFile:             ExpandPath(defaultLogFile),
	}
}

// Load reads the optional YAML file at path (or $VMDECK_CONFIG when path is
// empty), then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(envConfigPath)
	}
	if path = ExpandPath(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables only.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if hosts := getenv("VMDECK_API_HOSTS", ""); hosts != "" {
		cfg.Endpoints = splitList(hosts)
	}
	var err error
	if cfg.PollInterval, err = getenvDuration("VMDECK_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return err
	}
	if cfg.RequestTimeout, err = getenvDuration("VMDECK_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return err
	}
	if cfg.DeclaredMaxMemoryMB, err = getenvInt("VMDECK_MAX_MEMORY_MB", cfg.DeclaredMaxMemoryMB); err != nil {
		return err
	}
	if cfg.DeclaredMaxVCPUs, err = getenvInt("VMDECK_MAX_VCPUS", cfg.DeclaredMaxVCPUs); err != nil {
		return err
	}
	if cfg.JournalKeepPerVM, err = getenvInt("VMDECK_JOURNAL_KEEP", cfg.JournalKeepPerVM); err != nil {
		return err
	}
	if _, ok := os.LookupEnv("VMDECK_JOURNAL_PATH"); ok {
		cfg.JournalPath = strings.TrimSpace(os.Getenv("VMDECK_JOURNAL_PATH"))
	}
	if roles := getenv("VMDECK_ROLES", ""); roles != "" {
		cfg.Roles = splitList(roles)
	}
	cfg.JournalPath = ExpandPath(cfg.JournalPath)
	cfg.MetricsListen = getenv("VMDECK_METRICS_LISTEN", cfg.MetricsListen)
	cfg.DisplayHost = getenv("VMDECK_DISPLAY_HOST", cfg.DisplayHost)
	cfg.DisplayBind = getenv("VMDECK_DISPLAY_BIND", cfg.DisplayBind)
	cfg.IDToken = getenv("VMDECK_ID_TOKEN", cfg.IDToken)
	cfg.TokenFile = ExpandPath(getenv("VMDECK_TOKEN_FILE", cfg.TokenFile))
	cfg.LogLevel = getenv("VMDECK_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = ExpandPath(getenv("VMDECK_LOG_FILE", cfg.LogFile))
	return nil
}

// Validate checks that the endpoint list is usable and the numeric settings
// are in range.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: at least one api endpoint required")
	}
	for _, raw := range c.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("config: invalid endpoint %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: endpoint %q must include scheme and host", raw)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %s", c.PollInterval)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must not be negative")
	}
	if c.DeclaredMaxMemoryMB <= 0 || c.DeclaredMaxVCPUs <= 0 {
		return fmt.Errorf("config: declared maximums must be positive")
	}
	if c.JournalKeepPerVM < 0 {
		return fmt.Errorf("config: journal_keep_per_vm must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func getenvInt(key string, fallback int) (int, error) {
	raw := getenv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return strings.ContainsRune(endpointListSeparators, r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ExpandPath resolves a leading "~" to the home directory and cleans path.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
