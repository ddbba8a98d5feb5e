package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/codefionn/mcpserver/internal/logger"
	"github.com/codefionn/mcpserver/internal/securemem"
)

// DefaultToken is the insecure placeholder used when no token is configured.
const DefaultToken = "changeme"

// Environment variables read by ApplyEnv.
const (
	EnvProjectRoot = "PROJECT_ROOT"
	EnvAPIToken    = "API_TOKEN"
	EnvListenAddr  = "MCP_LISTEN_ADDR"
	EnvLogLevel    = "MCP_LOG_LEVEL"
	EnvLogPath     = "MCP_LOG_PATH"
)

// Duration is a time.Duration read from JSON as a Go duration string
// ("30s") or as a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SandboxConfig controls the process-wide Landlock restriction.
type SandboxConfig struct {
	Landlock   bool `json:"landlock"`
	BestEffort bool `json:"best_effort"`
}

// Config represents server configuration
type Config struct {
	ListenAddr      string        `json:"listen_addr"`
	ProjectRoot     string        `json:"project_root"`
	APIToken        string        `json:"api_token,omitempty"`
	LogLevel        string        `json:"log_level"` // debug, info, warn, error, none
	LogPath         string        `json:"log_path"`  // "-" for stderr
	CommandTimeout  Duration      `json:"command_timeout"`
	MaxMessageSize  int64         `json:"max_message_size"`
	MaxInFlight     int64         `json:"max_inflight"`
	SendQueueSize   int           `json:"send_queue_size"`
	PendingWriteTTL Duration      `json:"pending_write_ttl"`
	WatchFiles      bool          `json:"watch_files"`
	PidFile         string        `json:"pid_file,omitempty"`
	Pprof           bool          `json:"pprof"`
	Sandbox         SandboxConfig `json:"sandbox"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}

	return &Config{
		ListenAddr:      "localhost:8000",
		ProjectRoot:     root,
		APIToken:        DefaultToken,
		LogLevel:        "info",
		LogPath:         logger.StderrPath,
		CommandTimeout:  Duration(30 * time.Second),
		MaxMessageSize:  16 << 20,
		MaxInFlight:     64,
		SendQueueSize:   256,
		PendingWriteTTL: Duration(5 * time.Minute),
		WatchFiles:      true,
		Sandbox: SandboxConfig{
			Landlock:   false,
			BestEffort: true,
		},
	}
}

// Load loads configuration from a JSON file that may contain comments and
// trailing commas. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(jsonc.ToJSON(data), config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvProjectRoot); ok && v != "" {
		c.ProjectRoot = v
	}
	if v, ok := os.LookupEnv(EnvAPIToken); ok && v != "" {
		c.APIToken = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvLogPath); ok {
		c.LogPath = v
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true, "none": true, "off": true,
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.ProjectRoot == "" {
		errs = append(errs, errors.New("project_root must not be empty"))
	} else if info, err := os.Stat(c.ProjectRoot); err != nil {
		errs = append(errs, fmt.Errorf("project_root: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("project_root %s is not a directory", c.ProjectRoot))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("api_token must not be empty"))
	}
	if !validLogLevels[strings.ToLower(strings.TrimSpace(c.LogLevel))] {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.CommandTimeout < 0 {
		errs = append(errs, errors.New("command_timeout must not be negative"))
	}
	if c.PendingWriteTTL < 0 {
		errs = append(errs, errors.New("pending_write_ttl must not be negative"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max_message_size must be positive"))
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, errors.New("max_inflight must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("send_queue_size must be positive"))
	}

	return errors.Join(errs...)
}

// UsesDefaultToken reports whether the insecure placeholder token is active.
func (c *Config) UsesDefaultToken() bool {
	return c.APIToken == DefaultToken
}

// TakeToken moves the API token into locked memory and clears it from the
// config.
func (c *Config) TakeToken() *securemem.String {
	token := securemem.NewString(c.APIToken)
	c.APIToken = ""
	return token
}

// String renders the configuration without the token.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s root=%s log_level=%s log_path=%s command_timeout=%s max_inflight=%d watch=%t landlock=%t",
		c.ListenAddr, c.ProjectRoot, c.LogLevel, c.LogPath, c.CommandTimeout.Std(),
		c.MaxInFlight, c.WatchFiles, c.Sandbox.Landlock)
}
