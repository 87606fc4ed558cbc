package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fileferry/ferry/internal/upload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ferry"
	DefaultConfigFile = "config.toml"

	DefaultListen      = ":8080"
	DefaultNATSSubject = "ferry.upload"

	envPrefix = "FERRY"
)

// Config holds the receiver and sender configuration
type Config struct {
	Listen            string
	DestinationDir    string
	Destinations      map[string]string
	MaxFileSize       int64
	Accepts           []string
	ChunkSize         int
	TransmissionDelay time.Duration
	Overwrite         bool
	Resume            bool
	BufferMode        string
	FlushThreshold    int
	MaxBufferSize     int
	IdleTimeout       time.Duration
	AuthSecret        string
	NATSURL           string
	NATSSubject       string
	CORSOrigins       []string
	LogLevel          string
	LogFormat         string
	TelemetryEnabled  *bool // Pointer to distinguish between unset (nil) and explicitly set (true/false)
}

// ValidUserFacingConfigKeys lists config keys settable with 'ferry config set'
var ValidUserFacingConfigKeys = map[string]bool{
	"listen":            true,
	"destination":       true,
	"maxfilesize":       true,
	"accepts":           true,
	"chunksize":         true,
	"transmissiondelay": true,
	"overwrite":         true,
	"resume":            true,
	"buffermode":        true,
	"flushthreshold":    true,
	"maxbuffersize":     true,
	"idletimeout":       true,
	"authsecret":        true,
	"natsurl":           true,
	"natssubject":       true,
	"corsorigins":       true,
	"loglevel":          true,
	"logformat":         true,
	"telemetry":         true,
}

// IsValidUserFacingKey checks if a config key is a recognized user-facing key
func IsValidUserFacingKey(key string) bool {
	return ValidUserFacingConfigKeys[key]
}

// GetConfigKeyDescription returns a description for a config key
func GetConfigKeyDescription(key string) string {
	descriptions := map[string]string{
		"listen":            "Address the receiver listens on (default: :8080)",
		"destination":       "Directory every upload is written to",
		"destinations":      "Table of destination key -> directory (edit the file directly)",
		"maxfilesize":       "Largest accepted file in bytes (0 = unlimited)",
		"accepts":           "Comma-separated MIME types or patterns, e.g. image/*,application/pdf",
		"chunksize":         "Bytes per chunk the sender should use (default: 10240)",
		"transmissiondelay": "Pause before granting each chunk, e.g. 25ms (default: 0)",
		"overwrite":         "Replace existing files instead of skipping them (true/false)",
		"resume":            "Append to partial files instead of starting over (true/false)",
		"buffermode":        "direct or batch (default: direct)",
		"flushthreshold":    "Batch mode flush size in bytes (default: 10 MiB)",
		"maxbuffersize":     "Per-session in-memory cap in bytes (default: 32 MiB)",
		"idletimeout":       "Fail sessions idle this long, e.g. 5m (default: 5m)",
		"authsecret":        "HMAC secret for upload tokens; empty disables auth",
		"natsurl":           "NATS server to publish upload events to; empty disables",
		"natssubject":       "Subject prefix for upload events (default: ferry.upload)",
		"corsorigins":       "Comma-separated origins allowed to open the websocket",
		"loglevel":          "Logging level (debug/info/warn/error, default: info)",
		"logformat":         "Receiver log format (text/json, default: text)",
		"telemetry":         "Enable error telemetry and crash reporting (true/false, default: true)",
	}
	return descriptions[key]
}

// GetUserFacingKeys returns the settable keys in a stable order
func GetUserFacingKeys() []string {
	keys := make([]string, 0, len(ValidUserFacingConfigKeys))
	for key := range ValidUserFacingConfigKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func setDefaults() {
	viper.SetDefault("listen", DefaultListen)
	viper.SetDefault("maxfilesize", 0)
	viper.SetDefault("chunksize", upload.DefaultChunkSize)
	viper.SetDefault("transmissiondelay", "0s")
	viper.SetDefault("overwrite", false)
	viper.SetDefault("resume", false)
	viper.SetDefault("buffermode", upload.BufferDirect.String())
	viper.SetDefault("flushthreshold", upload.DefaultFlushThreshold)
	viper.SetDefault("maxbuffersize", upload.DefaultMaxBufferSize)
	viper.SetDefault("idletimeout", upload.DefaultIdleTimeout.String())
	viper.SetDefault("natssubject", DefaultNATSSubject)
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logformat", "text")
}

// Load reads the configuration from ~/.ferry/config.toml, with FERRY_* environment
// variables taking precedence over the file.
func Load() (*Config, error) {
	configPath := getConfigPath()
	viper.SetConfigFile(configPath)
	viper.SetConfigType("toml")

	// Create config file if it doesn't exist
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := ensureConfigDir(); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := viper.WriteConfig(); err != nil {
			return nil, fmt.Errorf("failed to create config file: %w", err)
		}
	}

	setDefaults()
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := &Config{
		Listen:            viper.GetString("listen"),
		DestinationDir:    viper.GetString("destination"),
		Destinations:      viper.GetStringMapString("destinations"),
		MaxFileSize:       viper.GetInt64("maxfilesize"),
		Accepts:           splitList(viper.GetStringSlice("accepts")),
		ChunkSize:         viper.GetInt("chunksize"),
		TransmissionDelay: viper.GetDuration("transmissiondelay"),
		Overwrite:         viper.GetBool("overwrite"),
		Resume:            viper.GetBool("resume"),
		BufferMode:        viper.GetString("buffermode"),
		FlushThreshold:    viper.GetInt("flushthreshold"),
		MaxBufferSize:     viper.GetInt("maxbuffersize"),
		IdleTimeout:       viper.GetDuration("idletimeout"),
		AuthSecret:        viper.GetString("authsecret"),
		NATSURL:           viper.GetString("natsurl"),
		NATSSubject:       viper.GetString("natssubject"),
		CORSOrigins:       splitList(viper.GetStringSlice("corsorigins")),
		LogLevel:          viper.GetString("loglevel"),
		LogFormat:         viper.GetString("logformat"),
	}

	// Handle telemetry setting - use pointer to distinguish unset from false
	if viper.IsSet("telemetry") {
		telemetryEnabled := viper.GetBool("telemetry")
		config.TelemetryEnabled = &telemetryEnabled
	}

	return config, nil
}

// splitList flattens comma-separated entries, as set from the command line or the environment.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Destination returns where uploads land. A destinations table wins over a single directory.
func (c *Config) Destination() (upload.Destination, error) {
	var dest upload.Destination
	switch {
	case len(c.Destinations) > 0:
		dest = upload.Named(c.Destinations)
	case c.DestinationDir != "":
		dest = upload.Single(c.DestinationDir)
	}
	if err := dest.Validate(); err != nil {
		return upload.Destination{}, err
	}
	return dest, nil
}

// TransferSettings returns the settings advertised to senders.
func (c *Config) TransferSettings() upload.TransferSettings {
	return upload.TransferSettings{
		MaxFileSize:       c.MaxFileSize,
		Accepts:           c.Accepts,
		ChunkSize:         c.ChunkSize,
		TransmissionDelay: c.TransmissionDelay,
	}
}

// EngineOptions builds the engine options shared by every connection. Storage and
// notifier are left for the caller to fill in.
func (c *Config) EngineOptions() (upload.Options, error) {
	dest, err := c.Destination()
	if err != nil {
		return upload.Options{}, err
	}

	mode, err := upload.ParseBufferMode(c.BufferMode)
	if err != nil {
		return upload.Options{}, &upload.Error{Kind: upload.KindConfiguration, Err: err}
	}

	return upload.Options{
		Destination:    dest,
		Settings:       c.TransferSettings(),
		Overwrite:      c.Overwrite,
		Resume:         c.Resume,
		BufferMode:     mode,
		FlushThreshold: c.FlushThreshold,
		MaxBufferSize:  c.MaxBufferSize,
		IdleTimeout:    c.IdleTimeout,
	}, nil
}

// IsTelemetryEnabled returns whether telemetry is enabled.
// Returns true by default if not explicitly set (opt-out model).
func (c *Config) IsTelemetryEnabled() bool {
	// Check environment variable first (highest priority)
	if envVal := os.Getenv("FERRY_TELEMETRY_DISABLED"); envVal != "" {
		return envVal != "true" && envVal != "1"
	}

	if c.TelemetryEnabled != nil {
		return *c.TelemetryEnabled
	}

	return true
}

// Set stores a single user-facing key and writes the config file
func Set(key, value string) error {
	if !IsValidUserFacingKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}

	switch key {
	case "accepts", "corsorigins":
		viper.Set(key, splitList([]string{value}))
	default:
		viper.Set(key, value)
	}

	if err := viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns the effective value of key, including defaults and environment overrides
func Get(key string) any {
	return viper.Get(key)
}

// Path returns the config file in use
func Path() string {
	return getConfigPath()
}

// getConfigPath returns the full path to the config file
func getConfigPath() string {
	if path := os.Getenv("FERRY_CONFIG_PATH"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback
		return filepath.Join(".", DefaultConfigDir, DefaultConfigFile)
	}

	return filepath.Join(homeDir, DefaultConfigDir, DefaultConfigFile)
}

// Context key for storing config
type contextKey string

const configContextKey contextKey = "config"

// GetConfigFromContext retrieves the config from the command context
func GetConfigFromContext(cmd *cobra.Command) (*Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, fmt.Errorf("no context available")
	}

	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("config not found in context")
	}

	return cfg, nil
}

// GetContextKey returns the context key used for storing config
func GetContextKey() interface{} {
	return configContextKey
}

// ensureConfigDir ensures the config directory exists
func ensureConfigDir() error {
	configDir := filepath.Dir(getConfigPath())
	return os.MkdirAll(configDir, 0755) //nolint:gosec // Config directory needs standard permissions
}

// GetLogLevel returns the configured log level as slog.Level
// Defaults to Info if not set or invalid
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
