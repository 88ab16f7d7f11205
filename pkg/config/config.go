package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the cuedelay CLI
type Config struct {
	Offset         time.Duration `mapstructure:"offset"`
	LogLevel       string        `mapstructure:"log_level"`
	SocketPath     string        `mapstructure:"socket_path"`
	Control        bool          `mapstructure:"control"`
	JournalPath    string        `mapstructure:"journal_path"`
	OffsetDebounce time.Duration `mapstructure:"offset_debounce"`
	Quiet          bool          `mapstructure:"quiet"`
	Format         string        `mapstructure:"format"`
}

// Default values
const (
	DefaultSocketPath = "/tmp/cuedelay.sock"
	DefaultLogLevel   = "info"
	DefaultFormat     = "text"

	// MaxOffset bounds the offset in either direction
	MaxOffset = time.Hour
)

// configKeys lists every key in display order
var configKeys = []string{
	"offset", "log_level", "socket_path", "control",
	"journal_path", "offset_debounce", "quiet", "format",
}

// envMappings maps environment variables to config keys
var envMappings = map[string]string{
	"CUEDELAY_OFFSET":          "offset",
	"CUEDELAY_LOG_LEVEL":       "log_level",
	"CUEDELAY_SOCKET_PATH":     "socket_path",
	"CUEDELAY_CONTROL":         "control",
	"CUEDELAY_JOURNAL_PATH":    "journal_path",
	"CUEDELAY_OFFSET_DEBOUNCE": "offset_debounce",
	"CUEDELAY_QUIET":           "quiet",
	"CUEDELAY_FORMAT":          "format",
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// ConfigSource represents where a configuration value came from
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceConfigFile
	SourceEnvironment
	SourceCLIFlag
)

func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceConfigFile:
		return "config file"
	case SourceEnvironment:
		return "environment variable"
	case SourceCLIFlag:
		return "CLI flag"
	default:
		return "unknown"
	}
}

// ConfigDebugInfo holds debugging information about configuration resolution
type ConfigDebugInfo struct {
	Sources map[string]ConfigSource
	Values  map[string]interface{}
}

// LoadFromFile loads configuration from a TOML or YAML file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadWithEnvironment loads configuration with environment variable support
func LoadWithEnvironment() (*Config, error) {
	config, _, err := LoadWithPrecedenceAndExplicitFlags("", nil, nil, false)
	return config, err
}

// LoadWithPrecedenceAndExplicitFlags loads configuration from defaults, an
// optional config file, CUEDELAY_* environment variables and finally the
// flags named in explicitFields, each layer overriding the previous one.
func LoadWithPrecedenceAndExplicitFlags(configFile string, flagConfig *Config, explicitFields map[string]bool, debug bool) (*Config, *ConfigDebugInfo, error) {
	var debugInfo *ConfigDebugInfo
	if debug {
		debugInfo = &ConfigDebugInfo{
			Sources: make(map[string]ConfigSource),
			Values:  make(map[string]interface{}),
		}
	}

	v := viper.New()

	setDefaults(v)
	if debug {
		recordDefaults(debugInfo, v)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, debugInfo, fmt.Errorf("failed to read config file: %w", err)
		}
		if debug {
			recordConfigFile(debugInfo, v)
		}
	}

	v.SetEnvPrefix("CUEDELAY")
	v.AutomaticEnv()
	for envVar, configKey := range envMappings {
		v.BindEnv(configKey, envVar)
	}
	if debug {
		recordEnvironment(debugInfo)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, debugInfo, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flagConfig != nil && explicitFields != nil {
		config = *config.MergeWithExplicitFlags(flagConfig, explicitFields)
		if debug {
			recordExplicitFlags(debugInfo, flagConfig, explicitFields)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, debugInfo, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, debugInfo, nil
}

// LoadWithDefaults returns a configuration with default values
func LoadWithDefaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	v.Unmarshal(&config)
	return &config
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("offset", time.Duration(0))
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("socket_path", DefaultSocketPath)
	v.SetDefault("control", true)
	v.SetDefault("journal_path", "")
	v.SetDefault("offset_debounce", time.Duration(0))
	v.SetDefault("quiet", false)
	v.SetDefault("format", DefaultFormat)
}

// MergeWithExplicitFlags merges configuration with explicitly set flag values
// This version handles zero values correctly by using explicit field setting
func (c *Config) MergeWithExplicitFlags(flags *Config, explicitFields map[string]bool) *Config {
	result := *c

	if explicitFields["offset"] {
		result.Offset = flags.Offset
	}
	if explicitFields["log_level"] {
		result.LogLevel = flags.LogLevel
	}
	if explicitFields["socket_path"] {
		result.SocketPath = flags.SocketPath
	}
	if explicitFields["control"] {
		result.Control = flags.Control
	}
	if explicitFields["journal_path"] {
		result.JournalPath = flags.JournalPath
	}
	if explicitFields["offset_debounce"] {
		result.OffsetDebounce = flags.OffsetDebounce
	}
	if explicitFields["quiet"] {
		result.Quiet = flags.Quiet
	}
	if explicitFields["format"] {
		result.Format = flags.Format
	}

	return &result
}

// value returns the field for a config key
func (c *Config) value(key string) interface{} {
	switch key {
	case "offset":
		return c.Offset
	case "log_level":
		return c.LogLevel
	case "socket_path":
		return c.SocketPath
	case "control":
		return c.Control
	case "journal_path":
		return c.JournalPath
	case "offset_debounce":
		return c.OffsetDebounce
	case "quiet":
		return c.Quiet
	case "format":
		return c.Format
	default:
		return nil
	}
}

// FindConfigFile searches for a configuration file in the given directory
// It looks for .cuedelay.toml, cuedelay.toml, .cuedelay.yaml, cuedelay.yaml files
func FindConfigFile(dir string) string {
	configNames := []string{".cuedelay.toml", "cuedelay.toml", ".cuedelay.yaml", "cuedelay.yaml"}

	for _, name := range configNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errors []ValidationError

	// Negative offsets are accepted and behave like zero
	if c.Offset > MaxOffset || c.Offset < -MaxOffset {
		errors = append(errors, ValidationError{
			Field:   "offset",
			Value:   c.Offset,
			Message: "must be within 1 hour in either direction",
		})
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: "must be 'debug', 'info', 'warn' or 'error'",
		})
	}

	if c.Control && c.SocketPath == "" {
		errors = append(errors, ValidationError{
			Field:   "socket_path",
			Value:   c.SocketPath,
			Message: "must be set when the control socket is enabled",
		})
	}

	if c.OffsetDebounce < 0 {
		errors = append(errors, ValidationError{
			Field:   "offset_debounce",
			Value:   c.OffsetDebounce,
			Message: "must be non-negative (0 disables debouncing)",
		})
	}
	if c.OffsetDebounce > 10*time.Second {
		errors = append(errors, ValidationError{
			Field:   "offset_debounce",
			Value:   c.OffsetDebounce,
			Message: "must be 10 seconds or less",
		})
	}

	if c.Format != "text" && c.Format != "json" {
		errors = append(errors, ValidationError{
			Field:   "format",
			Value:   c.Format,
			Message: "must be 'text' or 'json'",
		})
	}

	if len(errors) > 0 {
		var messages []string
		for _, err := range errors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}

// recordDefaults records default values in debug info
func recordDefaults(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range configKeys {
		debug.Sources[key] = SourceDefault
		debug.Values[key] = v.Get(key)
	}
}

// recordConfigFile records config file values in debug info
func recordConfigFile(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range configKeys {
		if v.InConfig(key) {
			debug.Sources[key] = SourceConfigFile
			debug.Values[key] = v.Get(key)
		}
	}
}

// recordEnvironment records environment variable values in debug info
func recordEnvironment(debug *ConfigDebugInfo) {
	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			debug.Sources[configKey] = SourceEnvironment
			debug.Values[configKey] = value
		}
	}
}

// recordExplicitFlags records CLI flag values that were explicitly set in debug info
func recordExplicitFlags(debug *ConfigDebugInfo, flags *Config, explicitFields map[string]bool) {
	for _, key := range configKeys {
		if explicitFields[key] {
			debug.Sources[key] = SourceCLIFlag
			debug.Values[key] = flags.value(key)
		}
	}
}

// PrintDebugInfo prints configuration debug information
func (debug *ConfigDebugInfo) PrintDebugInfo() {
	fmt.Println("Configuration Resolution Debug Info:")
	fmt.Println("===================================")

	for _, key := range configKeys {
		source := debug.Sources[key]
		value := debug.Values[key]
		fmt.Printf("%-20s: %-20v (from %s)\n", key, value, source)
	}
}
