package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaneisley/cuedelay/pkg/config"
	"github.com/shaneisley/cuedelay/pkg/control"
	"github.com/shaneisley/cuedelay/pkg/logging"
)

const version = "0.3.0"

// cliOptions holds the flags shared by every subcommand
type cliOptions struct {
	flagConfig  config.Config
	configFile  string
	debugConfig bool
}

// flagKeys maps CLI flag names to config keys
var flagKeys = map[string]string{
	"offset":          "offset",
	"log-level":       "log_level",
	"socket":          "socket_path",
	"control":         "control",
	"journal":         "journal_path",
	"offset-debounce": "offset_debounce",
	"quiet":           "quiet",
	"format":          "format",
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "cuedelay",
		Short: "Show subtitle cues later than they arrive, by an adjustable offset",
		Long: `cuedelay holds subtitle cue batches back by a configurable offset before showing
them, in arrival order. Changing the offset drops every batch still waiting and
clears the display.

Configuration precedence (highest to lowest):
1. CLI flags
2. Environment variables (CUEDELAY_*)
3. Configuration file
4. Default values

Configuration files are looked up in the following order:
1. File specified by --config flag
2. .cuedelay.toml, cuedelay.toml, .cuedelay.yaml, cuedelay.yaml in current directory
3. The same names in the home directory

Environment variables:
- CUEDELAY_OFFSET: Starting offset (e.g., "500ms", "-1s")
- CUEDELAY_LOG_LEVEL: debug, info, warn or error
- CUEDELAY_SOCKET_PATH: Control socket path
- CUEDELAY_CONTROL: Serve the control socket while playing ("true" or "false")
- CUEDELAY_JOURNAL_PATH: SQLite journal of display updates ("" disables it)
- CUEDELAY_OFFSET_DEBOUNCE: Quiet period before an offset change is applied
- CUEDELAY_QUIET: Hide clear updates
- CUEDELAY_FORMAT: text or json

EXAMPLES:
  # Replay a script half a second late
  cuedelay play --offset 500ms episode.yaml

  # Nudge the running session from another terminal
  cuedelay step up
  cuedelay offset -250ms

  # Review what was shown
  cuedelay history --journal ~/.cuedelay/journal.db --limit 20`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&opts.debugConfig, "debug-config", false, "Show configuration resolution debug information")
	rootCmd.PersistentFlags().StringVar(&opts.flagConfig.SocketPath, "socket", config.DefaultSocketPath, "Control socket path")
	rootCmd.PersistentFlags().StringVar(&opts.flagConfig.LogLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newPlayCommand(opts),
		newOffsetCommand(opts),
		newStepCommand(opts),
		newPresetsCommand(),
		newStatsCommand(opts),
		newHistoryCommand(opts),
		newVersionCommand(),
	)

	return rootCmd
}

// loadConfiguration loads configuration with full precedence support
func loadConfiguration(cmd *cobra.Command, opts *cliOptions) (*config.Config, error) {
	var configPath string
	if opts.configFile != "" {
		configPath = opts.configFile
	} else {
		cwd, _ := os.Getwd()
		if found := config.FindConfigFile(cwd); found != "" {
			configPath = found
		} else if homeDir, err := os.UserHomeDir(); err == nil {
			configPath = config.FindConfigFile(homeDir)
		}
	}

	explicitFields := explicitFlags(cmd)

	finalConfig, debugInfo, err := config.LoadWithPrecedenceAndExplicitFlags(configPath, &opts.flagConfig, explicitFields, opts.debugConfig)
	if err != nil {
		return nil, err
	}

	if opts.debugConfig && debugInfo != nil {
		debugInfo.PrintDebugInfo()
		fmt.Println()
	}

	return finalConfig, nil
}

// explicitFlags returns the config keys whose flags were set on the command line
func explicitFlags(cmd *cobra.Command) map[string]bool {
	explicit := make(map[string]bool)
	for flagName, key := range flagKeys {
		if flag := cmd.Flags().Lookup(flagName); flag != nil && flag.Changed {
			explicit[key] = true
		}
	}
	return explicit
}

// newLogger builds the process logger for cfg
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger("cuedelay", logging.ParseLevel(cfg.LogLevel))
}

// parseOffset accepts Go durations ("500ms", "-1.5s", "+250ms") or bare milliseconds ("750")
func parseOffset(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		d, err := control.OffsetFromMs(ms)
		if err != nil {
			return 0, fmt.Errorf("invalid offset %q: %w", value, err)
		}
		return d, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: expected a duration like 500ms or -1s, or milliseconds", value)
	}
	return d, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
