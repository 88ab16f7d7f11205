package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/shaneisley/cuedelay/pkg/config"
	"github.com/shaneisley/cuedelay/pkg/control"
	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/player"
	"github.com/shaneisley/cuedelay/pkg/storage"
	"github.com/shaneisley/cuedelay/pkg/ui"
)

// fs is the filesystem scripts are read from
var fs = afero.NewOsFs()

// newPlayCommand creates the play subcommand
func newPlayCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play [OPTIONS] SCRIPT",
		Short: "Replay a cue script through the delay",
		Long: `Replay a YAML cue script, showing each batch once the offset has elapsed.
While playing, the offset can be changed with 'cuedelay offset' or 'cuedelay step'
through the control socket.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlay(ctx, cmd, cfg, args[0])
		},
	}

	cmd.Flags().DurationVarP(&opts.flagConfig.Offset, "offset", "o", 0, "Starting offset (examples: 500ms, -1s)")
	cmd.Flags().DurationVar(&opts.flagConfig.OffsetDebounce, "offset-debounce", 0, "Quiet period before an offset change is applied (0 = immediate)")
	cmd.Flags().BoolVarP(&opts.flagConfig.Quiet, "quiet", "q", false, "Hide clear updates")
	cmd.Flags().StringVar(&opts.flagConfig.Format, "format", config.DefaultFormat, "Output format (text, json)")
	cmd.Flags().StringVar(&opts.flagConfig.JournalPath, "journal", "", "Record display updates to this SQLite journal")
	cmd.Flags().BoolVar(&opts.flagConfig.Control, "control", true, "Serve the control socket while playing")

	return cmd
}

func runPlay(ctx context.Context, cmd *cobra.Command, cfg *config.Config, scriptPath string) error {
	logger := newLogger(cfg)

	script, err := cue.LoadScript(fs, scriptPath)
	if err != nil {
		return err
	}

	screen := ui.NewScreen(cmd.OutOrStdout())
	screen.SetQuiet(cfg.Quiet)
	if err := screen.SetFormat(cfg.Format); err != nil {
		return err
	}
	async := ui.NewAsyncSink(screen)

	sinks := delay.MultiSink{async}
	var journal *storage.Journal
	if cfg.JournalPath != "" {
		journal, err = storage.Open(cfg.JournalPath)
		if err != nil {
			async.Close()
			return err
		}
		defer journal.Close()
		session := fmt.Sprintf("%s@%d", script.Name, time.Now().Unix())
		recorder := storage.NewRecorder(journal, nil, session, nil, logger)
		defer recorder.Close()
		sinks = append(sinks, recorder)
	}

	p := player.New(sinks, player.Options{
		Offset:         cfg.Offset,
		OffsetDebounce: cfg.OffsetDebounce,
		Logger:         logger,
		OnOffsetChange: func(offset time.Duration) {
			logger.Info("offset applied", "offset_ms", offset.Milliseconds(), "label", delay.LabelFor(offset))
		},
	})
	p.Start(ctx)

	if cfg.Control {
		server := control.NewServer(cfg.SocketPath, p, logger)
		if err := server.Start(ctx); err != nil {
			p.Close()
			async.Close()
			return fmt.Errorf("failed to start control socket: %w", err)
		}
		defer server.Stop()
	}

	started := time.Now()
	playErr := p.Play(ctx, script)

	stats, statsErr := p.Stats(context.Background())
	closeErr := p.Close()
	async.Close()

	if statsErr == nil {
		screen.FinalSummary(stats, time.Since(started))
	}

	if playErr != nil && ctx.Err() == nil {
		return playErr
	}
	return closeErr
}

// newOffsetCommand creates the offset subcommand
func newOffsetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "offset [VALUE]",
		Short: "Show or set the offset of the running session",
		Long: `Without VALUE, print the running session's offset. With VALUE, replace it.
VALUE is a duration such as 500ms, -1s or +1.5s, or a number of milliseconds.
Setting the offset drops every batch still waiting to be shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}

			client := control.NewClient(cfg.SocketPath)
			defer client.Close()

			var offset time.Duration
			if len(args) == 0 {
				offset, err = client.Offset(cmd.Context())
			} else {
				var requested time.Duration
				requested, err = parseOffset(args[0])
				if err != nil {
					return err
				}
				offset, err = client.SetOffset(cmd.Context(), requested)
			}
			if err != nil {
				return err
			}

			printOffset(cmd, offset)
			return nil
		},
	}
}

// newStepCommand creates the step subcommand
func newStepCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "step up|down [N]",
		Short: "Move the running session's offset along the preset table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid step count %q: must be a positive integer", args[1])
				}
				steps = n
			}

			switch args[0] {
			case "up", "+":
			case "down", "-":
				steps = -steps
			default:
				return fmt.Errorf("invalid direction %q: must be 'up' or 'down'", args[0])
			}

			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}

			client := control.NewClient(cfg.SocketPath)
			defer client.Close()

			offset, err := client.StepOffset(cmd.Context(), steps)
			if err != nil {
				return err
			}

			printOffset(cmd, offset)
			return nil
		},
	}
}

// newPresetsCommand creates the presets subcommand
func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the preset offsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, preset := range delay.Presets() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %6dms\n", preset.Label, preset.Offset.Milliseconds())
			}
			return nil
		},
	}
}

// newStatsCommand creates the stats subcommand
func newStatsCommand(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the running session's scheduler counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}

			client := control.NewClient(cfg.SocketPath)
			defer client.Close()

			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode stats: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			fmt.Fprintf(out, "Offset: %s (%s)\n", ui.FormatOffset(stats.Offset), delay.LabelFor(stats.Offset))
			fmt.Fprintf(out, "Batches Submitted: %d\n", stats.Submitted)
			fmt.Fprintf(out, "Shown Immediately: %d\n", stats.Immediate)
			fmt.Fprintf(out, "Shown Delayed: %d\n", stats.Delivered)
			fmt.Fprintf(out, "Waiting: %d\n", stats.Pending)
			fmt.Fprintf(out, "Dropped: %d\n", stats.Discarded)
			fmt.Fprintf(out, "Offset Changes: %d\n", stats.Resets)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stats as JSON")

	return cmd
}

// newHistoryCommand creates the history subcommand
func newHistoryCommand(opts *cliOptions) *cobra.Command {
	var (
		limit   int
		session string
		export  bool
		wipe    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show display updates recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("no journal configured: pass --journal or set journal_path")
			}

			journal, err := storage.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if wipe {
				if err := journal.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(out, "Journal cleared.")
				return nil
			}

			if export {
				data, err := journal.ExportJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			var entries []storage.Entry
			if session != "" {
				entries, err = journal.Session(session)
			} else {
				entries, err = journal.Recent(limit)
			}
			if err != nil {
				return err
			}

			for _, entry := range entries {
				text := "(cleared)"
				if entry.Kind == storage.KindShow {
					text = cue.Join(cue.FromTexts(entry.Texts...), " | ")
				}
				fmt.Fprintf(out, "%s  %-24s %s\n", entry.Time.Format("15:04:05.000"), entry.Session, text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.flagConfig.JournalPath, "journal", "", "SQLite journal path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of most recent updates to show (0 = all)")
	cmd.Flags().StringVar(&session, "session", "", "Only show updates from this session")
	cmd.Flags().BoolVar(&export, "export", false, "Print every update as JSON")
	cmd.Flags().BoolVar(&wipe, "clear", false, "Delete every recorded update")

	return cmd
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cuedelay version %s\n", version)
		},
	}
}

func printOffset(cmd *cobra.Command, offset time.Duration) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", ui.FormatOffset(offset), delay.LabelFor(offset))
}
