package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/cuedelay/pkg/control"
	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/player"
)

// runCLI executes the root command with args and returns its output
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// startSession runs a player behind a control socket and returns the socket path
func startSession(t *testing.T) (string, *player.Player) {
	t.Helper()
	p := player.New(cueSinkFunc(func([]cue.Cue) {}), player.Options{})
	p.Start(context.Background())
	t.Cleanup(func() { p.Close() })

	socketPath := filepath.Join(t.TempDir(), "s.sock")
	server := control.NewServer(socketPath, p, nil)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })
	return socketPath, p
}

type cueSinkFunc func([]cue.Cue)

func (f cueSinkFunc) Display(cues []cue.Cue) { f(cues) }

func TestVersionCommand(t *testing.T) {
	output, err := runCLI(t, "version")

	require.NoError(t, err)
	assert.Equal(t, "cuedelay version "+version+"\n", output)
}

func TestPresetsCommand(t *testing.T) {
	// When listing presets
	output, err := runCLI(t, "presets")

	// Then every preset is printed in ascending order
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 13)
	assert.Contains(t, lines[0], "-1.0s")
	assert.Contains(t, lines[5], "No Delay")
	assert.Contains(t, lines[12], "2000ms")
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"-1s", -time.Second, false},
		{"+1.5s", 1500 * time.Millisecond, false},
		{"750", 750 * time.Millisecond, false},
		{"-250", -250 * time.Millisecond, false},
		{" 0 ", 0, false},
		{"9300000000000", 0, true},
		{"-9300000000000", 0, true},
		{"soon", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseOffset(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffsetCommand(t *testing.T) {
	// Given a running session
	socketPath, p := startSession(t)

	// When setting the offset from the CLI
	output, err := runCLI(t, "offset", "--socket", socketPath, "750ms")

	// Then the session applies it and the CLI echoes it
	require.NoError(t, err)
	assert.Equal(t, "+750ms (+750ms)\n", output)
	offset, err := p.Offset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, offset)

	// And reading it back prints the same value
	output, err = runCLI(t, "offset", "--socket", socketPath)
	require.NoError(t, err)
	assert.Equal(t, "+750ms (+750ms)\n", output)
}

func TestOffsetCommand_InvalidValue(t *testing.T) {
	socketPath, _ := startSession(t)

	_, err := runCLI(t, "offset", "--socket", socketPath, "later")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid offset "later"`)
}

func TestOffsetCommand_NoSession(t *testing.T) {
	_, err := runCLI(t, "offset", "--socket", filepath.Join(t.TempDir(), "none.sock"))

	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrNotRunning)
}

func TestStepCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "up", args: []string{"up"}, want: "+100ms (+100ms)\n"},
		{name: "up twice", args: []string{"up", "2"}, want: "+250ms (+250ms)\n"},
		{name: "down", args: []string{"down"}, want: "-100ms (-100ms)\n"},
		{name: "bad direction", args: []string{"sideways"}, wantErr: `invalid direction "sideways"`},
		{name: "bad count", args: []string{"up", "zero"}, wantErr: `invalid step count "zero"`},
		{name: "negative count", args: []string{"down", "-3"}, wantErr: `invalid step count "-3"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a fresh session at no delay
			socketPath, _ := startSession(t)

			args := append([]string{"step", "--socket", socketPath, "--"}, tt.args...)
			output, err := runCLI(t, args...)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, output)
		})
	}
}

func TestStatsCommand(t *testing.T) {
	socketPath, p := startSession(t)
	_, err := p.SetOffset(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)

	output, err := runCLI(t, "stats", "--socket", socketPath)
	require.NoError(t, err)
	assert.Contains(t, output, "Offset: +500ms (+500ms)")
	assert.Contains(t, output, "Offset Changes: 1")

	output, err = runCLI(t, "stats", "--socket", socketPath, "--json")
	require.NoError(t, err)
	assert.Contains(t, output, `"offset_ms": 500`)
	assert.Contains(t, output, `"resets": 1`)
}

func TestPlayAndHistoryCommands(t *testing.T) {
	// Given a script on an in-memory filesystem
	original := fs
	fs = afero.NewMemMapFs()
	defer func() { fs = original }()
	require.NoError(t, afero.WriteFile(fs, "/scripts/pilot.yaml", []byte(`
name: pilot
events:
  - at: 0s
    cues:
      - text: "hello"
  - at: 30ms
    cues:
      - text: "world"
`), 0644))
	journalPath := filepath.Join(t.TempDir(), "journal.db")

	// When playing it with a small offset and a journal
	output, err := runCLI(t, "play", "--offset", "20ms", "--control=false", "--log-level", "error",
		"--journal", journalPath, "/scripts/pilot.yaml")

	// Then the session completes and reports its statistics
	require.NoError(t, err)
	assert.Contains(t, output, "Session Statistics:")
	assert.Contains(t, output, "Shown Delayed: 2")
	assert.Contains(t, output, "Final Offset: +20ms")

	// And the history shows both deliveries
	history, err := runCLI(t, "history", "--journal", journalPath)
	require.NoError(t, err)
	assert.Contains(t, history, "hello")
	assert.Contains(t, history, "world")
	assert.Contains(t, history, "(cleared)")

	// And the export is JSON
	export, err := runCLI(t, "history", "--journal", journalPath, "--export")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(export, "["))

	// And clearing empties the journal
	_, err = runCLI(t, "history", "--journal", journalPath, "--clear")
	require.NoError(t, err)
	history, err = runCLI(t, "history", "--journal", journalPath)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPlayCommand_MissingScript(t *testing.T) {
	original := fs
	fs = afero.NewMemMapFs()
	defer func() { fs = original }()

	_, err := runCLI(t, "play", "--control=false", "/scripts/missing.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to")
}

func TestPlayCommand_InvalidFormat(t *testing.T) {
	_, err := runCLI(t, "play", "--control=false", "--format", "xml", "episode.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format value 'xml'")
}

func TestHistoryCommand_RequiresJournal(t *testing.T) {
	_, err := runCLI(t, "history")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal configured")
}

func TestExplicitFlags(t *testing.T) {
	// Given a play command with two flags set
	rootCmd := newRootCommand()
	playCmd, _, err := rootCmd.Find([]string{"play"})
	require.NoError(t, err)
	require.NoError(t, playCmd.ParseFlags([]string{"--offset", "0s", "--quiet"}))

	// Then only those are reported as explicit, zero values included
	assert.Equal(t, map[string]bool{"offset": true, "quiet": true}, explicitFlags(playCmd))
}
