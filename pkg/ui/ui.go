package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

// Output formats understood by Screen
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Screen renders display updates to a terminal or log stream
type Screen struct {
	writer io.Writer
	quiet  bool
	format string
	start  time.Time
	now    func() time.Time

	shown   int
	cleared int
}

// screenLine is one JSON-lines record
type screenLine struct {
	ElapsedMs int64    `json:"elapsed_ms"`
	Cleared   bool     `json:"cleared,omitempty"`
	Cues      []string `json:"cues"`
}

// NewScreen creates a text screen writing to writer
func NewScreen(writer io.Writer) *Screen {
	return &Screen{
		writer: writer,
		format: FormatText,
		start:  time.Now(),
		now:    time.Now,
	}
}

// SetQuiet enables or disables quiet mode (suppresses clear updates)
func (s *Screen) SetQuiet(quiet bool) {
	s.quiet = quiet
}

// SetFormat selects text or json output
func (s *Screen) SetFormat(format string) error {
	switch format {
	case FormatText, FormatJSON:
		s.format = format
		return nil
	default:
		return fmt.Errorf("unknown output format %q (expected %s or %s)", format, FormatText, FormatJSON)
	}
}

// SetClock replaces the clock used for elapsed times
func (s *Screen) SetClock(start time.Time, now func() time.Time) {
	s.start = start
	s.now = now
}

// Display writes one update. An empty batch is rendered as a clear.
func (s *Screen) Display(cues []cue.Cue) {
	elapsed := s.now().Sub(s.start)
	if len(cues) == 0 {
		s.cleared++
		if s.quiet {
			return
		}
	} else {
		s.shown++
	}

	if s.format == FormatJSON {
		line := screenLine{
			ElapsedMs: elapsed.Milliseconds(),
			Cleared:   len(cues) == 0,
			Cues:      cue.Texts(cues),
		}
		data, err := json.Marshal(line)
		if err != nil {
			return
		}
		fmt.Fprintf(s.writer, "%s\n", data)
		return
	}

	var builder strings.Builder
	builder.WriteString("[cues ")
	builder.WriteString(FormatDuration(elapsed))
	builder.WriteString("] ")
	if len(cues) == 0 {
		builder.WriteString("(cleared)")
	} else {
		builder.WriteString(cue.Join(cues, " | "))
	}
	builder.WriteByte('\n')

	fmt.Fprint(s.writer, builder.String())
}

// Shown returns the number of non-empty updates written
func (s *Screen) Shown() int {
	return s.shown
}

// Cleared returns the number of clear updates received
func (s *Screen) Cleared() int {
	return s.cleared
}

// OffsetChanged reports an offset change
func (s *Screen) OffsetChanged(offset time.Duration, label string) {
	if s.quiet {
		return
	}
	fmt.Fprintf(s.writer, "[delay] Offset set to %s (%s).\n", FormatOffset(offset), label)
}

// FinalSummary reports the session statistics
func (s *Screen) FinalSummary(stats metrics.SchedulerStats, elapsed time.Duration) {
	if stats.Discarded == 0 {
		fmt.Fprintf(s.writer, "✅ [delay] Session ended with every cue delivered.\n")
	} else if stats.Discarded == 1 {
		fmt.Fprintf(s.writer, "⚠️  [delay] Session ended with 1 batch dropped by offset changes.\n")
	} else {
		fmt.Fprintf(s.writer, "⚠️  [delay] Session ended with %d batches dropped by offset changes.\n", stats.Discarded)
	}

	fmt.Fprintf(s.writer, "\nSession Statistics:\n")
	fmt.Fprintf(s.writer, "  Batches Submitted: %d\n", stats.Submitted)
	fmt.Fprintf(s.writer, "  Shown Immediately: %d\n", stats.Immediate)
	fmt.Fprintf(s.writer, "  Shown Delayed: %d\n", stats.Delivered)
	fmt.Fprintf(s.writer, "  Dropped: %d\n", stats.Discarded)
	fmt.Fprintf(s.writer, "  Offset Changes: %d\n", stats.Resets)
	fmt.Fprintf(s.writer, "  Final Offset: %s\n", FormatOffset(stats.Offset))
	fmt.Fprintf(s.writer, "  Max Lateness: %s\n", FormatDuration(stats.MaxLate))
	fmt.Fprintf(s.writer, "  Total Duration: %s\n", FormatDuration(elapsed))
}

// FormatOffset formats a signed offset, e.g. "+500ms" or "-1.0s"
func FormatOffset(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}

	ms := d.Milliseconds()
	abs := ms
	if abs < 0 {
		abs = -abs
	}
	if abs < 1000 || abs%100 != 0 {
		return fmt.Sprintf("%+dms", ms)
	}
	return fmt.Sprintf("%+.1fs", float64(ms)/1000)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	// Handle sub-second durations
	if d < time.Second {
		return fmt.Sprintf("%.1fs", float64(d)/float64(time.Second))
	}

	// Handle durations with fractional seconds
	if d < time.Minute {
		seconds := float64(d) / float64(time.Second)
		if seconds == float64(int(seconds)) {
			return fmt.Sprintf("%.0fs", seconds)
		}
		formatted := fmt.Sprintf("%.2f", seconds)
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimRight(formatted, ".")
		return formatted + "s"
	}

	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	if hours > 0 {
		if minutes > 0 && seconds > 0 {
			return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
		} else if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		} else if seconds > 0 {
			return fmt.Sprintf("%dh%ds", hours, seconds)
		}
		return fmt.Sprintf("%dh", hours)
	}

	if minutes > 0 {
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%ds", seconds)
}
