package printer

import (
	"dmagma/internal/chord"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a green message with a checkmark prefix
func Success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ %s\n", fmt.Sprintf(format, a...))
}

func Warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! %s\n", fmt.Sprintf(format, a...))
}

func Step(w io.Writer, format string, a ...any) {
	cyan.Fprintf(w, "→ %s\n", fmt.Sprintf(format, a...))
}

// Error prints title and details to stderr and returns an error carrying only
// the title, for cobra to exit with
func Error(title string, explanation string, details []string) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", explanation)
	}
	for _, d := range details {
		fmt.Fprintf(os.Stderr, "  • %s\n", d)
	}
	return fmt.Errorf("%s", title)
}

func stateColor(state string) *color.Color {
	switch state {
	case string(chord.StateDone), string(chord.MemberSucceeded):
		return green
	case string(chord.StateReduceFailed), string(chord.MemberFailed):
		return red
	case string(chord.StateReducing), string(chord.MemberRunning):
		return cyan
	default:
		return faint
	}
}

// Status prints a campaign summary followed by one row per pipeline
func Status(w io.Writer, s *chord.Status) {
	fmt.Fprintf(w, "Campaign %s (handle %s)\n", s.CampaignID, s.Handle)
	fmt.Fprintf(w, "  state:     %s\n", stateColor(string(s.State)).Sprint(s.State))
	if s.Detail != "" {
		fmt.Fprintf(w, "  detail:    %s\n", s.Detail)
	}
	fmt.Fprintf(w, "  pipelines: %d/%d terminal, %s, %s\n",
		s.Terminal, s.Total,
		green.Sprintf("%d succeeded", s.Succeeded),
		red.Sprintf("%d failed", s.Failed))
	if !s.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  created:   %s\n", s.CreatedAt.Format(time.RFC3339))
	}
	if len(s.Members) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tSTATE\tRESULT")
	for _, m := range s.Members {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, stateColor(string(m.State)).Sprint(m.State), m.Result)
	}
	tw.Flush()
}
