// Package cmdlog prints instrument exchanges and trace summaries for the
// interactive tools.
package cmdlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
)

func isASCII(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style   = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	PeakStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

// PrettyFuncs returns helpers that run exchanges on s and log them with
// styling: query returns the reply, bquery only logs it, cmd sends without
// a reply.
func PrettyFuncs(ctx context.Context, s *labinst.Session, log logrus.FieldLogger) (
	query func(string) string,
	bquery func(string),
	cmd func(string),
) {
	query = func(q string) string {
		r, err := s.SendCommand(ctx, q)
		if err != nil {
			log.Printf("query %s: %s", CmdStyle.Render(q), ErrStyle.Render(err.Error()))
			return ""
		}
		return string(r)
	}
	bquery = func(q string) {
		a := query(q)
		q = CmdStyle.Render(q)
		if len(a) == 0 {
			log.Print(R1Style.Render("<no response>"))
			return
		}
		switch {
		case isASCII(a):
			log.Printf("%s: [%d] %s", q, len(a), R2Style.Render(fmt.Sprintf("%q", a)))
		case len(a) < 32:
			log.Printf("%s: [%d] %q (% 2x)", q, len(a), a, []byte(a))
		default:
			log.Printf("%s: [%d] % 2x", q, len(a), []byte(a))
		}
	}
	cmd = func(c string) {
		if err := s.Command(ctx, "%s", c); err != nil {
			log.Printf("cmd %s: %s", CmdStyle.Render(c), ErrStyle.Render(err.Error()))
		} else {
			log.Printf("%s()", CmdStyle.Render(c))
		}
	}
	return query, bquery, cmd
}

// Summary renders the one-line peak summary of a trace.
func Summary(seq uint64, t labinst.Trace) string {
	p, ok := t.Peak()
	if !ok {
		return fmt.Sprintf("#%d trace %d: %s", seq, t.Index, R1Style.Render("empty"))
	}
	return fmt.Sprintf("#%d trace %d: %d points, peak %s at %s",
		seq, t.Index, len(t.Points),
		PeakStyle.Render(fmt.Sprintf("%.3f %s", p.Y, t.YUnit)),
		PeakStyle.Render(fmt.Sprintf("%.4f %s", p.X, t.XUnit)))
}
