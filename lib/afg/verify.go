package afg

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gotmc/query"

	"github.com/gotmc/labinst"
)

// Check is the outcome of one readback.
type Check struct {
	Label    string `json:"label"`
	Actual   string `json:"actual,omitempty"`
	Expected string `json:"expected,omitempty"`
	OK       bool   `json:"ok"`
	Err      error  `json:"-"`
}

func (c Check) String() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: query failed (%v)", c.Label, c.Err)
	}
	if c.Expected == "" {
		return fmt.Sprintf("%s: %s", c.Label, c.Actual)
	}
	verdict := "NG"
	if c.OK {
		verdict = "OK"
	}
	return fmt.Sprintf("%s: actual %s, expected %s -> %s", c.Label, c.Actual, c.Expected, verdict)
}

// Report collects the readbacks of Verify.
type Report struct {
	Channel int     `json:"channel"`
	OK      bool    `json:"ok"`
	Checks  []Check `json:"checks"`
}

// Lines renders one line per check.
func (r Report) Lines() []string {
	l := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		l[i] = c.String()
	}
	return l
}

// Verify reads channel ch back and compares it with want. A failed query
// marks its check, and the report, as failed without stopping the other
// checks; the error queue is read last and must be empty. The returned
// error is only set for invalid arguments.
func (g *Generator) Verify(ctx context.Context, ch int, want ChannelConfig) (Report, error) {
	if err := checkChannel(ch); err != nil {
		return Report{}, err
	}
	if err := want.Validate(); err != nil {
		return Report{}, err
	}
	q := g.s.Bind(ctx)
	r := Report{Channel: ch, OK: true}
	add := func(c Check) {
		r.OK = r.OK && c.OK && c.Err == nil
		r.Checks = append(r.Checks, c)
	}

	add(g.checkWord(q, "function", fmt.Sprintf("SOUR%d:FUNC?", ch), strings.ToUpper(want.Function)))
	add(g.checkFloat(q, "frequency", fmt.Sprintf("SOUR%d:FREQ?", ch), want.Frequency, FrequencyTolerance, "Hz"))
	add(g.checkFloat(q, "amplitude", fmt.Sprintf("SOUR%d:VOLT?", ch), want.Amplitude, AmplitudeTolerance, "Vpp"))
	add(g.checkFloat(q, "offset", fmt.Sprintf("SOUR%d:VOLT:OFFS?", ch), want.Offset, OffsetTolerance, "V"))
	add(g.checkWord(q, "load", fmt.Sprintf("OUTP%d:LOAD?", ch), strings.ToUpper(want.Load)))

	out := Check{Label: "output", Expected: "ON"}
	if on, err := g.s.QueryBool(ctx, fmt.Sprintf("OUTP%d:STAT?", ch)); err != nil {
		out.Err = err
	} else {
		out.Actual, out.OK = "OFF", on
		if on {
			out.Actual = "ON"
		}
	}
	add(out)

	se := Check{Label: "SYST:ERR?"}
	if v, err := g.SystemError(ctx); err != nil {
		se.Err = err
	} else {
		se.Actual, se.OK = v, strings.HasPrefix(v, "0")
	}
	add(se)
	return r, nil
}

func (g *Generator) checkFloat(q query.Querier, label, cmd string, want, tol float64, unit string) Check {
	c := Check{Label: label, Expected: fmt.Sprintf("%.6g %s", want, unit)}
	v, err := query.Float64(q, cmd)
	if err != nil {
		c.Err = labinst.AsProtocolError(cmd, err)
		return c
	}
	c.Actual = fmt.Sprintf("%.6g %s", v, unit)
	c.OK = math.Abs(v-want) <= tol
	return c
}

// checkWord compares a keyword reply. The generator may answer with the
// long form ("SINUSOID") or, for the load, a number ("5.0E+1").
func (g *Generator) checkWord(q query.Querier, label, cmd, want string) Check {
	c := Check{Label: label, Expected: want}
	v, err := query.String(q, cmd)
	if err != nil {
		c.Err = labinst.AsProtocolError(cmd, err)
		return c
	}
	v = strings.ToUpper(strings.Trim(strings.TrimSpace(v), `"`))
	c.Actual = v
	if a, err := strconv.ParseFloat(v, 64); err == nil {
		if w, err := strconv.ParseFloat(want, 64); err == nil {
			c.OK = a == w
			return c
		}
	}
	c.OK = strings.HasPrefix(v, want)
	return c
}
