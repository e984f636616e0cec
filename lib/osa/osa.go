// Package osa drives Apex AP2061A optical spectrum analyzers.
//
// The instrument speaks short Apex headers over a raw socket on port 5900:
// "SPCTRWL 1550.000" sets the centre wavelength, "SPCTRWL?" reads it back,
// "SPSWP 1" runs a single sweep and answers with the trace number, and the
// SPDATA family returns trace columns.
package osa

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gotmc/labinst"
)

// Instrument defaults.
const (
	DefaultPort    = 5900
	DefaultIP      = "192.168.99.198"
	DefaultCenter  = 1550.0
	DefaultSpan    = 0.250
	DefaultChannel = "1"
	DefaultTrace   = 1
	DefaultTimeout = 30 * time.Second
)

// Setting ranges.
const (
	MinWavelength = 1250.0
	MaxWavelength = 1650.0
	MaxSpan       = 200.0
	MinPoints     = 2
	MaxPoints     = 20001
	MaxTrace      = 6
)

// X and Y scales accepted by GetData.
const (
	ScaleNM  = "nm"
	ScaleGHz = "GHz"
	ScaleLog = "log"
	ScaleLin = "lin"
)

// SweepMode selects how Run sweeps.
type SweepMode int

// Sweep modes, numbered as the instrument numbers them.
const (
	Auto SweepMode = iota
	Single
	Repeat
)

var sweepDesc = map[SweepMode]string{
	Auto:   "auto",
	Single: "single",
	Repeat: "repeat",
}

func (m SweepMode) String() string {
	if d, ok := sweepDesc[m]; ok {
		return d
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseSweepMode accepts "auto", "single" and "repeat".
func ParseSweepMode(s string) (SweepMode, error) {
	for m, d := range sweepDesc {
		if strings.EqualFold(strings.TrimSpace(s), d) {
			return m, nil
		}
	}
	return Single, &labinst.ValidationError{Param: "sweep mode", Value: s, Reason: "want auto, single or repeat"}
}

// Polarization channels in instrument index order.
var polarizations = []string{"1+2", "1&2", "1", "2"}

var channelAliases = map[string]string{
	"sum":      "1+2",
	"total":    "1+2",
	"0":        "1+2",
	"1+2":      "1+2",
	"both":     "1&2",
	"dual":     "1&2",
	"1&2":      "1&2",
	"1":        "1",
	"ch1":      "1",
	"channel1": "1",
	"2":        "2",
	"ch2":      "2",
	"channel2": "2",
}

// ParseChannel resolves a channel name or alias to its polarization mode:
// "1+2" (sum), "1&2" (both), "1" or "2".
func ParseChannel(ch string) (string, error) {
	if p, ok := channelAliases[strings.ToLower(strings.TrimSpace(ch))]; ok {
		return p, nil
	}
	return "", &labinst.ValidationError{Param: "channel", Value: ch, Reason: "want 1, 2, 1+2 or 1&2 (or an alias)"}
}

func polarIndex(p string) int {
	for i, q := range polarizations {
		if q == p {
			return i
		}
	}
	return -1
}

// OSA is an AP2061A reached through a session.
type OSA struct {
	s *labinst.Session

	// SweepTimeout bounds Run; a sweep over a wide span takes far longer
	// than an ordinary exchange.
	SweepTimeout time.Duration
}

// New wraps an open session.
func New(s *labinst.Session) *OSA {
	return &OSA{s: s, SweepTimeout: DefaultTimeout}
}

// Open connects to the analyzer at e.
func Open(ctx context.Context, e labinst.Endpoint, opts ...labinst.Option) (*OSA, error) {
	s, err := labinst.Open(ctx, e, DefaultTimeout, opts...)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// Session returns the underlying session.
func (o *OSA) Session() *labinst.Session { return o.s }

// Close closes the session.
func (o *OSA) Close() error { return o.s.Close() }

func inRange(param string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &labinst.ValidationError{Param: param, Value: v, Reason: fmt.Sprintf("outside %g..%g", lo, hi)}
	}
	return nil
}

// SetWavelength sets the centre wavelength in nm.
func (o *OSA) SetWavelength(ctx context.Context, nm float64) error {
	if err := inRange("center wavelength", nm, MinWavelength, MaxWavelength); err != nil {
		return err
	}
	return o.s.Command(ctx, "SPCTRWL %.3f", nm)
}

// Wavelength reads the centre wavelength in nm.
func (o *OSA) Wavelength(ctx context.Context) (float64, error) {
	return o.s.QueryFloat(ctx, "SPCTRWL?")
}

// SetSpan sets the sweep span in nm. Zero selects zero span.
func (o *OSA) SetSpan(ctx context.Context, nm float64) error {
	if err := inRange("span", nm, 0, MaxSpan); err != nil {
		return err
	}
	return o.s.Command(ctx, "SPSPANWL %.3f", nm)
}

// Span reads the sweep span in nm.
func (o *OSA) Span(ctx context.Context) (float64, error) {
	return o.s.QueryFloat(ctx, "SPSPANWL?")
}

// SetPolarization selects the input channel; see ParseChannel.
func (o *OSA) SetPolarization(ctx context.Context, channel string) error {
	p, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	return o.s.Command(ctx, "SPPOLAR %d", polarIndex(p))
}

// Polarization reads the selected channel.
func (o *OSA) Polarization(ctx context.Context) (string, error) {
	i, err := o.s.QueryInt(ctx, "SPPOLAR?")
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(polarizations) {
		return "", &labinst.ProtocolError{Command: "SPPOLAR?", Raw: []byte(fmt.Sprint(i)), Reason: "unknown polarization index"}
	}
	return polarizations[i], nil
}

// SetResolution sets the resolution bandwidth in nm.
func (o *OSA) SetResolution(ctx context.Context, nm float64) error {
	if math.IsNaN(nm) || nm <= 0 {
		return &labinst.ValidationError{Param: "resolution", Value: nm, Reason: "must be positive"}
	}
	return o.s.Command(ctx, "SPSWPRES %.3f", nm)
}

// Resolution reads the resolution bandwidth in nm.
func (o *OSA) Resolution(ctx context.Context) (float64, error) {
	return o.s.QueryFloat(ctx, "SPSWPRES?")
}

// SetPoints sets the number of points per sweep.
func (o *OSA) SetPoints(ctx context.Context, n int) error {
	if n < MinPoints || n > MaxPoints {
		return &labinst.ValidationError{Param: "points", Value: n, Reason: fmt.Sprintf("outside %d..%d", MinPoints, MaxPoints)}
	}
	return o.s.Command(ctx, "SPNBPTSWP %d", n)
}

// Points reads the number of points per sweep.
func (o *OSA) Points(ctx context.Context) (int, error) {
	return o.s.QueryInt(ctx, "SPNBPTSWP?")
}

// Configure selects the channel and sets centre and span. Everything is
// validated before anything is sent.
func (o *OSA) Configure(ctx context.Context, centerNM, spanNM float64, channel string) error {
	if _, err := ParseChannel(channel); err != nil {
		return err
	}
	if err := inRange("center wavelength", centerNM, MinWavelength, MaxWavelength); err != nil {
		return err
	}
	if err := inRange("span", spanNM, 0, MaxSpan); err != nil {
		return err
	}
	if err := o.SetPolarization(ctx, channel); err != nil {
		return err
	}
	if err := o.SetWavelength(ctx, centerNM); err != nil {
		return err
	}
	return o.SetSpan(ctx, spanNM)
}

// Run sweeps and returns the number of the trace that received the data.
// An instrument answering with a trace number of zero or less aborted the
// sweep; that is reported as a *labinst.AcquisitionError.
func (o *OSA) Run(ctx context.Context, mode SweepMode) (int, error) {
	if _, ok := sweepDesc[mode]; !ok {
		return 0, &labinst.ValidationError{Param: "sweep mode", Value: mode, Reason: "want auto, single or repeat"}
	}
	return o.s.RunAcquisition(ctx, labinst.Acquisition{
		Trigger:        fmt.Sprintf("SPSWP %d", mode),
		TriggerReplies: true,
		Timeout:        o.SweepTimeout,
	})
}

// DataQuery returns the transfer that reads trace with the given scales.
func DataQuery(scaleX, scaleY string, trace int, format labinst.DataFormat) (labinst.TraceQuery, error) {
	q := labinst.TraceQuery{Index: trace, Format: format, CountPrefix: true}
	if trace < 1 || trace > MaxTrace {
		return q, &labinst.ValidationError{Param: "trace", Value: trace, Reason: fmt.Sprintf("outside 1..%d", MaxTrace)}
	}
	switch {
	case strings.EqualFold(scaleX, ScaleNM):
		q.X, q.XUnit = fmt.Sprintf("SPDATAWL %d", trace), "nm"
	case strings.EqualFold(scaleX, ScaleGHz):
		q.X, q.XUnit = fmt.Sprintf("SPDATAF %d", trace), "GHz"
	default:
		return q, &labinst.ValidationError{Param: "x scale", Value: scaleX, Reason: "want nm or GHz"}
	}
	switch {
	case strings.EqualFold(scaleY, ScaleLog):
		q.Y, q.YUnit = fmt.Sprintf("SPDATAL %d", trace), "dBm"
	case strings.EqualFold(scaleY, ScaleLin):
		q.Y, q.YUnit = fmt.Sprintf("SPDATAD %d", trace), "mW"
	default:
		return q, &labinst.ValidationError{Param: "y scale", Value: scaleY, Reason: "want log or lin"}
	}
	switch format {
	case labinst.FormatASCII:
		q.Setup = []string{"SPDATAFMT ASCII"}
	case labinst.FormatReal32:
		q.Setup = []string{"SPDATAFMT REAL32"}
	case labinst.FormatReal64:
		q.Setup = []string{"SPDATAFMT REAL64"}
	default:
		return q, &labinst.ValidationError{Param: "data format", Value: format, Reason: "unknown"}
	}
	return q, nil
}

// GetData reads a stored trace.
func (o *OSA) GetData(ctx context.Context, scaleX, scaleY string, trace int, format labinst.DataFormat) (labinst.Trace, error) {
	q, err := DataQuery(scaleX, scaleY, trace, format)
	if err != nil {
		return labinst.Trace{}, err
	}
	q.Timeout = o.SweepTimeout
	return o.s.FetchData(ctx, q)
}

// AcquireOnce runs one sweep and reads the requested trace.
func (o *OSA) AcquireOnce(ctx context.Context, mode SweepMode, scaleX, scaleY string, trace int, format labinst.DataFormat) (labinst.Trace, error) {
	if _, err := DataQuery(scaleX, scaleY, trace, format); err != nil {
		return labinst.Trace{}, err
	}
	if _, err := o.Run(ctx, mode); err != nil {
		return labinst.Trace{}, err
	}
	return o.GetData(ctx, scaleX, scaleY, trace, format)
}

// Peak returns the highest power in t and where it occurs. Both are NaN for
// an empty trace.
func Peak(t labinst.Trace) (power, x float64) {
	p, ok := t.Peak()
	if !ok {
		return math.NaN(), math.NaN()
	}
	return p.Y, p.X
}
