// Package sa drives Rohde & Schwarz FSV30 spectrum analyzers over the SCPI
// raw socket.
package sa

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gotmc/labinst"
)

// Instrument defaults.
const (
	DefaultPort    = 5025
	DefaultTimeout = 10 * time.Second
	DefaultRBW     = 1000.0
	DefaultVBW     = 10.0
)

// Setting ranges, in Hz.
const (
	MinFreq      = 10.0
	MaxFreq      = 30e9
	MaxSpan      = 30e9
	MinBandwidth = 1.0
	MaxBandwidth = 10e6
	MaxMarker    = 4
)

// InitCommands put the analyzer into single sweep remote operation.
var InitCommands = []string{"*CLS", "INIT:CONT OFF", "ABOR", "SYST:DISP:UPD ON"}

// Settings is a measurement setup in Hz. Zero RBW and VBW select the
// defaults.
type Settings struct {
	Center, Span float64
	RBW, VBW     float64
}

// Marker is a marker placed by SetMarker.
type Marker struct {
	Num  int
	Freq float64
}

// Reading is one marker readout.
type Reading struct {
	Marker int     `json:"marker"`
	Freq   float64 `json:"freq"`
	Level  float64 `json:"level"`
}

// Analyzer is an FSV30 reached through a session.
type Analyzer struct {
	s       *labinst.Session
	markers []Marker

	// SweepTimeout bounds each exchange of AcquireOnce.
	SweepTimeout time.Duration
}

// New wraps an open session. The session should have been opened with
// InitCommands.
func New(s *labinst.Session) *Analyzer {
	return &Analyzer{s: s, SweepTimeout: DefaultTimeout}
}

// Open connects to the analyzer at e and runs the init sequence after any
// init commands in opts.
func Open(ctx context.Context, e labinst.Endpoint, opts ...labinst.Option) (*Analyzer, error) {
	opts = append(slices.Clip(opts), labinst.WithInitCommands(InitCommands...))
	s, err := labinst.Open(ctx, e, DefaultTimeout, opts...)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// Session returns the underlying session.
func (a *Analyzer) Session() *labinst.Session { return a.s }

// Close closes the session.
func (a *Analyzer) Close() error { return a.s.Close() }

func check(param string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &labinst.ValidationError{Param: param, Value: v, Reason: fmt.Sprintf("outside %g..%g Hz", lo, hi)}
	}
	return nil
}

// writeOPC sends cmd and waits for the analyzer to finish applying it.
func (a *Analyzer) writeOPC(ctx context.Context, format string, v ...any) error {
	if err := a.s.Command(ctx, format, v...); err != nil {
		return err
	}
	r, err := a.s.QueryString(ctx, "*OPC?")
	if err != nil {
		return err
	}
	if r != "1" && r != "+1" {
		return &labinst.ProtocolError{Command: "*OPC?", Raw: []byte(r), Reason: "operation not complete"}
	}
	return nil
}

// Validate checks the settings against the analyzer's ranges.
func (st Settings) Validate() error {
	st = st.withDefaults()
	if err := check("center", st.Center, MinFreq, MaxFreq); err != nil {
		return err
	}
	if err := check("span", st.Span, 0, MaxSpan); err != nil {
		return err
	}
	if err := check("rbw", st.RBW, MinBandwidth, MaxBandwidth); err != nil {
		return err
	}
	return check("vbw", st.VBW, MinBandwidth, MaxBandwidth)
}

func (st Settings) withDefaults() Settings {
	if st.RBW == 0 {
		st.RBW = DefaultRBW
	}
	if st.VBW == 0 {
		st.VBW = DefaultVBW
	}
	return st
}

// Configure applies st, waiting for each setting to complete, and selects
// the automatic sweep type.
func (a *Analyzer) Configure(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.withDefaults()
	for _, c := range []struct {
		cmd string
		v   float64
	}{
		{"SENS:FREQ:CENT %g", st.Center},
		{"SENS:FREQ:SPAN %g", st.Span},
		{"SENS:BAND:RES %g", st.RBW},
		{"SENS:BAND:VID %g", st.VBW},
	} {
		if err := a.writeOPC(ctx, c.cmd, c.v); err != nil {
			return err
		}
	}
	return a.writeOPC(ctx, "SENS:SWE:TYPE AUTO")
}

// SetCenter sets the centre frequency.
func (a *Analyzer) SetCenter(ctx context.Context, hz float64) error {
	if err := check("center", hz, MinFreq, MaxFreq); err != nil {
		return err
	}
	return a.writeOPC(ctx, "SENS:FREQ:CENT %g", hz)
}

// Center reads the centre frequency.
func (a *Analyzer) Center(ctx context.Context) (float64, error) {
	return a.s.QueryFloat(ctx, "SENS:FREQ:CENT?")
}

// SetSpan sets the frequency span.
func (a *Analyzer) SetSpan(ctx context.Context, hz float64) error {
	if err := check("span", hz, 0, MaxSpan); err != nil {
		return err
	}
	return a.writeOPC(ctx, "SENS:FREQ:SPAN %g", hz)
}

// Span reads the frequency span.
func (a *Analyzer) Span(ctx context.Context) (float64, error) {
	return a.s.QueryFloat(ctx, "SENS:FREQ:SPAN?")
}

// SetRBW sets the resolution bandwidth.
func (a *Analyzer) SetRBW(ctx context.Context, hz float64) error {
	if err := check("rbw", hz, MinBandwidth, MaxBandwidth); err != nil {
		return err
	}
	return a.writeOPC(ctx, "SENS:BAND:RES %g", hz)
}

// RBW reads the resolution bandwidth.
func (a *Analyzer) RBW(ctx context.Context) (float64, error) {
	return a.s.QueryFloat(ctx, "SENS:BAND:RES?")
}

// SetVBW sets the video bandwidth.
func (a *Analyzer) SetVBW(ctx context.Context, hz float64) error {
	if err := check("vbw", hz, MinBandwidth, MaxBandwidth); err != nil {
		return err
	}
	return a.writeOPC(ctx, "SENS:BAND:VID %g", hz)
}

// VBW reads the video bandwidth.
func (a *Analyzer) VBW(ctx context.Context) (float64, error) {
	return a.s.QueryFloat(ctx, "SENS:BAND:VID?")
}

// SetMarker switches marker n on at freq. Markers are read back by
// AcquireOnce in the order they were first set.
func (a *Analyzer) SetMarker(ctx context.Context, n int, freq float64) error {
	if n < 1 || n > MaxMarker {
		return &labinst.ValidationError{Param: "marker", Value: n, Reason: fmt.Sprintf("outside 1..%d", MaxMarker)}
	}
	if err := check("marker frequency", freq, MinFreq, MaxFreq); err != nil {
		return err
	}
	if err := a.s.Command(ctx, "CALC:MARK%d:STAT ON", n); err != nil {
		return err
	}
	if err := a.s.Command(ctx, "CALC:MARK%d:X %g", n, freq); err != nil {
		return err
	}
	for i := range a.markers {
		if a.markers[i].Num == n {
			a.markers[i].Freq = freq
			return nil
		}
	}
	a.markers = append(a.markers, Marker{Num: n, Freq: freq})
	return nil
}

// Markers returns the markers set so far.
func (a *Analyzer) Markers() []Marker {
	return append([]Marker(nil), a.markers...)
}

// AcquireOnce runs a single sweep and reads every marker.
func (a *Analyzer) AcquireOnce(ctx context.Context) ([]Reading, error) {
	if _, err := a.s.RunAcquisition(ctx, labinst.Acquisition{
		Trigger: "INIT:IMM",
		OPC:     true,
		Handle:  1,
		Timeout: a.SweepTimeout,
	}); err != nil {
		return nil, err
	}
	readings := make([]Reading, 0, len(a.markers))
	for _, m := range a.markers {
		f, err := a.s.QueryFloat(ctx, fmt.Sprintf("CALC:MARK%d:X?", m.Num))
		if err != nil {
			return nil, err
		}
		l, err := a.s.QueryFloat(ctx, fmt.Sprintf("CALC:MARK%d:Y?", m.Num))
		if err != nil {
			return nil, err
		}
		readings = append(readings, Reading{Marker: m.Num, Freq: f, Level: l})
	}
	return readings, nil
}

// TraceData reads trace 1 with a linear frequency axis from the current
// start and stop frequencies.
func (a *Analyzer) TraceData(ctx context.Context, format labinst.DataFormat) (labinst.Trace, error) {
	var setup string
	switch format {
	case labinst.FormatASCII:
		setup = "FORM ASC"
	case labinst.FormatReal32:
		setup = "FORM REAL,32"
	default:
		return labinst.Trace{}, &labinst.ValidationError{Param: "data format", Value: format, Reason: "want ascii or real32"}
	}
	start, err := a.s.QueryFloat(ctx, "SENS:FREQ:STAR?")
	if err != nil {
		return labinst.Trace{}, err
	}
	stop, err := a.s.QueryFloat(ctx, "SENS:FREQ:STOP?")
	if err != nil {
		return labinst.Trace{}, err
	}
	return a.s.FetchData(ctx, labinst.TraceQuery{
		Index:   1,
		Format:  format,
		Setup:   []string{setup},
		Y:       "TRAC? TRACE1",
		XStart:  start,
		XStop:   stop,
		XUnit:   "Hz",
		YUnit:   "dBm",
		Timeout: a.SweepTimeout,
	})
}
