// Package afg drives Tektronix AFG1062 arbitrary function generators.
package afg

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gotmc/query"
	"go.uber.org/multierr"

	"github.com/gotmc/labinst"
)

// Instrument defaults.
const (
	DefaultPort    = 4000
	DefaultTimeout = 30 * time.Second
)

// Limits.
const (
	Channels     = 2
	MinFrequency = 1e-6
	MaxFrequency = 60e6
	MinAmplitude = 1e-3
	MaxAmplitude = 10.0
	MaxOffset    = 5.0
)

// Readback tolerances used by Verify.
const (
	FrequencyTolerance = 0.5
	AmplitudeTolerance = 0.05
	OffsetTolerance    = 0.01
)

// Functions accepted by the generator.
var Functions = []string{"SIN", "SQU", "PULS", "RAMP", "NOIS", "DC"}

// ResetSettle is how long Configure waits after *RST.
var ResetSettle = time.Second

// ChannelConfig is the waveform of one output.
type ChannelConfig struct {
	Function  string  `json:"function" yaml:"function"`
	Frequency float64 `json:"frequency" yaml:"frequency"`
	Amplitude float64 `json:"amplitude" yaml:"amplitude"` // Vpp
	Offset    float64 `json:"offset" yaml:"offset"`
	Load      string  `json:"load" yaml:"load"` // "50" or "INF"
}

// DefaultChannel is a 1 kHz, 2 Vpp sine into 50 Ω.
func DefaultChannel() ChannelConfig {
	return ChannelConfig{Function: "SIN", Frequency: 1000, Amplitude: 2, Load: "50"}
}

// Validate checks c against the generator's limits.
func (c ChannelConfig) Validate() error {
	if !validFunction(c.Function) {
		return &labinst.ValidationError{Param: "function", Value: c.Function, Reason: "want one of " + strings.Join(Functions, ", ")}
	}
	if math.IsNaN(c.Frequency) || c.Frequency < MinFrequency || c.Frequency > MaxFrequency {
		return &labinst.ValidationError{Param: "frequency", Value: c.Frequency, Reason: "outside 1 µHz..60 MHz"}
	}
	if math.IsNaN(c.Amplitude) || c.Amplitude < MinAmplitude || c.Amplitude > MaxAmplitude {
		return &labinst.ValidationError{Param: "amplitude", Value: c.Amplitude, Reason: "outside 1 mVpp..10 Vpp"}
	}
	if math.IsNaN(c.Offset) || math.Abs(c.Offset) > MaxOffset {
		return &labinst.ValidationError{Param: "offset", Value: c.Offset, Reason: "outside ±5 V"}
	}
	switch strings.ToUpper(c.Load) {
	case "50", "INF":
	default:
		return &labinst.ValidationError{Param: "load", Value: c.Load, Reason: "want 50 or INF"}
	}
	return nil
}

func validFunction(f string) bool {
	for _, fn := range Functions {
		if strings.EqualFold(f, fn) {
			return true
		}
	}
	return false
}

func checkChannel(ch int) error {
	if ch < 1 || ch > Channels {
		return &labinst.ValidationError{Param: "channel", Value: ch, Reason: "want 1 or 2"}
	}
	return nil
}

// Generator is an AFG1062 reached through a session.
type Generator struct {
	s *labinst.Session
}

// New wraps an open session.
func New(s *labinst.Session) *Generator { return &Generator{s: s} }

// Open connects to the generator at e.
func Open(ctx context.Context, e labinst.Endpoint, opts ...labinst.Option) (*Generator, error) {
	s, err := labinst.Open(ctx, e, DefaultTimeout, opts...)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// Session returns the underlying session.
func (g *Generator) Session() *labinst.Session { return g.s }

// Close closes the session.
func (g *Generator) Close() error { return g.s.Close() }

// Configure programs channel ch and switches its output on, optionally
// resetting the generator first.
func (g *Generator) Configure(ctx context.Context, ch int, c ChannelConfig, reset bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := g.s.Command(ctx, "*CLS"); err != nil {
		return err
	}
	if reset {
		if err := g.s.Command(ctx, "*RST"); err != nil {
			return err
		}
		t := time.NewTimer(ResetSettle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	cmds := []string{
		fmt.Sprintf("SOUR%d:FUNC %s", ch, strings.ToUpper(c.Function)),
		fmt.Sprintf("SOUR%d:FREQ %g", ch, c.Frequency),
		fmt.Sprintf("SOUR%d:VOLT %g", ch, c.Amplitude),
		fmt.Sprintf("SOUR%d:VOLT:OFFS %g", ch, c.Offset),
		fmt.Sprintf("OUTP%d:LOAD %s", ch, strings.ToUpper(c.Load)),
		fmt.Sprintf("OUTP%d:STAT ON", ch),
	}
	for _, cmd := range cmds {
		if err := g.s.Command(ctx, "%s", cmd); err != nil {
			return err
		}
	}
	return nil
}

// SetOutput switches channel ch on or off.
func (g *Generator) SetOutput(ctx context.Context, ch int, on bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return g.s.Command(ctx, "OUTP%d:STAT %s", ch, state)
}

// Output reports whether channel ch is on.
func (g *Generator) Output(ctx context.Context, ch int) (bool, error) {
	if err := checkChannel(ch); err != nil {
		return false, err
	}
	return g.s.QueryBool(ctx, fmt.Sprintf("OUTP%d:STAT?", ch))
}

// Frequency reads the frequency of channel ch.
func (g *Generator) Frequency(ctx context.Context, ch int) (float64, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("SOUR%d:FREQ?", ch)
	v, err := query.Float64(g.s.Bind(ctx), cmd)
	return v, labinst.AsProtocolError(cmd, err)
}

// OutputsOff switches both outputs off. Both are attempted even if the
// first fails.
func (g *Generator) OutputsOff(ctx context.Context) error {
	var err error
	for ch := 1; ch <= Channels; ch++ {
		err = multierr.Append(err, g.SetOutput(ctx, ch, false))
	}
	return err
}

// SystemError pops the oldest entry of the error queue.
func (g *Generator) SystemError(ctx context.Context) (string, error) {
	v, err := query.String(g.s.Bind(ctx), "SYST:ERR?")
	return strings.TrimSpace(v), labinst.AsProtocolError("SYST:ERR?", err)
}
