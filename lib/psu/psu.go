// Package psu drives Agilent E3631A triple output power supplies over LAN
// gateways or RS-232.
package psu

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/gotmc/query"

	"github.com/gotmc/labinst"
)

// Instrument defaults.
const (
	DefaultPort    = 5025
	DefaultTimeout = 5 * time.Second
)

// Output is one of the three supply outputs.
type Output string

// Outputs of the E3631A.
const (
	P6V  Output = "P6V"
	P25V Output = "P25V"
	N25V Output = "N25V"
)

// Limits of one output.
type Limits struct {
	MinVolts, MaxVolts float64
	MaxAmps            float64
}

// Ranges holds the programmable range of every output.
var Ranges = map[Output]Limits{
	P6V:  {0, 6.18, 5.15},
	P25V: {0, 25.75, 1.03},
	N25V: {-25.75, 0, 1.03},
}

// ParseOutput accepts an output name in any case.
func ParseOutput(s string) (Output, error) {
	o := Output(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := Ranges[o]; !ok {
		return "", &labinst.ValidationError{Param: "output", Value: s, Reason: "want P6V, P25V or N25V"}
	}
	return o, nil
}

// Supply is an E3631A reached through a session.
type Supply struct {
	s *labinst.Session
}

// New wraps an open session.
func New(s *labinst.Session) *Supply { return &Supply{s: s} }

// SessionOptions returns the options a session to the supply at e needs.
// Over RS-232 the supply is put into remote mode on open and returned to
// local on close.
func SessionOptions(e labinst.Endpoint) []labinst.Option {
	if !e.IsSerial() {
		return nil
	}
	return []labinst.Option{
		labinst.WithInitCommands("SYST:REM"),
		labinst.WithCloseCommands("SYST:LOC"),
	}
}

// Open connects to the supply at e.
func Open(ctx context.Context, e labinst.Endpoint, opts ...labinst.Option) (*Supply, error) {
	opts = append(slices.Clip(opts), SessionOptions(e)...)
	s, err := labinst.Open(ctx, e, DefaultTimeout, opts...)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// Session returns the underlying session.
func (p *Supply) Session() *labinst.Session { return p.s }

// Close closes the session.
func (p *Supply) Close() error { return p.s.Close() }

func (p *Supply) limits(out Output) (Limits, error) {
	l, ok := Ranges[out]
	if !ok {
		return l, &labinst.ValidationError{Param: "output", Value: out, Reason: "want P6V, P25V or N25V"}
	}
	return l, nil
}

// SetVoltage programs the voltage of out.
func (p *Supply) SetVoltage(ctx context.Context, out Output, volts float64) error {
	l, err := p.limits(out)
	if err != nil {
		return err
	}
	if math.IsNaN(volts) || volts < l.MinVolts || volts > l.MaxVolts {
		return &labinst.ValidationError{Param: string(out) + " voltage", Value: volts, Reason: fmt.Sprintf("outside %g..%g V", l.MinVolts, l.MaxVolts)}
	}
	if err := p.s.Command(ctx, "INST:SEL %s", out); err != nil {
		return err
	}
	return p.s.Command(ctx, "VOLT %g", volts)
}

// SetCurrentLimit programs the current limit of out.
func (p *Supply) SetCurrentLimit(ctx context.Context, out Output, amps float64) error {
	l, err := p.limits(out)
	if err != nil {
		return err
	}
	if math.IsNaN(amps) || amps < 0 || amps > l.MaxAmps {
		return &labinst.ValidationError{Param: string(out) + " current", Value: amps, Reason: fmt.Sprintf("outside 0..%g A", l.MaxAmps)}
	}
	if err := p.s.Command(ctx, "INST:SEL %s", out); err != nil {
		return err
	}
	return p.s.Command(ctx, "CURR %g", amps)
}

// Setpoint reads the programmed voltage and current limit of out.
func (p *Supply) Setpoint(ctx context.Context, out Output) (volts, amps float64, err error) {
	if _, err := p.limits(out); err != nil {
		return 0, 0, err
	}
	if err := p.s.Command(ctx, "INST:SEL %s", out); err != nil {
		return 0, 0, err
	}
	q := p.s.Bind(ctx)
	if volts, err = query.Float64(q, "VOLT?"); err != nil {
		return 0, 0, labinst.AsProtocolError("VOLT?", err)
	}
	if amps, err = query.Float64(q, "CURR?"); err != nil {
		return 0, 0, labinst.AsProtocolError("CURR?", err)
	}
	return volts, amps, nil
}

// SetOutput switches all three outputs on or off together.
func (p *Supply) SetOutput(ctx context.Context, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return p.s.Command(ctx, "OUTP %s", state)
}

// OutputOn reports whether the outputs are on.
func (p *Supply) OutputOn(ctx context.Context) (bool, error) {
	return p.s.QueryBool(ctx, "OUTP?")
}

// Measure reads the voltage and current at out.
func (p *Supply) Measure(ctx context.Context, out Output) (volts, amps float64, err error) {
	if _, err := p.limits(out); err != nil {
		return 0, 0, err
	}
	q := p.s.Bind(ctx)
	vcmd := fmt.Sprintf("MEAS:VOLT? %s", out)
	if volts, err = query.Float64(q, vcmd); err != nil {
		return 0, 0, labinst.AsProtocolError(vcmd, err)
	}
	ccmd := fmt.Sprintf("MEAS:CURR? %s", out)
	if amps, err = query.Float64(q, ccmd); err != nil {
		return 0, 0, labinst.AsProtocolError(ccmd, err)
	}
	return volts, amps, nil
}
