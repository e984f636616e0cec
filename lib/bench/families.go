package bench

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gotmc/labinst"
	"github.com/gotmc/labinst/lib/afg"
	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/osa"
	"github.com/gotmc/labinst/lib/osw"
	"github.com/gotmc/labinst/lib/psu"
	"github.com/gotmc/labinst/lib/sa"
)

func (st settings) float(key string, def float64, errs *error) float64 {
	v, ok := st.lookup(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = multierr.Append(*errs, &labinst.ValidationError{Param: key, Value: v, Reason: "not a number"})
		return def
	}
	return f
}

func (st settings) int(key string, def int, errs *error) int {
	v, ok := st.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = multierr.Append(*errs, &labinst.ValidationError{Param: key, Value: v, Reason: "not an integer"})
		return def
	}
	return n
}

func (st settings) bool(key string, def bool, errs *error) bool {
	v, ok := st.lookup(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "on", "true", "yes":
		return true
	case "0", "off", "false", "no":
		return false
	}
	*errs = multierr.Append(*errs, &labinst.ValidationError{Param: key, Value: v, Reason: "want on or off"})
	return def
}

func openSession(ctx context.Context, e labinst.Endpoint, in config.Instrument, sim labinst.Simulator, opts []labinst.Option) (*labinst.Session, error) {
	if in.Simulate {
		opts = append(opts, labinst.WithSimulator(sim))
	}
	return labinst.Open(ctx, e, in.Timeout, opts...)
}

// closeOnError closes s when *err is set.
func closeOnError(s *labinst.Session, err *error) {
	if *err != nil {
		*err = multierr.Append(*err, s.Close())
	}
}

// openOSA sweeps and reads one trace per poll. Settings: center, span (nm),
// channel, points, mode, scale_x, scale_y, trace, format.
func openOSA(ctx context.Context, e labinst.Endpoint, in config.Instrument, _ logrus.FieldLogger, opts []labinst.Option) (_ driver, err error) {
	st := settings(in.Settings)
	var errs error
	center := st.float("center", osa.DefaultCenter, &errs)
	span := st.float("span", osa.DefaultSpan, &errs)
	trace := st.int("trace", osa.DefaultTrace, &errs)
	points := st.int("points", 0, &errs)
	mode, merr := osa.ParseSweepMode(st.str("mode", "single"))
	format, ferr := labinst.ParseDataFormat(st.str("format", "ascii"))
	scaleX, scaleY := st.str("scale_x", osa.ScaleNM), st.str("scale_y", osa.ScaleLog)
	_, qerr := osa.DataQuery(scaleX, scaleY, trace, format)
	if errs = multierr.Combine(errs, merr, ferr, qerr); errs != nil {
		return driver{}, errs
	}

	s, err := openSession(ctx, e, in, osa.Simulator(), opts)
	if err != nil {
		return driver{}, err
	}
	defer closeOnError(s, &err)
	o := osa.New(s)
	if err = o.Configure(ctx, center, span, st.str("channel", osa.DefaultChannel)); err != nil {
		return driver{}, err
	}
	if points > 0 {
		if err = o.SetPoints(ctx, points); err != nil {
			return driver{}, err
		}
	}
	return driver{s: s, acquire: func(ctx context.Context) (labinst.Trace, error) {
		return o.AcquireOnce(ctx, mode, scaleX, scaleY, trace, format)
	}}, nil
}

// openSA sweeps, logs the marker readings and reads trace 1 per poll.
// Settings: center, span, rbw, vbw (Hz), markers (comma separated
// frequencies for markers 1..4), format.
func openSA(ctx context.Context, e labinst.Endpoint, in config.Instrument, log logrus.FieldLogger, opts []labinst.Option) (_ driver, err error) {
	st := settings(in.Settings)
	var errs error
	cfg := sa.Settings{
		Center: st.float("center", 10.5e6, &errs),
		Span:   st.float("span", 8e6, &errs),
		RBW:    st.float("rbw", sa.DefaultRBW, &errs),
		VBW:    st.float("vbw", sa.DefaultVBW, &errs),
	}
	markers, merr := parseFloats(st.str("markers", ""))
	format, ferr := labinst.ParseDataFormat(st.str("format", "ascii"))
	if len(markers) > sa.MaxMarker {
		merr = multierr.Append(merr, &labinst.ValidationError{Param: "markers", Value: len(markers), Reason: fmt.Sprintf("at most %d", sa.MaxMarker)})
	}
	if errs = multierr.Combine(errs, merr, ferr, cfg.Validate()); errs != nil {
		return driver{}, errs
	}

	opts = append(opts, labinst.WithInitCommands(sa.InitCommands...))
	s, err := openSession(ctx, e, in, sa.Simulator(), opts)
	if err != nil {
		return driver{}, err
	}
	defer closeOnError(s, &err)
	a := sa.New(s)
	if err = a.Configure(ctx, cfg); err != nil {
		return driver{}, err
	}
	for n, f := range markers {
		if err = a.SetMarker(ctx, n+1, f); err != nil {
			return driver{}, err
		}
	}
	return driver{s: s, acquire: func(ctx context.Context) (labinst.Trace, error) {
		readings, err := a.AcquireOnce(ctx)
		if err != nil {
			return labinst.Trace{}, err
		}
		for _, r := range readings {
			log.WithFields(logrus.Fields{"marker": r.Marker, "freq": r.Freq, "level": r.Level}).Debug("marker")
		}
		return a.TraceData(ctx, format)
	}}, nil
}

// openAFG configures one channel on connect and verifies it per poll. The
// trace holds one point per check, Y 1 for pass and 0 for fail. Settings:
// channel, function, frequency, amplitude, offset, load, reset.
func openAFG(ctx context.Context, e labinst.Endpoint, in config.Instrument, log logrus.FieldLogger, opts []labinst.Option) (_ driver, err error) {
	st := settings(in.Settings)
	var errs error
	def := afg.DefaultChannel()
	ch := st.int("channel", 1, &errs)
	want := afg.ChannelConfig{
		Function:  strings.ToUpper(st.str("function", def.Function)),
		Frequency: st.float("frequency", def.Frequency, &errs),
		Amplitude: st.float("amplitude", def.Amplitude, &errs),
		Offset:    st.float("offset", def.Offset, &errs),
		Load:      strings.ToUpper(st.str("load", def.Load)),
	}
	reset := st.bool("reset", false, &errs)
	if errs = multierr.Combine(errs, want.Validate()); errs != nil {
		return driver{}, errs
	}

	s, err := openSession(ctx, e, in, afg.Simulator(), opts)
	if err != nil {
		return driver{}, err
	}
	defer closeOnError(s, &err)
	g := afg.New(s)
	if err = g.Configure(ctx, ch, want, reset); err != nil {
		return driver{}, err
	}
	return driver{s: s, acquire: func(ctx context.Context) (labinst.Trace, error) {
		r, err := g.Verify(ctx, ch, want)
		if err != nil {
			return labinst.Trace{}, err
		}
		t := labinst.Trace{Index: ch, XUnit: "check", YUnit: "pass"}
		var failed []string
		for i, c := range r.Checks {
			y := 0.0
			if c.OK && c.Err == nil {
				y = 1
			} else {
				failed = append(failed, c.Label)
			}
			t.Points = append(t.Points, labinst.Point{X: float64(i), Y: y})
		}
		if !r.OK {
			log.WithField("failed", strings.Join(failed, ",")).Warn("verification failed")
			for _, l := range r.Lines() {
				log.Debug(l)
			}
		}
		return t, nil
	}}, nil
}

var psuOutputs = []psu.Output{psu.P6V, psu.P25V, psu.N25V}

// openPSU programs the outputs on connect and measures all three per poll:
// X is the output index (1 P6V, 2 P25V, 3 N25V), Y the measured voltage.
// Settings: <output>_volts, <output>_amps for each output, output (on/off).
func openPSU(ctx context.Context, e labinst.Endpoint, in config.Instrument, log logrus.FieldLogger, opts []labinst.Option) (_ driver, err error) {
	st := settings(in.Settings)
	var errs error
	type setpoint struct {
		out         psu.Output
		volts, amps float64
		hasV, hasA  bool
	}
	var sps []setpoint
	for _, out := range psuOutputs {
		key := strings.ToLower(string(out))
		sp := setpoint{out: out}
		if _, ok := st.lookup(key + "_volts"); ok {
			sp.volts, sp.hasV = st.float(key+"_volts", 0, &errs), true
		}
		if _, ok := st.lookup(key + "_amps"); ok {
			sp.amps, sp.hasA = st.float(key+"_amps", 0, &errs), true
		}
		sps = append(sps, sp)
	}
	_, hasOutput := st.lookup("output")
	on := st.bool("output", false, &errs)
	if errs != nil {
		return driver{}, errs
	}

	opts = append(opts, psu.SessionOptions(e)...)
	s, err := openSession(ctx, e, in, psu.Simulator(), opts)
	if err != nil {
		return driver{}, err
	}
	defer closeOnError(s, &err)
	p := psu.New(s)
	for _, sp := range sps {
		if sp.hasV {
			if err = p.SetVoltage(ctx, sp.out, sp.volts); err != nil {
				return driver{}, err
			}
		}
		if sp.hasA {
			if err = p.SetCurrentLimit(ctx, sp.out, sp.amps); err != nil {
				return driver{}, err
			}
		}
	}
	if hasOutput {
		if err = p.SetOutput(ctx, on); err != nil {
			return driver{}, err
		}
	}
	return driver{s: s, acquire: func(ctx context.Context) (labinst.Trace, error) {
		t := labinst.Trace{XUnit: "output", YUnit: "V"}
		for i, out := range psuOutputs {
			v, a, err := p.Measure(ctx, out)
			if err != nil {
				return labinst.Trace{}, err
			}
			log.WithFields(logrus.Fields{"output": out, "volts": v, "amps": a}).Debug("measured")
			t.Points = append(t.Points, labinst.Point{X: float64(i + 1), Y: v})
		}
		return t, nil
	}}, nil
}

var oswKinds = map[string]osw.Kind{
	"nx2": osw.NX2, "1x2": osw.NX2, "2x2": osw.NX2,
	"1x4": osw.OneX4,
	"1x8": osw.OneX8,
}

// openOSW selects a path on connect and reads it back per poll as a single
// point (slot, path). Settings: path (number or name), kind (simulated
// module type, default 1x8).
func openOSW(ctx context.Context, e labinst.Endpoint, in config.Instrument, _ logrus.FieldLogger, opts []labinst.Option) (_ driver, err error) {
	st := settings(in.Settings)
	kind, ok := oswKinds[strings.ToLower(st.str("kind", "1x8"))]
	if !ok {
		return driver{}, &labinst.ValidationError{Param: "kind", Value: st.str("kind", ""), Reason: "want nx2, 1x4 or 1x8"}
	}

	s, err := openSession(ctx, e, in, osw.Simulator(map[int]osw.Kind{in.Slot: kind}), opts)
	if err != nil {
		return driver{}, err
	}
	defer closeOnError(s, &err)
	sw, err := osw.New(ctx, s, in.Slot)
	if err != nil {
		return driver{}, err
	}
	if path, ok := st.lookup("path"); ok && path != "" {
		if n, perr := strconv.Atoi(path); perr == nil {
			_, err = sw.SetPath(ctx, n)
		} else {
			_, err = sw.SetPathName(ctx, path)
		}
		if err != nil {
			return driver{}, err
		}
	}
	return driver{s: s, acquire: func(ctx context.Context) (labinst.Trace, error) {
		p, err := sw.Path(ctx)
		if err != nil {
			return labinst.Trace{}, err
		}
		return labinst.Trace{
			Index:  sw.Slot(),
			XUnit:  "slot",
			YUnit:  "path",
			Points: []labinst.Point{{X: float64(sw.Slot()), Y: float64(p)}},
		}, nil
	}}, nil
}

// parseFloats splits a comma separated list of numbers.
func parseFloats(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &labinst.ValidationError{Param: "markers", Value: f, Reason: "not a number"}
		}
		out = append(out, v)
	}
	return out, nil
}
