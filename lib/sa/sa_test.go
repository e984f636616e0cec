package sa

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
)

func openSim(t *testing.T, sim *labinst.EchoSimulator) *Analyzer {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	a, err := Open(context.Background(), labinst.TCP("sim", DefaultPort), labinst.WithSimulator(sim), labinst.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenRunsInitSequence(t *testing.T) {
	sim := Simulator()
	openSim(t, sim)
	got := sim.History()
	if len(got) != len(InitCommands) {
		t.Fatalf("history = %q", got)
	}
	for i, c := range InitCommands {
		if got[i] != c {
			t.Errorf("init %d = %q, want %q", i, got[i], c)
		}
	}
}

func TestConfigure(t *testing.T) {
	sim := Simulator()
	a := openSim(t, sim)
	ctx := context.Background()
	if err := a.Configure(ctx, Settings{Center: 1e9, Span: 2e6}); err != nil {
		t.Fatal(err)
	}
	hist := sim.History()[len(InitCommands):]
	want := []string{
		"SENS:FREQ:CENT 1e+09", "*OPC?",
		"SENS:FREQ:SPAN 2e+06", "*OPC?",
		"SENS:BAND:RES 1000", "*OPC?",
		"SENS:BAND:VID 10", "*OPC?",
		"SENS:SWE:TYPE AUTO", "*OPC?",
	}
	if len(hist) != len(want) {
		t.Fatalf("history = %q", hist)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, hist[i], want[i])
		}
	}
	if c, err := a.Center(ctx); err != nil || c != 1e9 {
		t.Errorf("Center = %v, %v", c, err)
	}
	if r, err := a.RBW(ctx); err != nil || r != DefaultRBW {
		t.Errorf("RBW = %v, %v", r, err)
	}
}

func TestValidation(t *testing.T) {
	sim := Simulator()
	a := openSim(t, sim)
	ctx := context.Background()
	var ve *labinst.ValidationError
	for name, err := range map[string]error{
		"center":      a.SetCenter(ctx, 31e9),
		"span":        a.SetSpan(ctx, -1),
		"rbw":         a.SetRBW(ctx, 0.5),
		"vbw":         a.SetVBW(ctx, 20e6),
		"marker 0":    a.SetMarker(ctx, 0, 1e6),
		"marker 5":    a.SetMarker(ctx, 5, 1e6),
		"marker freq": a.SetMarker(ctx, 1, math.NaN()),
		"configure":   a.Configure(ctx, Settings{Center: 1e6, Span: 1e3, RBW: 20e6}),
	} {
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if n := len(sim.History()); n != len(InitCommands) {
		t.Errorf("rejected calls sent %d commands", n-len(InitCommands))
	}
}

func TestMarkersAndAcquire(t *testing.T) {
	sim := Simulator()
	a := openSim(t, sim)
	ctx := context.Background()
	for _, m := range []Marker{{1, 10e6}, {2, 12e6}, {1, simCenter}} {
		if err := a.SetMarker(ctx, m.Num, m.Freq); err != nil {
			t.Fatal(err)
		}
	}
	ms := a.Markers()
	if len(ms) != 2 || ms[0] != (Marker{1, simCenter}) || ms[1] != (Marker{2, 12e6}) {
		t.Fatalf("markers = %v", ms)
	}
	rs, err := a.AcquireOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 2 || rs[0].Marker != 1 || rs[1].Marker != 2 {
		t.Fatalf("readings = %+v", rs)
	}
	if rs[0].Freq != simCenter || math.Abs(rs[0].Level-simPeak) > 0.01 {
		t.Errorf("marker 1 = %+v", rs[0])
	}
	if rs[1].Level >= rs[0].Level {
		t.Errorf("off-carrier marker %.2f not below carrier %.2f", rs[1].Level, rs[0].Level)
	}
	var sawTrigger bool
	for _, c := range sim.History() {
		if c == "INIT:IMM" {
			sawTrigger = true
		}
	}
	if !sawTrigger {
		t.Error("no INIT:IMM sent")
	}
}

func TestTraceDataFormatsAgree(t *testing.T) {
	a := openSim(t, Simulator())
	ctx := context.Background()
	ascii, err := a.TraceData(ctx, labinst.FormatASCII)
	if err != nil {
		t.Fatal(err)
	}
	bin, err := a.TraceData(ctx, labinst.FormatReal32)
	if err != nil {
		t.Fatal(err)
	}
	if len(ascii.Points) != simPoints || len(bin.Points) != simPoints {
		t.Fatalf("lengths %d, %d", len(ascii.Points), len(bin.Points))
	}
	first, last := ascii.Points[0].X, ascii.Points[simPoints-1].X
	if first != simCenter-simSpan/2 || math.Abs(last-(simCenter+simSpan/2)) > 1e-6 {
		t.Errorf("axis %g..%g", first, last)
	}
	for i := range ascii.Points {
		if float32(ascii.Points[i].Y) != float32(bin.Points[i].Y) {
			t.Fatalf("point %d: %v vs %v", i, ascii.Points[i], bin.Points[i])
		}
	}
	p, _ := ascii.Peak()
	if math.Abs(p.X-simCenter) > simSpan/float64(simPoints) {
		t.Errorf("peak at %g Hz", p.X)
	}
	if _, err := a.TraceData(ctx, labinst.FormatReal64); err == nil {
		t.Error("real64 accepted")
	}
}
