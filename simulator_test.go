// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"errors"
	"testing"
)

func exchange(t *testing.T, sim Simulator, cmd string) string {
	t.Helper()
	r, err := sim.Exchange(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return string(r)
}

func TestEchoSimulator(t *testing.T) {
	sim := NewEchoSimulator("VENDOR,MODEL,123,1.0").SetDefault("FREQ", "1000")

	tests := []struct {
		cmd  string
		want string
	}{
		{"*IDN?", "VENDOR,MODEL,123,1.0"},
		{"*OPC?", "1"},
		{"FREQ?", "1000"},
		{":freq 2500", ""},
		{"FREQ?", "2500"},
		{"UNKNOWN?", "0"},
		{"VOLT 1.5;VOLT?", "1.5"},
		{"FREQ?;VOLT?", "2500;1.5"},
		{"*RST", ""},
		{"FREQ?", "1000"},
		{"VOLT?", "0"},
		{"*CLS", ""},
	}
	for _, tc := range tests {
		if got := exchange(t, sim, tc.cmd); got != tc.want {
			t.Errorf("%q -> %q, want %q", tc.cmd, got, tc.want)
		}
	}
	if v, ok := sim.Value("freq"); !ok || v != "1000" {
		t.Errorf("Value = %q, %v", v, ok)
	}
	if n := len(sim.History()); n != 14 {
		t.Errorf("history has %d parts", n)
	}
}

func TestEchoSimulatorSetReturnsNil(t *testing.T) {
	sim := NewEchoSimulator("x")
	r, err := sim.Exchange(context.Background(), "OUTP ON")
	if err != nil || r != nil {
		t.Errorf("set reply = %q, %v", r, err)
	}
}

func TestEchoSimulatorHandler(t *testing.T) {
	boom := errors.New("boom")
	sim := NewEchoSimulator("x").
		Handle("SPSWP", func(_ context.Context, s *EchoSimulator, arg string) ([]byte, error) {
			s.Set("LAST", arg)
			return []byte("3"), nil
		}).
		Handle("FAIL?", func(context.Context, *EchoSimulator, string) ([]byte, error) {
			return nil, boom
		})
	if got := exchange(t, sim, "spswp 1"); got != "3" {
		t.Errorf("handler reply = %q", got)
	}
	if got := exchange(t, sim, "LAST?"); got != "1" {
		t.Errorf("handler state = %q", got)
	}
	if _, err := sim.Exchange(context.Background(), "FAIL?"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestLorentzian(t *testing.T) {
	xs, ys := Lorentzian(401, 1540, 1560, 1550, 0.1, -10, -70)
	if len(xs) != 401 || len(ys) != 401 {
		t.Fatalf("lengths %d, %d", len(xs), len(ys))
	}
	tr := Trace{Points: make([]Point, len(xs))}
	for i := range xs {
		tr.Points[i] = Point{X: xs[i], Y: ys[i]}
	}
	p, ok := tr.Peak()
	if !ok || p.X != 1550 {
		t.Errorf("peak at %v", p)
	}
	if p.Y < -10.01 || p.Y > -9.99 {
		t.Errorf("peak power %v", p.Y)
	}
	if ys[0] > p.Y-40 {
		t.Errorf("wing %v too close to peak", ys[0])
	}
	for i := range ys {
		if ys[i] != float64(float32(ys[i])) {
			t.Fatalf("sample %d not float32 exact", i)
		}
	}
	if xs, ys := Lorentzian(0, 0, 1, 0, 1, 0, -10); xs != nil || ys != nil {
		t.Error("empty request returned samples")
	}
}
