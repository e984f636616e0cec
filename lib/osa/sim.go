package osa

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gotmc/labinst"
)

// SimIdentity is what the simulated analyzer answers to *IDN?.
const SimIdentity = "APEX TECHNOLOGIES/AP2061A/SIM00001/1.0"

const (
	simPoints = 1001
	simPeak   = -10.0
	simFloor  = -70.0
	// speed of light in nm*GHz
	lightNMGHz = 299792458.0
)

// Simulator returns a simulated AP2061A. Sweeps always store into trace 1
// and every trace holds a Lorentzian line at the configured centre.
func Simulator() *labinst.EchoSimulator {
	sim := labinst.NewEchoSimulator(SimIdentity).
		SetDefault("SPCTRWL", strconv.FormatFloat(DefaultCenter, 'f', 3, 64)).
		SetDefault("SPSPANWL", strconv.FormatFloat(DefaultSpan, 'f', 3, 64)).
		SetDefault("SPPOLAR", strconv.Itoa(polarIndex(DefaultChannel))).
		SetDefault("SPSWPRES", "0.040").
		SetDefault("SPNBPTSWP", strconv.Itoa(simPoints)).
		SetDefault("SPDATAFMT", "ASCII")

	sim.Handle("SPSWP", func(context.Context, *labinst.EchoSimulator, string) ([]byte, error) {
		return []byte("1"), nil
	})
	sim.Handle("SPDATAWL", column(func(xs, _ []float64) []float64 { return xs }))
	sim.Handle("SPDATAF", column(func(xs, _ []float64) []float64 {
		f := make([]float64, len(xs))
		for i, x := range xs {
			f[i] = float64(float32(lightNMGHz / x))
		}
		return f
	}))
	sim.Handle("SPDATAL", column(func(_, ys []float64) []float64 { return ys }))
	sim.Handle("SPDATAD", column(func(_, ys []float64) []float64 {
		mw := make([]float64, len(ys))
		for i, y := range ys {
			mw[i] = float64(float32(math.Pow(10, y/10)))
		}
		return mw
	}))
	return sim
}

func simFloat(sim *labinst.EchoSimulator, header string, def float64) float64 {
	v, ok := sim.Value(header)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// synth samples the current trace from the simulator's settings.
func synth(sim *labinst.EchoSimulator) (xs, ys []float64) {
	center := simFloat(sim, "SPCTRWL", DefaultCenter)
	span := simFloat(sim, "SPSPANWL", DefaultSpan)
	n := int(simFloat(sim, "SPNBPTSWP", simPoints))
	fwhm := span / 20
	if fwhm <= 0 {
		fwhm = 0.01
	}
	return labinst.Lorentzian(n, center-span/2, center+span/2, center, fwhm, simPeak, simFloor)
}

// column renders one trace column in the format selected by SPDATAFMT.
func column(pick func(xs, ys []float64) []float64) labinst.Handler {
	return func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
		vals := pick(synth(sim))
		fmtName, _ := sim.Value("SPDATAFMT")
		f, err := labinst.ParseDataFormat(fmtName)
		if err != nil || f == labinst.FormatASCII {
			return []byte(labinst.FormatFloatList(vals, 32, true)), nil
		}
		return labinst.EncodeBlock(labinst.EncodeFloats(vals, f, nil)), nil
	}
}
