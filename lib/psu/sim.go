package psu

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gotmc/labinst"
)

// SimIdentity is what the simulated supply answers to *IDN?.
const SimIdentity = "HEWLETT-PACKARD,E3631A,0,2.1-5.0-1.0"

// SimLoad is the resistance, in ohms, hung on every simulated output.
const SimLoad = 100.0

// Simulator returns a simulated E3631A with SimLoad on each output. An
// output whose load current would exceed its limit goes into constant
// current.
func Simulator() *labinst.EchoSimulator {
	sim := labinst.NewEchoSimulator(SimIdentity).
		SetDefault("INST:SEL", string(P6V)).
		SetDefault("OUTP", "OFF").
		SetDefault("SYST:ERR", `+0,"No error"`)
	for out, l := range Ranges {
		sim.SetDefault("VOLT:"+string(out), "0").
			SetDefault("CURR:"+string(out), strconv.FormatFloat(l.MaxAmps, 'g', -1, 64))
	}

	selected := func(sim *labinst.EchoSimulator) string {
		v, _ := sim.Value("INST:SEL")
		return strings.ToUpper(v)
	}
	store := func(kind string) labinst.Handler {
		return func(_ context.Context, sim *labinst.EchoSimulator, arg string) ([]byte, error) {
			sim.Set(kind+":"+selected(sim), arg)
			return nil, nil
		}
	}
	load := func(kind string) labinst.Handler {
		return func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
			v, _ := sim.Value(kind + ":" + selected(sim))
			return []byte(v), nil
		}
	}
	sim.Handle("VOLT", store("VOLT")).
		Handle("CURR", store("CURR")).
		Handle("VOLT?", load("VOLT")).
		Handle("CURR?", load("CURR"))

	sim.Handle("MEAS:VOLT?", func(_ context.Context, sim *labinst.EchoSimulator, arg string) ([]byte, error) {
		v, _ := measure(sim, arg)
		return []byte(strconv.FormatFloat(v, 'E', 5, 64)), nil
	})
	sim.Handle("MEAS:CURR?", func(_ context.Context, sim *labinst.EchoSimulator, arg string) ([]byte, error) {
		_, i := measure(sim, arg)
		return []byte(strconv.FormatFloat(i, 'E', 5, 64)), nil
	})
	return sim
}

func measure(sim *labinst.EchoSimulator, out string) (volts, amps float64) {
	if on, _ := sim.Value("OUTP"); on != "ON" && on != "1" {
		return 0, 0
	}
	out = strings.ToUpper(strings.TrimSpace(out))
	parse := func(h string) float64 {
		s, _ := sim.Value(h)
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	v, limit := parse("VOLT:"+out), parse("CURR:"+out)
	i := math.Abs(v) / SimLoad
	if i > limit {
		i = limit
		v = math.Copysign(limit*SimLoad, v)
	}
	return v, i
}
