package sa

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gotmc/labinst"
)

// SimIdentity is what the simulated analyzer answers to *IDN?.
const SimIdentity = "Rohde&Schwarz,FSV-30,1307.9002K30/000000,3.40"

const (
	simCenter = 10.5e6
	simSpan   = 8e6
	simPoints = 691
	simPeak   = -20.0
	simFloor  = -90.0
)

// Simulator returns a simulated FSV30 showing a single carrier at the
// configured centre frequency.
func Simulator() *labinst.EchoSimulator {
	sim := labinst.NewEchoSimulator(SimIdentity).
		SetDefault("SENS:FREQ:CENT", strconv.FormatFloat(simCenter, 'g', -1, 64)).
		SetDefault("SENS:FREQ:SPAN", strconv.FormatFloat(simSpan, 'g', -1, 64)).
		SetDefault("SENS:BAND:RES", strconv.FormatFloat(DefaultRBW, 'g', -1, 64)).
		SetDefault("SENS:BAND:VID", strconv.FormatFloat(DefaultVBW, 'g', -1, 64)).
		SetDefault("SENS:SWE:POIN", strconv.Itoa(simPoints)).
		SetDefault("FORM", "ASC").
		SetDefault("SYST:ERR", `0,"No error"`)

	sim.Handle("SENS:FREQ:STAR?", func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
		c, s := window(sim)
		return []byte(strconv.FormatFloat(c-s/2, 'g', -1, 64)), nil
	})
	sim.Handle("SENS:FREQ:STOP?", func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
		c, s := window(sim)
		return []byte(strconv.FormatFloat(c+s/2, 'g', -1, 64)), nil
	})
	sim.Handle("TRAC?", func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
		c, s := window(sim)
		n := int(value(sim, "SENS:SWE:POIN", simPoints))
		_, ys := labinst.Lorentzian(n, c-s/2, c+s/2, c, linewidth(s), simPeak, simFloor)
		form, _ := sim.Value("FORM")
		f, err := labinst.ParseDataFormat(form)
		if err != nil || f == labinst.FormatASCII {
			return []byte(labinst.FormatFloatList(ys, 32, false)), nil
		}
		return labinst.EncodeBlock(labinst.EncodeFloats(ys, f, nil)), nil
	})
	for n := 1; n <= MaxMarker; n++ {
		header := fmt.Sprintf("CALC:MARK%d:X", n)
		sim.Handle(fmt.Sprintf("CALC:MARK%d:Y?", n), func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
			c, s := window(sim)
			x := value(sim, header, c)
			_, ys := labinst.Lorentzian(1, x, x, c, linewidth(s), simPeak, simFloor)
			return []byte(strconv.FormatFloat(ys[0], 'f', 2, 64)), nil
		})
	}
	return sim
}

func value(sim *labinst.EchoSimulator, header string, def float64) float64 {
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

func window(sim *labinst.EchoSimulator) (center, span float64) {
	return value(sim, "SENS:FREQ:CENT", simCenter), value(sim, "SENS:FREQ:SPAN", simSpan)
}

func linewidth(span float64) float64 {
	return math.Max(span/20, 1)
}
