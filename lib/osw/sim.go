package osw

import (
	"context"
	"fmt"

	"github.com/gotmc/labinst"
)

// SimIdentity is what the simulated mainframe answers to *IDN?.
const SimIdentity = "APEX TECHNOLOGIES/AP1000-8/SIM00001/2.0"

var simModel = map[Kind]string{
	NX2:   "OSW-SM-FC-2X2",
	OneX4: "OSW-SM-FC-1X4",
	OneX8: "OSW-SM-FC-1X8",
}

// Simulator returns a simulated AP1000 holding a switch module of the
// given kind in each listed slot. Modules start straight or on output A.
func Simulator(slots map[int]Kind) *labinst.EchoSimulator {
	sim := labinst.NewEchoSimulator(SimIdentity)
	for slot, kind := range slots {
		sim.SetDefault(fmt.Sprintf("SLT[%02d]:IDN", slot), fmt.Sprintf("APEX/AP3364A/%s/1.0", simModel[kind]))
		sw := &Switch{slot: slot, kind: kind}
		key := fmt.Sprintf("SLOT%02d:PATH", slot)
		sim.SetDefault(key, fmt.Sprint(sw.clamp(0)))

		first := 1
		if kind == NX2 {
			first = 0
		}
		for p := first; p < first+kind.Ports(); p++ {
			v := fmt.Sprint(p)
			sim.Handle(sw.setCommand(p), func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
				sim.Set(key, v)
				return nil, nil
			})
		}
		prefix := ""
		if kind != NX2 {
			prefix = "OUT"
		}
		sim.Handle(sw.getCommand(), func(_ context.Context, sim *labinst.EchoSimulator, _ string) ([]byte, error) {
			v, _ := sim.Value(key)
			return []byte(prefix + v), nil
		})
	}
	return sim
}
