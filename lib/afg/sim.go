package afg

import (
	"fmt"

	"github.com/gotmc/labinst"
)

// SimIdentity is what the simulated generator answers to *IDN?.
const SimIdentity = "TEKTRONIX,AFG1062,SIM0001,SCPI:99.0 FV:V1.2.3"

// Simulator returns a simulated AFG1062 in its power-on state: both
// channels a 1 kHz, 1 Vpp sine with outputs off.
func Simulator() *labinst.EchoSimulator {
	sim := labinst.NewEchoSimulator(SimIdentity).SetDefault("SYST:ERR", `0,"No error"`)
	for ch := 1; ch <= Channels; ch++ {
		sim.SetDefault(fmt.Sprintf("SOUR%d:FUNC", ch), "SIN").
			SetDefault(fmt.Sprintf("SOUR%d:FREQ", ch), "1000").
			SetDefault(fmt.Sprintf("SOUR%d:VOLT", ch), "1").
			SetDefault(fmt.Sprintf("SOUR%d:VOLT:OFFS", ch), "0").
			SetDefault(fmt.Sprintf("OUTP%d:LOAD", ch), "50").
			SetDefault(fmt.Sprintf("OUTP%d:STAT", ch), "OFF")
	}
	return sim
}
