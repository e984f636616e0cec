// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import "fmt"

// GPIBAdapter describes a Prologix GPIB-USB or GPIB-Ethernet controller, or
// an Arduino AR488 clone, sitting between the session and a GPIB
// instrument. The session endpoint is the adapter's serial port or socket.
type GPIBAdapter struct {
	// Addr is the primary address, 0-30.
	Addr int
	// Secondary is an optional secondary address, 96-126; 0 means none.
	Secondary int
	// AR488 skips the commands the AR488 does not understand.
	AR488 bool
	// Clear sends Selected Device Clear after setup.
	Clear bool
}

// Validate checks the addresses.
func (g GPIBAdapter) Validate() error {
	if g.Addr < 0 || g.Addr > 30 {
		return &ValidationError{Param: "gpib address", Value: g.Addr, Reason: "outside 0..30"}
	}
	if g.Secondary != 0 && (g.Secondary < 96 || g.Secondary > 126) {
		return &ValidationError{Param: "gpib secondary address", Value: g.Secondary, Reason: "outside 96..126"}
	}
	return nil
}

// Commands returns the adapter setup: controller mode, read-after-write off
// and EOI handling, with replies terminated by '\n'.
func (g GPIBAdapter) Commands() []string {
	addr := fmt.Sprintf("++addr %d", g.Addr)
	if g.Secondary != 0 {
		addr = fmt.Sprintf("++addr %d %d", g.Addr, g.Secondary)
	}
	var cmds []string
	if !g.AR488 {
		// savecfg 0 keeps the setup out of the adapter's EEPROM.
		cmds = append(cmds, "++verbose 0", "++savecfg 0")
	}
	cmds = append(cmds,
		addr,
		"++mode 1",
		"++auto 0",
		"++eoi 1",
		"++eos 0",
		"++read_tmo_ms 500",
		"++eot_char 10",
		"++eot_enable 1",
	)
	if g.Clear {
		cmds = append(cmds, "++clr")
	}
	return cmds
}

// Options returns the session options that talk through the adapter. With
// read-after-write off, every query is followed by "++read eoi".
func (g GPIBAdapter) Options() ([]Option, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return []Option{
		WithInitCommands(g.Commands()...),
		WithReadCommand("++read eoi"),
	}, nil
}
