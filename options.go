// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Option applies an option to a Session.
type Option func(*Session)

// Observer receives exchange and acquisition outcomes, typically to feed
// metrics. kind is the value returned by Kind.
type Observer interface {
	ObserveExchange(endpoint, kind string, elapsed time.Duration)
	ObserveAcquisition(endpoint, kind string, elapsed time.Duration)
	ObservePollSkipped(name string)
}

// WithSimulator answers every exchange from sim instead of a transport.
func WithSimulator(sim Simulator) Option { return func(s *Session) { s.sim = sim } }

// WithLogger sets the logger. Commands and replies are logged at debug
// level.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Session) { s.log = l } }

// WithObserver reports every exchange and acquisition to o.
func WithObserver(o Observer) Option { return func(s *Session) { s.obs = o } }

// WithWriteTerminator sets the string appended to every command. The
// default is "\n".
func WithWriteTerminator(term string) Option { return func(s *Session) { s.wterm = term } }

// WithReadTerminator sets the byte that ends a reply. The default is '\n'.
func WithReadTerminator(term byte) Option { return func(s *Session) { s.rterm = term } }

// WithWriteDelay enforces a minimum spacing between writes, for instruments
// that drop commands sent back to back.
func WithWriteDelay(d time.Duration) Option { return func(s *Session) { s.writeDelay = d } }

// WithReadCommand writes cmd after every command that expects a reply,
// for adapters that only fetch a reply when told to.
func WithReadCommand(cmd string) Option { return func(s *Session) { s.readCmd = cmd } }

// WithMaxBlockSize caps the payload length accepted from a block header.
// The default is DefaultMaxBlockSize.
func WithMaxBlockSize(n int) Option { return func(s *Session) { s.maxBlock = n } }

// WithInitCommands sends cmds, in order, right after the transport opens.
// A failure aborts Open.
func WithInitCommands(cmds ...string) Option {
	return func(s *Session) { s.initCmds = append(s.initCmds, cmds...) }
}

// WithCloseCommands sends cmds on Close when the session is idle, e.g. to
// return the front panel to local control.
func WithCloseCommands(cmds ...string) Option {
	return func(s *Session) { s.closeCmds = append(s.closeCmds, cmds...) }
}
