// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package labinst models a session with one networked or serial-attached
// test instrument. A Session owns the transport, carries one
// command/response exchange at a time and offers typed helpers on top of raw
// command strings. Instrument specific command templates live in the
// packages under lib/.
package labinst

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// DefaultTimeout bounds an exchange when neither Open nor the caller's
// context say otherwise.
const DefaultTimeout = 5 * time.Second

// State is the lifecycle state of a Session.
type State int32

// Session states.
const (
	Disconnected State = iota
	Connected
	Busy
)

var stateDesc = map[State]string{
	Disconnected: "disconnected",
	Connected:    "connected",
	Busy:         "busy",
}

func (st State) String() string {
	if d, ok := stateDesc[st]; ok {
		return d
	}
	return fmt.Sprintf("state(%d)", int32(st))
}

// Session is one live connection to one instrument. Only one exchange is in
// flight at a time; a second exchange issued meanwhile fails with a
// StateError instead of queueing. One Session per physical endpoint is
// expected; two sessions to the same instrument will interleave commands.
type Session struct {
	id       string
	endpoint Endpoint
	timeout  time.Duration
	log      logrus.FieldLogger
	obs      Observer
	sim      Simulator

	wterm      string
	rterm      byte
	writeDelay time.Duration
	initCmds   []string
	closeCmds  []string
	readCmd    string
	maxBlock   int

	life   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	closed    bool
	acquiring bool
	tr        Transport
	rd        *bufio.Reader
	lastWrite time.Time
	identity  string
}

// Open establishes the transport to e and returns a connected Session.
// Dialing is bounded by timeout, which also becomes the default exchange
// timeout. Any failure is a *ConnectionError and no session is returned.
func Open(ctx context.Context, e Endpoint, timeout time.Duration, opts ...Option) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{
		id:       uuid.NewString(),
		endpoint: e,
		timeout:  timeout,
		wterm:    "\n",
		rterm:    '\n',
		maxBlock: DefaultMaxBlockSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithFields(logrus.Fields{"session": s.id, "endpoint": e.String()})

	start := time.Now()
	fail := func(err error) (*Session, error) {
		return nil, &ConnectionError{Endpoint: e, Elapsed: time.Since(start), Err: err}
	}
	if s.sim == nil {
		if err := e.Validate(); err != nil {
			return fail(err)
		}
		var (
			tr  Transport
			err error
		)
		if e.IsSerial() {
			tr, err = openSerial(e)
		} else {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			tr, err = dialTCP(dctx, e)
			cancel()
		}
		if err != nil {
			return fail(err)
		}
		s.tr = tr
		s.rd = bufio.NewReader(tr)
	}
	s.life, s.cancel = context.WithCancel(context.Background())
	s.state = Connected

	for _, cmd := range s.initCmds {
		if err := s.Command(ctx, "%s", cmd); err != nil {
			_ = s.Close()
			return fail(err)
		}
	}
	s.log.WithField("simulated", s.sim != nil).Debug("session open")
	return s, nil
}

// ID returns the random identifier used in logs and published traces.
func (s *Session) ID() string { return s.id }

// Endpoint returns the endpoint the session was opened with.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Timeout returns the default exchange timeout.
func (s *Session) Timeout() time.Duration { return s.timeout }

// Simulated reports whether the session answers from a Simulator.
func (s *Session) Simulated() bool { return s.sim != nil }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquiring reports whether RunAcquisition is in progress.
func (s *Session) Acquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

// Close releases the transport. It is safe to call more than once and on a
// session that already dropped to Disconnected. An exchange in flight is
// unblocked and fails with a *TransportError.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	idle := s.state == Connected && !s.acquiring
	s.mu.Unlock()

	var err error
	if idle && len(s.closeCmds) > 0 {
		for _, cmd := range s.closeCmds {
			err = multierr.Append(err, s.Command(context.Background(), "%s", cmd))
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.state = Disconnected
	tr := s.tr
	s.tr = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if tr != nil {
		err = multierr.Append(err, tr.Close())
	}
	s.log.Debug("session closed")
	return err
}

// readMode selects how a reply is framed.
type readMode int

const (
	readNone readMode = iota
	readLine
	readBlockMode
	readFixed
)

type request struct {
	op      string
	cmd     string
	mode    readMode
	n       int
	timeout time.Duration
}

// SendCommand writes cmd and returns the reply up to, but not including, the
// read terminator. The context deadline, when earlier than the session
// timeout, bounds the exchange.
func (s *Session) SendCommand(ctx context.Context, cmd string) ([]byte, error) {
	return s.exchange(ctx, request{op: "SendCommand", cmd: cmd, mode: readLine}, false)
}

// SendCommandTimeout is SendCommand with an explicit timeout for operations
// that legitimately take longer than the session default, such as a sweep.
func (s *Session) SendCommandTimeout(ctx context.Context, cmd string, timeout time.Duration) ([]byte, error) {
	return s.exchange(ctx, request{op: "SendCommand", cmd: cmd, mode: readLine, timeout: timeout}, false)
}

// Command formats according to a format specifier if provided and sends the
// result without waiting for a reply. Leading and trailing whitespace is
// removed before the write terminator is appended.
func (s *Session) Command(ctx context.Context, format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	_, err := s.exchange(ctx, request{op: "Command", cmd: cmd, mode: readNone}, false)
	return err
}

// Query implements the gotmc/query Querier interface using the session
// timeout. The reply is returned with surrounding whitespace removed.
func (s *Session) Query(cmd string) (string, error) {
	b, err := s.SendCommand(context.Background(), cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// QueryBlock sends cmd and reads an IEEE 488.2 definite length block reply,
// returning its payload. A reply whose block framing is broken drops the
// session with a *TransportError.
func (s *Session) QueryBlock(ctx context.Context, cmd string) ([]byte, error) {
	return s.exchange(ctx, request{op: "QueryBlock", cmd: cmd, mode: readBlockMode}, false)
}

// QueryFixed sends cmd and reads exactly n reply bytes.
func (s *Session) QueryFixed(ctx context.Context, cmd string, n int) ([]byte, error) {
	if n <= 0 {
		return nil, &ValidationError{Param: "reply length", Value: n, Reason: "must be positive"}
	}
	return s.exchange(ctx, request{op: "QueryFixed", cmd: cmd, mode: readFixed, n: n}, false)
}

// begin moves the session to Busy or explains why it cannot.
func (s *Session) begin(op string, internal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return &StateError{Op: op, State: Disconnected, Reason: "session closed", Err: ErrClosed}
	case s.state == Disconnected:
		return &StateError{Op: op, State: s.state, Reason: "not connected"}
	case s.state == Busy:
		return &StateError{Op: op, State: s.state, Reason: "another exchange is in flight"}
	case s.acquiring && !internal:
		return &StateError{Op: op, State: s.state, Reason: "acquisition in progress"}
	}
	s.state = Busy
	return nil
}

// finish returns the session to Connected, or drops it to Disconnected and
// releases the transport when the exchange failed at the transport level.
func (s *Session) finish(drop bool) {
	s.mu.Lock()
	var tr Transport
	if drop && !s.closed {
		s.state = Disconnected
		tr = s.tr
		s.tr = nil
	} else if s.state == Busy {
		s.state = Connected
	}
	s.mu.Unlock()
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.log.WithError(err).Debug("closing dropped transport")
		}
	}
}

func (s *Session) exchange(ctx context.Context, req request, internal bool) (reply []byte, err error) {
	if err := s.begin(req.op, internal); err != nil {
		return nil, err
	}
	start := time.Now()
	timeout := req.timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	xctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopLife := context.AfterFunc(s.life, cancel)
	defer stopLife()

	s.mu.Lock()
	tr, rd := s.tr, s.rd
	s.mu.Unlock()

	cmd := strings.TrimSpace(req.cmd)
	log := s.log.WithField("cmd", cmd)
	log.Debug("send")

	if s.sim != nil {
		reply, err = s.simulate(xctx, cmd, req)
	} else {
		reply, err = s.transfer(xctx, tr, rd, cmd, req)
	}
	elapsed := time.Since(start)

	err = s.classify(ctx, xctx, cmd, req.mode, timeout, elapsed, err)
	var (
		te  *TransportError
		toe *TimeoutError
	)
	drop := errors.As(err, &te) || errors.As(err, &toe)
	s.finish(drop)

	if s.obs != nil {
		s.obs.ObserveExchange(s.endpoint.String(), Kind(err), elapsed)
	}
	if err != nil {
		entry := log.WithError(err).WithField("elapsed", elapsed)
		if drop {
			entry.Warn("exchange failed, session disconnected")
		} else {
			entry.Debug("exchange failed")
		}
		return reply, err
	}
	if req.mode != readNone {
		log.WithField("reply", truncate(reply, 80)).Debug("recv")
	}
	return reply, nil
}

// classify maps a raw I/O failure onto the session error taxonomy.
// A block whose framing is broken leaves an unknown number of its bytes
// unread, so on a live transport it loses the connection like an I/O error.
func (s *Session) classify(ctx, xctx context.Context, cmd string, mode readMode, timeout, elapsed time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if mode == readBlockMode && s.sim == nil {
			return &TransportError{Endpoint: s.endpoint, Command: cmd, Elapsed: elapsed, Err: err}
		}
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return &TransportError{Endpoint: s.endpoint, Command: cmd, Elapsed: elapsed, Err: ErrClosed}
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TransportError{Endpoint: s.endpoint, Command: cmd, Elapsed: elapsed, Err: ctx.Err()}
	case isTimeout(err) || errors.Is(xctx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Endpoint: s.endpoint, Command: cmd, Limit: timeout, Elapsed: elapsed}
	}
	return &TransportError{Endpoint: s.endpoint, Command: cmd, Elapsed: elapsed, Err: err}
}

func (s *Session) transfer(ctx context.Context, tr Transport, rd *bufio.Reader, cmd string, req request) ([]byte, error) {
	if tr == nil {
		return nil, net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := tr.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	// Move the deadline into the past on cancellation to unblock I/O.
	stop := context.AfterFunc(ctx, func() { _ = tr.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	// Stale bytes from an earlier, abandoned reply would otherwise be read
	// as the answer to this command.
	if n := rd.Buffered(); n > 0 {
		_, _ = rd.Discard(n)
	}
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tr, cmd+s.wterm); err != nil {
		return nil, err
	}
	if req.mode != readNone && s.readCmd != "" {
		if _, err := io.WriteString(tr, s.readCmd+s.wterm); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.lastWrite = time.Now()
	s.mu.Unlock()
	return s.readReply(rd, cmd, req)
}

// pace waits out the configured write delay.
func (s *Session) pace(ctx context.Context) error {
	if s.writeDelay <= 0 {
		return nil
	}
	s.mu.Lock()
	wait := s.writeDelay - time.Since(s.lastWrite)
	s.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readReply(rd *bufio.Reader, cmd string, req request) ([]byte, error) {
	switch req.mode {
	case readLine:
		line, err := rd.ReadBytes(s.rterm)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte{s.rterm})
		return bytes.TrimSuffix(line, []byte{'\r'}), nil
	case readBlockMode:
		return readBlock(rd, cmd, s.rterm, s.maxBlock)
	case readFixed:
		buf := make([]byte, req.n)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, nil
}

// simulate answers from the simulator. A simulator that stays silent on a
// query behaves like a silent instrument: the exchange runs into its
// deadline.
func (s *Session) simulate(ctx context.Context, cmd string, req request) ([]byte, error) {
	reply, err := s.sim.Exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if req.mode == readNone {
		return nil, nil
	}
	if reply == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rd := bufio.NewReader(io.MultiReader(bytes.NewReader(reply), bytes.NewReader([]byte{s.rterm})))
	return s.readReply(rd, cmd, req)
}

// sleep waits for d unless ctx ends or the session closes first.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.life.Done():
		return ErrClosed
	}
}

// Identify queries and caches "*IDN?".
func (s *Session) Identify(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := s.QueryString(ctx, "*IDN?")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return id, nil
}
