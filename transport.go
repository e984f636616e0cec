// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// Transport is the byte stream a Session owns. Deadlines apply to both
// directions; a zero time clears them.
type Transport interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// dialTCP opens a TCP transport bounded by ctx.
func dialTCP(ctx context.Context, e Endpoint) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.Address())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// openSerial opens a serial transport using 8N1 framing.
func openSerial(e Endpoint) (Transport, error) {
	port, err := serial.Open(e.SerialPort, &serial.Mode{
		BaudRate: e.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return &serialTransport{port: port}, nil
}

// serialTransport adapts a serial.Port, which only knows read timeouts, to
// the deadline based Transport. The port only looks at the timeout when a
// read starts, so moving the deadline into the past while a read is blocked
// closes the port to release it.
type serialTransport struct {
	port serial.Port

	mu       sync.Mutex
	deadline time.Time
	reading  bool
	closed   bool
}

func (s *serialTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, net.ErrClosed
	}
	deadline := s.deadline
	s.reading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reading = false
		s.mu.Unlock()
	}()
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return 0, err
		}
	} else if err := s.port.SetReadTimeout(serial.NoTimeout); err != nil {
		return 0, err
	}
	n, err := s.port.Read(p)
	if n == 0 && err == nil {
		// go.bug.st/serial reports an expired read timeout as an empty read.
		return 0, os.ErrDeadlineExceeded
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return n, net.ErrClosed
	}
	return n, err
}

func (s *serialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *serialTransport) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	if s.reading && !t.IsZero() && !t.After(time.Now()) {
		return s.closeLocked()
	}
	return nil
}

func (s *serialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *serialTransport) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return multierr.Combine(s.port.ResetInputBuffer(), s.port.Close())
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
