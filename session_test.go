// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeInstrument accepts TCP connections and answers every received line
// with respond(line). A nil answer means silence.
func fakeInstrument(t *testing.T, respond func(line string) []byte) (Endpoint, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	got := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rd := bufio.NewReader(c)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					select {
					case got <- line:
					default:
					}
					if r := respond(strings.TrimRight(line, "\r\n")); r != nil {
						if _, err := c.Write(r); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return TCP("127.0.0.1", ln.Addr().(*net.TCPAddr).Port), got
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func openTest(t *testing.T, e Endpoint, timeout time.Duration, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Open(context.Background(), e, timeout, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	start := time.Now()
	s, err := Open(context.Background(), TCP("127.0.0.1", port), time.Second, WithLogger(quietLogger()))
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if s != nil {
		t.Error("session returned with error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("open took %s", time.Since(start))
	}
	if ce.Endpoint.Port != port {
		t.Errorf("error endpoint = %s", ce.Endpoint)
	}
}

func TestOpenInvalidEndpoint(t *testing.T) {
	_, err := Open(context.Background(), TCP("", 5025), time.Second, WithLogger(quietLogger()))
	var (
		ce *ConnectionError
		ve *ValidationError
	)
	if !errors.As(err, &ce) || !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ConnectionError wrapping ValidationError", err)
	}
	if Kind(err) != "connection" {
		t.Errorf("Kind = %s", Kind(err))
	}
}

func TestSendCommand(t *testing.T) {
	e, got := fakeInstrument(t, func(line string) []byte {
		return []byte("ECHO " + line + "\r\n")
	})
	s := openTest(t, e, time.Second)
	if s.State() != Connected {
		t.Fatalf("state = %s", s.State())
	}
	r, err := s.SendCommand(context.Background(), "  *IDN?  ")
	if err != nil {
		t.Fatal(err)
	}
	if string(r) != "ECHO *IDN?" {
		t.Errorf("reply = %q", r)
	}
	if line := <-got; line != "*IDN?\n" {
		t.Errorf("wire = %q", line)
	}
	if s.State() != Connected {
		t.Errorf("state after exchange = %s", s.State())
	}
}

func TestWriteTerminator(t *testing.T) {
	e, got := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, time.Second, WithWriteTerminator("\r\n"))
	if err := s.Command(context.Background(), "FREQ %d", 1000); err != nil {
		t.Fatal(err)
	}
	if line := <-got; line != "FREQ 1000\r\n" {
		t.Errorf("wire = %q", line)
	}
}

func TestTimeoutDisconnects(t *testing.T) {
	e, got := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, 100*time.Millisecond)

	start := time.Now()
	_, err := s.SendCommand(context.Background(), "SILENT?")
	var toe *TimeoutError
	if !errors.As(err, &toe) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if toe.Limit != 100*time.Millisecond || !toe.Timeout() {
		t.Errorf("timeout error = %+v", toe)
	}
	if el := time.Since(start); el < 80*time.Millisecond || el > time.Second {
		t.Errorf("timed out after %s", el)
	}
	if s.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}

	if line := <-got; line != "SILENT?\n" {
		t.Fatalf("wire = %q", line)
	}

	_, err = s.SendCommand(context.Background(), "*IDN?")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StateError", err)
	}
	select {
	case line := <-got:
		t.Errorf("disconnected session wrote %q", line)
	case <-time.After(100 * time.Millisecond):
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after timeout: %v", err)
	}
}

func TestContextDeadlineShorterThanTimeout(t *testing.T) {
	e, _ := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.SendCommand(ctx, "SILENT?")
	if Kind(err) != "timeout" {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("ctx deadline ignored, took %s", time.Since(start))
	}
}

func TestCancelIsTransportError(t *testing.T) {
	e, _ := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(ctx, "SILENT?")
		errc <- err
	}()
	waitState(t, s, Busy)
	cancel()
	err := <-errc
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want *TransportError(context.Canceled)", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestCloseUnblocksExchange(t *testing.T) {
	e, _ := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, 5*time.Second)

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), "SILENT?")
		errc <- err
	}()
	waitState(t, s, Busy)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		var te *TransportError
		if !errors.As(err, &te) || !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want *TransportError(ErrClosed)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exchange still blocked after Close")
	}
}

func TestCloseTwice(t *testing.T) {
	e, _ := fakeInstrument(t, func(string) []byte { return nil })
	s := openTest(t, e, time.Second)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err := s.SendCommand(context.Background(), "*IDN?")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestCloseCommands(t *testing.T) {
	sim := NewEchoSimulator("sim")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim), WithCloseCommands("OUTP OFF", "SYST:LOC"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	h := sim.History()
	if len(h) != 2 || h[0] != "OUTP OFF" || h[1] != "SYST:LOC" {
		t.Errorf("history = %q", h)
	}
}

func TestInitCommands(t *testing.T) {
	sim := NewEchoSimulator("sim")
	openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim), WithInitCommands("*CLS", "INIT:CONT OFF"))
	h := sim.History()
	if len(h) != 2 || h[1] != "INIT:CONT OFF" {
		t.Errorf("history = %q", h)
	}
}

func TestOverlapFailsFast(t *testing.T) {
	release := make(chan struct{})
	sim := NewEchoSimulator("sim").Handle("SLOW?", func(ctx context.Context, _ *EchoSimulator, _ string) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []byte("done"), nil
	})
	s := openTest(t, TCP("sim", 1), 5*time.Second, WithSimulator(sim))

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), "SLOW?")
		errc <- err
	}()
	waitState(t, s, Busy)

	_, err := s.SendCommand(context.Background(), "*IDN?")
	var se *StateError
	if !errors.As(err, &se) || se.State != Busy {
		t.Fatalf("err = %v, want *StateError in busy", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if s.State() != Connected {
		t.Errorf("state = %s", s.State())
	}
}

func TestProtocolErrorKeepsSession(t *testing.T) {
	sim := NewEchoSimulator("sim").SetDefault("VOLT", "abc")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim))
	_, err := s.QueryFloat(context.Background(), "VOLT?")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if string(pe.Raw) != "abc" || pe.Command != "VOLT?" {
		t.Errorf("error = %+v", pe)
	}
	if s.State() != Connected {
		t.Errorf("state = %s", s.State())
	}
}

func TestQueryFixedValidation(t *testing.T) {
	sim := NewEchoSimulator("sim")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim))
	_, err := s.QueryFixed(context.Background(), "DATA?", 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	if len(sim.History()) != 0 {
		t.Errorf("rejected request reached the instrument: %q", sim.History())
	}
}

func TestQueryBlockTCP(t *testing.T) {
	payload := EncodeFloats([]float64{1.5, -2, 3.25}, FormatReal32, nil)
	e, _ := fakeInstrument(t, func(line string) []byte {
		if line == "CURVE?" {
			return append(EncodeBlock(payload), '\n')
		}
		return []byte("0\n")
	})
	s := openTest(t, e, time.Second)
	got, err := s.QueryBlock(context.Background(), "CURVE?")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %x, want %x", got, payload)
	}
	// The stream stays framed for the next exchange.
	r, err := s.QueryString(context.Background(), "X?")
	if err != nil || r != "0" {
		t.Errorf("next reply = %q, %v", r, err)
	}
}

func TestBrokenBlockDisconnects(t *testing.T) {
	e, got := fakeInstrument(t, func(line string) []byte {
		switch line {
		case "DATA?":
			return []byte("#X" + strings.Repeat("9", 20000) + "\n")
		case "*IDN?":
			return []byte("ACME,1\n")
		}
		return nil
	})
	s := openTest(t, e, time.Second)

	_, err := s.QueryBlock(context.Background(), "DATA?")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Reason != "bad block digit count" {
		t.Errorf("cause = %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
	<-got

	// The rest of the block must never be read as the identity.
	if id, err := s.SendCommand(context.Background(), "*IDN?"); Kind(err) != "state" {
		t.Errorf("*IDN? = %.20q, %v", id, err)
	}
}

func TestOversizedBlock(t *testing.T) {
	e, _ := fakeInstrument(t, func(line string) []byte {
		return []byte("#9999999999" + strings.Repeat("x", 64) + "\n")
	})
	s := openTest(t, e, time.Second, WithMaxBlockSize(1024))
	_, err := s.QueryBlock(context.Background(), "CURVE?")
	var pe *ProtocolError
	if Kind(err) != "transport" || !errors.As(err, &pe) || !strings.Contains(pe.Reason, "exceeds 1024") {
		t.Fatalf("err = %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestSimulatedBadBlockKeepsSession(t *testing.T) {
	sim := NewEchoSimulator("sim").SetDefault("DATA", "15hello")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim))
	_, err := s.QueryBlock(context.Background(), "DATA?")
	if Kind(err) != "protocol" {
		t.Fatalf("err = %v, want protocol", err)
	}
	if s.State() != Connected {
		t.Errorf("state = %s", s.State())
	}
}

func TestSimulatedTimeout(t *testing.T) {
	sim := NewEchoSimulator("sim").Handle("MUTE?", func(context.Context, *EchoSimulator, string) ([]byte, error) {
		return nil, nil
	})
	s := openTest(t, TCP("sim", 1), 50*time.Millisecond, WithSimulator(sim))
	_, err := s.SendCommand(context.Background(), "MUTE?")
	if Kind(err) != "timeout" {
		t.Fatalf("err = %v, want timeout", err)
	}
	if s.State() != Disconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestIdentifyCached(t *testing.T) {
	sim := NewEchoSimulator("APEX,AP2061A,0,1.0")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim))
	for i := 0; i < 2; i++ {
		id, err := s.Identify(context.Background())
		if err != nil || id != "APEX,AP2061A,0,1.0" {
			t.Fatalf("Identify = %q, %v", id, err)
		}
	}
	if n := len(sim.History()); n != 1 {
		t.Errorf("*IDN? sent %d times", n)
	}
}

func TestTypedQueries(t *testing.T) {
	sim := NewEchoSimulator("sim").
		SetDefault("COUNT", "+1.00000E+01").
		SetDefault("OUTP", "ON").
		SetDefault("FUNC", "sin").
		SetDefault("LIST", "3 1.0 2.0 3.0")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim))
	ctx := context.Background()

	if n, err := s.QueryInt(ctx, "COUNT?"); err != nil || n != 10 {
		t.Errorf("QueryInt = %d, %v", n, err)
	}
	if b, err := s.QueryBool(ctx, "OUTP?"); err != nil || !b {
		t.Errorf("QueryBool = %v, %v", b, err)
	}
	if f, err := s.QueryEnum(ctx, "FUNC?", "SIN", "SQU"); err != nil || f != "SIN" {
		t.Errorf("QueryEnum = %q, %v", f, err)
	}
	if _, err := s.QueryEnum(ctx, "OUTP?", "SIN", "SQU"); Kind(err) != "protocol" {
		t.Errorf("QueryEnum mismatch err = %v", err)
	}
	vals, err := s.QueryFloats(ctx, "LIST?", true)
	if err != nil || len(vals) != 3 || vals[2] != 3 {
		t.Errorf("QueryFloats = %v, %v", vals, err)
	}
	if r, err := s.Query("FUNC?"); err != nil || r != "sin" {
		t.Errorf("Query = %q, %v", r, err)
	}
}

type countingObserver struct {
	exchanges    map[string]int
	acquisitions map[string]int
	skipped      int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{exchanges: map[string]int{}, acquisitions: map[string]int{}}
}

func (o *countingObserver) ObserveExchange(_, kind string, _ time.Duration)    { o.exchanges[kind]++ }
func (o *countingObserver) ObserveAcquisition(_, kind string, _ time.Duration) { o.acquisitions[kind]++ }
func (o *countingObserver) ObservePollSkipped(string)                         { o.skipped++ }

func TestObserver(t *testing.T) {
	obs := newCountingObserver()
	sim := NewEchoSimulator("sim").SetDefault("V", "x")
	s := openTest(t, TCP("sim", 1), time.Second, WithSimulator(sim), WithObserver(obs))
	ctx := context.Background()
	_, _ = s.QueryString(ctx, "*IDN?")
	_, _ = s.QueryFloat(ctx, "V?")
	if obs.exchanges["ok"] != 2 {
		t.Errorf("exchanges = %v", obs.exchanges)
	}
}
