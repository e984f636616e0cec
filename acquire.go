// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Acquisition describes how to start one measurement and how to learn that
// it finished.
type Acquisition struct {
	// Trigger starts the measurement.
	Trigger string
	// TriggerReplies marks a trigger that is itself a query answering with
	// the trace handle once the sweep is done.
	TriggerReplies bool

	// OPC blocks on "*OPC?" after the trigger.
	OPC bool

	// PollQuery is queried until Ready reports true, at most MaxPolls times,
	// PollInterval apart. Ready returning an error means the instrument
	// reported a failed measurement.
	PollQuery    string
	Ready        func(reply string) (bool, error)
	PollInterval time.Duration
	MaxPolls     int

	// HandleQuery, when set, is queried after completion for the trace
	// handle. Otherwise Handle is returned.
	HandleQuery string
	Handle      int

	// Timeout bounds each exchange of the acquisition; sweeps usually need
	// more than the session default.
	Timeout time.Duration
}

// RunAcquisition triggers a measurement, waits for completion and returns
// the trace handle. Only one acquisition may be pending per session; a
// second call meanwhile fails with a *StateError, as do other exchanges
// issued from outside the acquisition.
func (s *Session) RunAcquisition(ctx context.Context, acq Acquisition) (handle int, err error) {
	const op = "RunAcquisition"
	if acq.Trigger == "" {
		return 0, &ValidationError{Param: "trigger", Value: acq.Trigger, Reason: "must not be empty"}
	}
	if acq.PollQuery != "" && (acq.Ready == nil || acq.MaxPolls <= 0) {
		return 0, &ValidationError{Param: "poll", Value: acq.PollQuery, Reason: "needs Ready and MaxPolls > 0"}
	}

	s.mu.Lock()
	switch {
	case s.closed || s.state == Disconnected:
		st := s.state
		s.mu.Unlock()
		return 0, &StateError{Op: op, State: st, Reason: "not connected"}
	case s.acquiring:
		st := s.state
		s.mu.Unlock()
		return 0, &StateError{Op: op, State: st, Reason: "an acquisition is already pending"}
	}
	s.acquiring = true
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
		if s.obs != nil {
			s.obs.ObserveAcquisition(s.endpoint.String(), Kind(err), time.Since(start))
		}
		if err == nil {
			s.log.WithFields(logrus.Fields{"trace": handle, "elapsed": time.Since(start)}).Debug("acquisition complete")
		}
	}()

	line := func(cmd string) (string, error) {
		b, err := s.exchange(ctx, request{op: op, cmd: cmd, mode: readLine, timeout: acq.Timeout}, true)
		return strings.TrimSpace(string(b)), err
	}

	handle = acq.Handle
	if acq.TriggerReplies {
		r, err := line(acq.Trigger)
		if err != nil {
			return 0, err
		}
		if handle, err = parseHandle(r); err != nil {
			return 0, &AcquisitionError{Command: acq.Trigger, Reason: fmt.Sprintf("bad trace handle %q", r), Err: err}
		}
	} else if _, err := s.exchange(ctx, request{op: op, cmd: acq.Trigger, mode: readNone, timeout: acq.Timeout}, true); err != nil {
		return 0, err
	}

	if acq.OPC {
		r, err := line("*OPC?")
		if err != nil {
			return 0, err
		}
		if r != "1" && r != "+1" {
			return 0, &AcquisitionError{Command: acq.Trigger, Reason: fmt.Sprintf("operation complete query answered %q", r)}
		}
	}

	if acq.PollQuery != "" {
		if err := s.pollUntilReady(ctx, acq, line); err != nil {
			return 0, err
		}
	}

	if acq.HandleQuery != "" {
		r, err := line(acq.HandleQuery)
		if err != nil {
			return 0, err
		}
		if handle, err = parseHandle(r); err != nil {
			return 0, &AcquisitionError{Command: acq.HandleQuery, Reason: fmt.Sprintf("bad trace handle %q", r), Err: err}
		}
	}
	if handle <= 0 {
		return 0, &AcquisitionError{Command: acq.Trigger, Reason: fmt.Sprintf("no valid trace handle (%d); measurement may have been interrupted", handle)}
	}
	return handle, nil
}

func (s *Session) pollUntilReady(ctx context.Context, acq Acquisition, line func(string) (string, error)) error {
	start := time.Now()
	for poll := 1; poll <= acq.MaxPolls; poll++ {
		r, err := line(acq.PollQuery)
		if err != nil {
			return err
		}
		done, err := acq.Ready(r)
		if err != nil {
			return &AcquisitionError{Command: acq.Trigger, Polls: poll, Reason: "instrument reported failure", Err: err}
		}
		if done {
			return nil
		}
		if poll < acq.MaxPolls && acq.PollInterval > 0 {
			if err := s.sleep(ctx, acq.PollInterval); err != nil {
				if errors.Is(err, ErrClosed) {
					return &TransportError{Endpoint: s.endpoint, Command: acq.PollQuery, Elapsed: time.Since(start), Err: err}
				}
				return &AcquisitionError{Command: acq.Trigger, Polls: poll, Reason: "interrupted while polling", Err: err}
			}
		}
	}
	return &AcquisitionError{Command: acq.Trigger, Polls: acq.MaxPolls, Reason: "completion never signalled"}
}

func parseHandle(r string) (int, error) {
	r = strings.TrimPrefix(strings.TrimSpace(r), "+")
	if v, err := strconv.Atoi(r); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(r, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Point is one (x, y) sample of a trace.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Trace is one acquired sweep.
type Trace struct {
	Index    int       `json:"index"`
	XUnit    string    `json:"x_unit,omitempty"`
	YUnit    string    `json:"y_unit,omitempty"`
	Points   []Point   `json:"points"`
	Acquired time.Time `json:"acquired"`
}

// Peak returns the sample with the largest Y. ok is false for an empty trace.
func (t Trace) Peak() (p Point, ok bool) {
	for i, pt := range t.Points {
		if i == 0 || pt.Y > p.Y {
			p = pt
		}
	}
	return p, len(t.Points) > 0
}

// XY returns the x and y columns of the trace.
func (t Trace) XY() (xs, ys []float64) {
	xs = make([]float64, len(t.Points))
	ys = make([]float64, len(t.Points))
	for i, p := range t.Points {
		xs[i], ys[i] = p.X, p.Y
	}
	return xs, ys
}

// TraceQuery describes a data transfer. Y and, when set, X are queried with
// the same format. Without X the axis is linear from XStart to XStop, or the
// sample index when both are zero.
type TraceQuery struct {
	Index  int
	Format DataFormat
	// ByteOrder of binary words; little endian when nil.
	ByteOrder binary.ByteOrder
	// Setup commands are sent before the transfer, e.g. to select the
	// format on the instrument.
	Setup []string

	Y string
	X string

	XStart, XStop float64
	// CountPrefix marks ASCII lists whose first value is the value count.
	CountPrefix bool

	XUnit, YUnit string
	Timeout      time.Duration
}

// FetchData runs the transfer described by q and decodes it into points.
// ASCII and binary transfers of the same trace decode to the same values.
func (s *Session) FetchData(ctx context.Context, q TraceQuery) (Trace, error) {
	if q.Y == "" {
		return Trace{}, &ValidationError{Param: "data query", Value: q.Y, Reason: "must not be empty"}
	}
	if _, ok := formatDesc[q.Format]; !ok {
		return Trace{}, &ValidationError{Param: "data format", Value: q.Format, Reason: "unknown"}
	}
	for _, cmd := range q.Setup {
		if _, err := s.exchange(ctx, request{op: "FetchData", cmd: cmd, mode: readNone}, false); err != nil {
			return Trace{}, err
		}
	}
	ys, err := s.fetchColumn(ctx, q, q.Y)
	if err != nil {
		return Trace{}, err
	}
	var xs []float64
	switch {
	case q.X != "":
		if xs, err = s.fetchColumn(ctx, q, q.X); err != nil {
			return Trace{}, err
		}
		if len(xs) != len(ys) {
			return Trace{}, &ProtocolError{Command: q.X, Reason: fmt.Sprintf("%d x values for %d y values", len(xs), len(ys))}
		}
	default:
		xs = LinearAxis(len(ys), q.XStart, q.XStop)
	}
	t := Trace{Index: q.Index, XUnit: q.XUnit, YUnit: q.YUnit, Points: make([]Point, len(ys)), Acquired: time.Now()}
	for i := range ys {
		t.Points[i] = Point{X: xs[i], Y: ys[i]}
	}
	return t, nil
}

func (s *Session) fetchColumn(ctx context.Context, q TraceQuery, cmd string) ([]float64, error) {
	if q.Format == FormatASCII {
		b, err := s.exchange(ctx, request{op: "FetchData", cmd: cmd, mode: readLine, timeout: q.Timeout}, false)
		if err != nil {
			return nil, err
		}
		vals, err := ParseFloatList(string(b), q.CountPrefix)
		if pe, ok := err.(*ProtocolError); ok {
			pe.Command = cmd
		}
		return vals, err
	}
	b, err := s.exchange(ctx, request{op: "FetchData", cmd: cmd, mode: readBlockMode, timeout: q.Timeout}, false)
	if err != nil {
		return nil, err
	}
	vals, err := DecodeFloats(b, q.Format, q.ByteOrder)
	if pe, ok := err.(*ProtocolError); ok {
		pe.Command = cmd
	}
	return vals, err
}

// LinearAxis returns n evenly spaced values from start to stop, or the
// indices 0..n-1 when start and stop are both zero.
func LinearAxis(n int, start, stop float64) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		switch {
		case start == 0 && stop == 0:
			xs[i] = float64(i)
		case n == 1:
			xs[i] = start
		default:
			xs[i] = start + float64(i)*(stop-start)/float64(n-1)
		}
	}
	return xs
}
