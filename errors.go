// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrClosed is wrapped by errors returned from a session after Close.
var ErrClosed = errors.New("labinst: session closed")

// ValidationError reports a caller argument that was rejected before any
// command was formatted.
type ValidationError struct {
	Param  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Param, e.Value, e.Reason)
}

// ConnectionError reports a failed Open.
type ConnectionError struct {
	Endpoint Endpoint
	Elapsed  time.Duration
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s failed after %s: %v", e.Endpoint, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a transport failure during an exchange. The session
// is disconnected when one is returned.
type TransportError struct {
	Endpoint Endpoint
	Command  string
	Elapsed  time.Duration
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: command %q failed after %s: %v",
		e.Endpoint, e.Command, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports an exchange that produced no reply in time. The
// session is disconnected when one is returned.
type TimeoutError struct {
	Endpoint Endpoint
	Command  string
	Limit    time.Duration
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: command %q timed out after %s (limit %s)",
		e.Endpoint, e.Command, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError reports a reply that could not be parsed into the expected
// shape. Raw holds the reply as received.
type ProtocolError struct {
	Command string
	Raw     []byte
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("command %q: %s (reply %q)", e.Command, e.Reason, truncate(e.Raw, 64))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateError reports an operation attempted in the wrong session state.
type StateError struct {
	Op     string
	State  State
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: session %s: %s", e.Op, e.State, e.Reason)
}

func (e *StateError) Unwrap() error { return e.Err }

// AcquisitionError reports a measurement the instrument failed to complete.
type AcquisitionError struct {
	Command string
	Polls   int
	Reason  string
	Err     error
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("acquisition %q: %s", e.Command, e.Reason)
	if e.Polls > 0 {
		msg += fmt.Sprintf(" (after %d polls)", e.Polls)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Kind names the error category of err for logs and metrics labels.
func Kind(err error) string {
	var (
		ve  *ValidationError
		ce  *ConnectionError
		te  *TransportError
		toe *TimeoutError
		pe  *ProtocolError
		se  *StateError
		ae  *AcquisitionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &toe):
		return "timeout"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &se):
		return "state"
	case errors.As(err, &ae):
		return "acquisition"
	}
	return "other"
}

// AsProtocolError leaves session errors untouched and wraps anything else
// (typically a parse failure from a typed query helper) in a ProtocolError.
// The raw reply is recovered from strconv errors when possible.
func AsProtocolError(cmd string, err error) error {
	if err == nil || Kind(err) != "other" {
		return err
	}
	pe := &ProtocolError{Command: cmd, Reason: "unexpected reply", Err: err}
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		pe.Raw = []byte(ne.Num)
	}
	return pe
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
