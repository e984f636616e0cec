// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"strconv"
	"strings"
)

// QueryString sends cmd and returns the trimmed reply.
func (s *Session) QueryString(ctx context.Context, cmd string) (string, error) {
	b, err := s.SendCommand(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// QueryFloat sends cmd and parses the reply as a float.
func (s *Session) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	r, err := s.QueryString(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(r, 64)
	if err != nil {
		return 0, &ProtocolError{Command: cmd, Raw: []byte(r), Reason: "expected a number", Err: err}
	}
	return v, nil
}

// QueryInt sends cmd and parses the reply as an integer. Replies written as
// floats ("+1.00000E+00") are accepted when they hold a whole number.
func (s *Session) QueryInt(ctx context.Context, cmd string) (int, error) {
	r, err := s.QueryString(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if v, err := strconv.Atoi(strings.TrimPrefix(r, "+")); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(r, 64)
	if err != nil || f != float64(int(f)) {
		return 0, &ProtocolError{Command: cmd, Raw: []byte(r), Reason: "expected an integer", Err: err}
	}
	return int(f), nil
}

// QueryBool sends cmd and parses 1/0/ON/OFF.
func (s *Session) QueryBool(ctx context.Context, cmd string) (bool, error) {
	r, err := s.QueryString(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(r) {
	case "1", "ON", "TRUE":
		return true, nil
	case "0", "OFF", "FALSE":
		return false, nil
	}
	return false, &ProtocolError{Command: cmd, Raw: []byte(r), Reason: "expected 1, 0, ON or OFF"}
}

// QueryEnum sends cmd and returns the reply when it is one of allowed,
// compared case-insensitively. The canonical spelling from allowed is
// returned.
func (s *Session) QueryEnum(ctx context.Context, cmd string, allowed ...string) (string, error) {
	r, err := s.QueryString(ctx, cmd)
	if err != nil {
		return "", err
	}
	r = strings.Trim(r, `"`)
	for _, a := range allowed {
		if strings.EqualFold(r, a) {
			return a, nil
		}
	}
	return "", &ProtocolError{Command: cmd, Raw: []byte(r), Reason: "unexpected value, want one of " + strings.Join(allowed, "|")}
}

// QueryFloats sends cmd and parses a delimited numeric list.
func (s *Session) QueryFloats(ctx context.Context, cmd string, countPrefix bool) ([]float64, error) {
	r, err := s.QueryString(ctx, cmd)
	if err != nil {
		return nil, err
	}
	vals, err := ParseFloatList(r, countPrefix)
	if err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			pe.Command = cmd
		}
		return nil, err
	}
	return vals, nil
}

// Bound runs queries under a fixed context. It satisfies the gotmc/query
// Querier interface for callers that carry a deadline.
type Bound struct {
	ctx context.Context
	s   *Session
}

// Bind returns a Querier whose queries run under ctx.
func (s *Session) Bind(ctx context.Context) Bound { return Bound{ctx: ctx, s: s} }

// Query sends cmd and returns the trimmed reply.
func (b Bound) Query(cmd string) (string, error) { return b.s.QueryString(b.ctx, cmd) }
