// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"math"
	"strings"
	"sync"
)

// Simulator answers exchanges for a session opened in simulation mode. A nil
// reply means the command produces no answer.
type Simulator interface {
	Exchange(ctx context.Context, cmd string) ([]byte, error)
}

// Handler answers one command header for an EchoSimulator. arg is the text
// after the header, if any.
type Handler func(ctx context.Context, sim *EchoSimulator, arg string) ([]byte, error)

// EchoSimulator is a deterministic instrument model:
//
//   - "HEADER arg" stores arg under HEADER and returns nothing;
//   - "HEADER?" returns the stored value, else the default, else "0";
//   - "*IDN?" returns Identity, "*OPC?" returns "1";
//   - "*RST" restores the defaults;
//   - a registered Handler overrides all of the above for its header.
//
// Headers are compared upper case with any leading ':' removed. Compound
// commands separated by ';' are answered part by part and the replies joined
// with ';'.
type EchoSimulator struct {
	Identity string

	mu       sync.Mutex
	defaults map[string]string
	values   map[string]string
	handlers map[string]Handler
	history  []string
}

// NewEchoSimulator returns an empty simulator reporting identity.
func NewEchoSimulator(identity string) *EchoSimulator {
	return &EchoSimulator{
		Identity: identity,
		defaults: make(map[string]string),
		values:   make(map[string]string),
		handlers: make(map[string]Handler),
	}
}

// NormalizeHeader returns the key under which a header is stored.
func NormalizeHeader(h string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(h)), ":")
}

// SetDefault sets the power-on value of a setting.
func (e *EchoSimulator) SetDefault(header, value string) *EchoSimulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults[NormalizeHeader(header)] = value
	return e
}

// Handle registers h for header. Query headers include the trailing '?'.
func (e *EchoSimulator) Handle(header string, h Handler) *EchoSimulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[NormalizeHeader(header)] = h
	return e
}

// Set stores value as if "header value" had been received.
func (e *EchoSimulator) Set(header, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[NormalizeHeader(header)] = value
}

// Value returns the current value of a setting, falling back to its
// default.
func (e *EchoSimulator) Value(header string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(NormalizeHeader(header))
}

func (e *EchoSimulator) lookup(key string) (string, bool) {
	if v, ok := e.values[key]; ok {
		return v, true
	}
	v, ok := e.defaults[key]
	return v, ok
}

// History returns every command part received, in order.
func (e *EchoSimulator) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

// Exchange implements Simulator.
func (e *EchoSimulator) Exchange(ctx context.Context, cmd string) ([]byte, error) {
	var replies []string
	answered := false
	for _, part := range strings.Split(cmd, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := e.one(ctx, part)
		if err != nil {
			return nil, err
		}
		if r != nil {
			answered = true
			replies = append(replies, string(r))
		}
	}
	if !answered {
		return nil, nil
	}
	return []byte(strings.Join(replies, ";")), nil
}

func (e *EchoSimulator) one(ctx context.Context, part string) ([]byte, error) {
	header, arg, _ := strings.Cut(part, " ")
	key := NormalizeHeader(header)
	arg = strings.TrimSpace(arg)

	e.mu.Lock()
	e.history = append(e.history, part)
	h := e.handlers[key]
	e.mu.Unlock()
	if h != nil {
		return h(ctx, e, arg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch key {
	case "*IDN?":
		return []byte(e.Identity), nil
	case "*OPC?":
		return []byte("1"), nil
	case "*CLS":
		return nil, nil
	case "*RST":
		e.values = make(map[string]string)
		return nil, nil
	}
	if strings.HasSuffix(key, "?") {
		if v, ok := e.lookup(strings.TrimSuffix(key, "?")); ok {
			return []byte(v), nil
		}
		return []byte("0"), nil
	}
	e.values[key] = arg
	return nil, nil
}

// Lorentzian returns n samples of a Lorentzian line of the given peak power
// (dBm), centre and full width at half maximum over [start, stop], on a
// floor of floorDBm. Values are rounded to float32 so that ASCII and binary
// renderings of the same trace agree.
func Lorentzian(n int, start, stop, center, fwhm, peakDBm, floorDBm float64) (xs, ys []float64) {
	if n < 1 {
		return nil, nil
	}
	xs = make([]float64, n)
	ys = make([]float64, n)
	peak := math.Pow(10, peakDBm/10)
	floor := math.Pow(10, floorDBm/10)
	hw := fwhm / 2
	for i := 0; i < n; i++ {
		x := start
		if n > 1 {
			x = start + float64(i)*(stop-start)/float64(n-1)
		}
		d := x - center
		lin := floor + peak*hw*hw/(d*d+hw*hw)
		xs[i] = float64(float32(x))
		ys[i] = float64(float32(10 * math.Log10(lin)))
	}
	return xs, ys
}
