// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaudRate is used for serial endpoints that do not name one.
const DefaultBaudRate = 9600

// Endpoint identifies the transport of one instrument: a TCP address, or a
// serial device and baud rate.
type Endpoint struct {
	Host string
	Port int

	SerialPort string
	BaudRate   int
}

// TCP returns a TCP endpoint.
func TCP(host string, port int) Endpoint { return Endpoint{Host: host, Port: port} }

// Serial returns a serial endpoint.
func Serial(dev string, baud int) Endpoint { return Endpoint{SerialPort: dev, BaudRate: baud} }

// IsSerial reports whether e names a serial device.
func (e Endpoint) IsSerial() bool { return e.SerialPort != "" }

// Address returns host:port for TCP endpoints and the device path otherwise.
func (e Endpoint) Address() string {
	if e.IsSerial() {
		return e.SerialPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.IsSerial() {
		return fmt.Sprintf("serial://%s?baud=%d", e.SerialPort, e.BaudRate)
	}
	return "tcp://" + e.Address()
}

// Validate checks the endpoint without touching the network. Port 0 is
// accepted so that dialing it fails as a connection error.
func (e Endpoint) Validate() error {
	if e.IsSerial() {
		if e.BaudRate <= 0 {
			return &ValidationError{Param: "baud rate", Value: e.BaudRate, Reason: "must be positive"}
		}
		return nil
	}
	if strings.TrimSpace(e.Host) == "" {
		return &ValidationError{Param: "host", Value: e.Host, Reason: "must not be empty"}
	}
	if e.Port < 0 || e.Port > 65535 {
		return &ValidationError{Param: "port", Value: e.Port, Reason: "must be within 0-65535"}
	}
	return nil
}

// ParseEndpoint parses "host:port", "tcp://host:port" or
// "serial:///dev/ttyUSB0?baud=9600". defaultPort is used when a TCP address
// has no port.
func ParseEndpoint(s string, defaultPort int) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, &ValidationError{Param: "endpoint", Value: s, Reason: "empty"}
	}
	if strings.HasPrefix(s, "serial://") {
		u, err := url.Parse(s)
		if err != nil {
			return Endpoint{}, &ValidationError{Param: "endpoint", Value: s, Reason: err.Error()}
		}
		e := Serial(u.Host+u.Path, DefaultBaudRate)
		if b := u.Query().Get("baud"); b != "" {
			baud, err := strconv.Atoi(b)
			if err != nil {
				return Endpoint{}, &ValidationError{Param: "baud rate", Value: b, Reason: "not a number"}
			}
			e.BaudRate = baud
		}
		if e.SerialPort == "" {
			return Endpoint{}, &ValidationError{Param: "endpoint", Value: s, Reason: "missing serial device"}
		}
		return e, e.Validate()
	}
	s = strings.TrimPrefix(s, "tcp://")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		host, portStr = s, strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, &ValidationError{Param: "port", Value: portStr, Reason: "not a number"}
	}
	e := TCP(host, port)
	return e, e.Validate()
}
