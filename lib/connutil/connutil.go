// Package connutil turns command line flags or a bench config entry into an
// open session, for the example tools.
package connutil

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/find"
	"github.com/gotmc/labinst/lib/logging"
)

type Conn struct {
	// Addr is host, host:port, tcp://host:port or serial:///dev/tty...
	Addr string
	// Port is used when Addr names no port.
	Port        int
	SerialMatch string
	Baud        int
	Timeout     time.Duration
	Delay       time.Duration
	Simulate    bool
	Debug       bool
	// Identify logs *IDN? right after opening.
	Identify bool
	// GPIB is set when Addr is a Prologix style adapter in front of the
	// instrument.
	GPIB *labinst.GPIBAdapter

	log *logrus.Logger
}

// FromConfig returns the connection settings of a configured instrument.
func FromConfig(in config.Instrument) Conn {
	return Conn{
		Addr:        in.Address,
		Port:        config.DefaultPort(in.Family),
		SerialMatch: in.SerialMatch,
		Baud:        in.Baud,
		Timeout:     in.Timeout,
		Simulate:    in.Simulate,
		GPIB:        in.GPIB,
	}
}

// AddFlags is to be called before [flag.Parse]. Fields already set become
// the flag defaults. A nil fs means [flag.CommandLine].
func (c *Conn) AddFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	if c.Timeout == 0 {
		c.Timeout = labinst.DefaultTimeout
	}
	if c.Baud == 0 {
		c.Baud = labinst.DefaultBaudRate
	}
	fs.StringVar(&c.Addr, "addr", c.Addr, "instrument address: host[:port], tcp://host:port or serial:///dev/ttyUSB0")
	fs.IntVar(&c.Port, "port", c.Port, "TCP port when the address has none")
	fs.StringVar(&c.SerialMatch, "serial-match", c.SerialMatch, "locate a USB serial adapter, e.g. serial=A603UX94 or vidpid=0403:6001")
	fs.IntVar(&c.Baud, "baud", c.Baud, "serial baud rate")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "exchange timeout")
	fs.DurationVar(&c.Delay, "delay", c.Delay, "delay between writes")
	fs.BoolVar(&c.Simulate, "sim", c.Simulate, "use the built-in instrument simulator")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "log every command and reply")
	fs.BoolVar(&c.Identify, "idn", c.Identify, "log the instrument identity after connecting")
	fs.Func("gpib", "GPIB address behind a Prologix adapter at -addr; append ,ar488 for an AR488", func(v string) error {
		g, err := ParseGPIB(v)
		if err == nil {
			c.GPIB = &g
		}
		return err
	})
}

// ParseGPIB reads "addr", "addr,secondary" and either with ",ar488"
// appended.
func ParseGPIB(v string) (labinst.GPIBAdapter, error) {
	var g labinst.GPIBAdapter
	parts := strings.Split(v, ",")
	if n := len(parts); n > 1 && strings.EqualFold(strings.TrimSpace(parts[n-1]), "ar488") {
		g.AR488 = true
		parts = parts[:n-1]
	}
	if len(parts) > 2 {
		return g, fmt.Errorf("bad GPIB address %q", v)
	}
	var err error
	if g.Addr, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return g, fmt.Errorf("bad GPIB address %q", v)
	}
	if len(parts) == 2 {
		if g.Secondary, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
			return g, fmt.Errorf("bad GPIB secondary address %q", v)
		}
	}
	return g, g.Validate()
}

// Logger returns the logger Setup uses, built from the debug flag.
func (c *Conn) Logger() *logrus.Logger {
	if c.log == nil {
		c.log = logging.Debug(c.Debug)
	}
	return c.log
}

// Endpoint resolves where to connect. A serial match wins over Addr and
// is not searched for when simulating.
func (c *Conn) Endpoint() (labinst.Endpoint, error) {
	baud := c.Baud
	if baud == 0 {
		baud = labinst.DefaultBaudRate
	}
	if c.SerialMatch != "" {
		filter, err := find.ParseMatch(c.SerialMatch)
		if err != nil {
			return labinst.Endpoint{}, err
		}
		if c.Simulate {
			return labinst.Serial("sim", baud), nil
		}
		dev, err := find.Find(filter)
		if err != nil {
			return labinst.Endpoint{}, fmt.Errorf("locating serial port %s: %w", c.SerialMatch, err)
		}
		return labinst.Serial(dev, baud), nil
	}
	if c.Addr == "" {
		if c.Simulate {
			return labinst.TCP("sim", c.Port), nil
		}
		return labinst.Endpoint{}, errors.New("no address given")
	}
	e, err := labinst.ParseEndpoint(c.Addr, c.Port)
	if err != nil {
		return e, err
	}
	if e.IsSerial() && c.Baud != 0 && !strings.Contains(c.Addr, "baud=") {
		e.BaudRate = c.Baud
	}
	return e, nil
}

// SessionOptions returns the options every session opened from c needs:
// the GPIB adapter setup and the write delay.
func (c *Conn) SessionOptions() ([]labinst.Option, error) {
	var opts []labinst.Option
	if c.GPIB != nil {
		g, err := c.GPIB.Options()
		if err != nil {
			return nil, err
		}
		opts = append(opts, g...)
	}
	if c.Delay > 0 {
		opts = append(opts, labinst.WithWriteDelay(c.Delay))
	}
	return opts, nil
}

// Setup is to be called after [flag.Parse]. sim answers in place of the
// instrument when simulation is on. The cleanup func closes the session and
// logs, rather than returns, any error.
func (c *Conn) Setup(ctx context.Context, sim labinst.Simulator, opts ...labinst.Option) (s *labinst.Session, cleanup func(), err error) {
	nocleanup := func() {}
	log := c.Logger()

	e, err := c.Endpoint()
	if err != nil {
		return nil, nocleanup, err
	}
	base, err := c.SessionOptions()
	if err != nil {
		return nil, nocleanup, err
	}
	opts = append(append([]labinst.Option{labinst.WithLogger(log)}, base...), opts...)
	if c.Simulate {
		if sim == nil {
			return nil, nocleanup, errors.New("simulation requested but no simulator available")
		}
		opts = append(opts, labinst.WithSimulator(sim))
	}

	log.WithFields(logrus.Fields{"endpoint": e.String(), "simulated": c.Simulate}).Info("connecting")
	s, err = labinst.Open(ctx, e, c.Timeout, opts...)
	if err != nil {
		return nil, nocleanup, err
	}
	cleanup = func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("closing session")
		}
	}
	if c.Identify {
		id, err := s.Identify(ctx)
		if err != nil {
			cleanup()
			return nil, nocleanup, err
		}
		log.WithField("idn", id).Info("connected")
	}
	return s, cleanup, nil
}
