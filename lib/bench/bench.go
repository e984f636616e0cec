// Package bench opens the instruments of a bench config and gives each one a
// poll function producing a trace. Settings come from the instrument's
// settings map; every family applies them once on connect.
package bench

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/connutil"
)

// driver is a configured family wrapper around one session.
type driver struct {
	s       *labinst.Session
	acquire labinst.AcquireFunc
}

type opener func(ctx context.Context, e labinst.Endpoint, in config.Instrument, log logrus.FieldLogger, opts []labinst.Option) (driver, error)

var openers = map[string]opener{
	config.FamilyOSA: openOSA,
	config.FamilySA:  openSA,
	config.FamilyAFG: openAFG,
	config.FamilyPSU: openPSU,
	config.FamilyOSW: openOSW,
}

// Instrument is one configured instrument. A session that drops to
// disconnected is reopened on the next Acquire.
type Instrument struct {
	Name   string
	Config config.Instrument

	log  logrus.FieldLogger
	opts []labinst.Option

	mu     sync.Mutex
	drv    driver
	closed bool
}

// Open connects to in, applies its settings and returns it. opts are added
// to every session opened for it, e.g. an observer.
func Open(ctx context.Context, name string, in config.Instrument, log logrus.FieldLogger, opts ...labinst.Option) (*Instrument, error) {
	if _, ok := openers[in.Family]; !ok {
		return nil, &labinst.ValidationError{Param: "family", Value: in.Family, Reason: "unknown instrument family"}
	}
	i := &Instrument{
		Name:   name,
		Config: in,
		log:    log.WithFields(logrus.Fields{"instrument": name, "family": in.Family}),
		opts:   opts,
	}
	drv, err := i.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	i.drv = drv
	return i, nil
}

func (i *Instrument) open(ctx context.Context) (driver, error) {
	conn := connutil.FromConfig(i.Config)
	e, err := conn.Endpoint()
	if err != nil {
		return driver{}, err
	}
	base, err := conn.SessionOptions()
	if err != nil {
		return driver{}, err
	}
	opts := append([]labinst.Option{labinst.WithLogger(i.log)}, base...)
	opts = append(opts, i.opts...)
	drv, err := openers[i.Config.Family](ctx, e, i.Config, i.log, opts)
	if err != nil {
		return driver{}, err
	}
	i.log.WithFields(logrus.Fields{"endpoint": e.String(), "session": drv.s.ID()}).Info("instrument ready")
	return drv, nil
}

// Session returns the current session.
func (i *Instrument) Session() *labinst.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.drv.s
}

// Connected reports whether the current session is up.
func (i *Instrument) Connected() bool {
	s := i.Session()
	return s != nil && s.State() != labinst.Disconnected
}

// Acquire runs one poll, reconnecting first if the session was lost. It
// has the shape of a labinst.AcquireFunc.
func (i *Instrument) Acquire(ctx context.Context) (labinst.Trace, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return labinst.Trace{}, &labinst.StateError{Op: "acquire", State: labinst.Disconnected, Reason: "instrument closed"}
	}
	if i.drv.s.State() == labinst.Disconnected {
		i.log.Warn("session lost, reconnecting")
		if err := i.drv.s.Close(); err != nil {
			i.log.WithError(err).Debug("closing lost session")
		}
		drv, err := i.open(ctx)
		if err != nil {
			i.mu.Unlock()
			return labinst.Trace{}, err
		}
		i.drv = drv
	}
	acquire := i.drv.acquire
	i.mu.Unlock()
	return acquire(ctx)
}

// Close closes the session. Further acquisitions fail.
func (i *Instrument) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.drv.s.Close()
}

// settings reads typed values from an instrument's settings map. Keys are
// matched case-insensitively.
type settings map[string]string

func (st settings) lookup(key string) (string, bool) {
	for k, v := range st {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func (st settings) str(key, def string) string {
	if v, ok := st.lookup(key); ok && v != "" {
		return v
	}
	return def
}
