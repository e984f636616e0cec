// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// AcquireFunc performs one acquisition for a Poller.
type AcquireFunc func(ctx context.Context) (Trace, error)

// PollResult is delivered to subscribers after every completed tick.
type PollResult struct {
	Seq      uint64
	Trace    Trace
	Err      error
	Started  time.Time
	Finished time.Time
}

// PollerOption applies an option to a Poller.
type PollerOption func(*Poller)

// PollerLogger sets the poller logger.
func PollerLogger(l logrus.FieldLogger) PollerOption { return func(p *Poller) { p.log = l } }

// PollerObserver reports skipped ticks to o.
func PollerObserver(o Observer) PollerOption { return func(p *Poller) { p.obs = o } }

// PollerName names the poller in logs and metrics.
func PollerName(name string) PollerOption { return func(p *Poller) { p.name = name } }

// Poller runs an AcquireFunc on a fixed interval. A tick that arrives while
// the previous acquisition is still running is skipped, not queued.
type Poller struct {
	name string
	fn   AcquireFunc
	log  logrus.FieldLogger
	obs  Observer

	interval atomic.Int64
	reset    chan struct{}
	running  atomic.Bool
	seq      atomic.Uint64
	skipped  atomic.Uint64
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs map[int]chan PollResult
	next int
	done bool
}

// NewPoller returns a poller calling fn every interval, one second when
// interval is not positive.
func NewPoller(interval time.Duration, fn AcquireFunc, opts ...PollerOption) *Poller {
	p := &Poller{
		name:  "poller",
		fn:    fn,
		reset: make(chan struct{}, 1),
		subs:  make(map[int]chan PollResult),
	}
	if interval <= 0 {
		interval = time.Second
	}
	p.interval.Store(int64(interval))
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	p.log = p.log.WithField("poller", p.name)
	return p
}

// Interval returns the current period.
func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// SetInterval changes the period. A running poller picks it up at once.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.interval.Store(int64(d))
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Skipped returns the number of ticks dropped because an acquisition was
// still running.
func (p *Poller) Skipped() uint64 { return p.skipped.Load() }

// Subscribe returns a channel receiving every result. Sends never block: a
// subscriber whose buffer is full misses results. The channel is closed when
// cancel is called or Run returns.
func (p *Poller) Subscribe(buffer int) (<-chan PollResult, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan PollResult, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		close(ch)
		return ch, func() {}
	}
	id := p.next
	p.next++
	p.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

// Run ticks immediately and then every interval until ctx ends. It waits
// for the acquisition in flight, closes every subscription and returns
// ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	defer p.shutdown()
	p.Tick(ctx)
	t := time.NewTicker(p.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.reset:
			t.Reset(p.Interval())
		case <-t.C:
			p.Tick(ctx)
		}
	}
}

// Tick starts one acquisition in the background unless one is already
// running. It reports whether an acquisition was started.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		n := p.skipped.Add(1)
		p.log.WithField("skipped", n).Debug("tick skipped, acquisition still running")
		if p.obs != nil {
			p.obs.ObservePollSkipped(p.name)
		}
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		res := PollResult{Seq: p.seq.Add(1), Started: time.Now()}
		res.Trace, res.Err = p.fn(ctx)
		res.Finished = time.Now()
		if res.Err != nil {
			p.log.WithError(res.Err).WithField("seq", res.Seq).Warn("acquisition failed")
		}
		p.publish(res)
	}()
	return true
}

func (p *Poller) publish(res PollResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

func (p *Poller) shutdown() {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
