// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
	"github.com/gotmc/labinst/lib/bench"
	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/logging"
	"github.com/gotmc/labinst/lib/metrics"
	"github.com/gotmc/labinst/lib/publish"
	"github.com/gotmc/labinst/lib/stream"
)

// unit is one polled instrument.
type unit struct {
	name   string
	family string
	inst   *bench.Instrument
	poller *labinst.Poller

	mu   sync.Mutex
	last *publish.Record
}

func (u *unit) setLast(r publish.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = &r
}

func (u *unit) lastRecord() *publish.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type daemon struct {
	log *logrus.Logger
	run string
	reg *prometheus.Registry
	col *metrics.Collector
	hub *stream.Hub
	pub *publish.Publisher

	mu    sync.Mutex
	units map[string]*unit
	wg    sync.WaitGroup
}

func newDaemon(log *logrus.Logger, run string) (*daemon, error) {
	reg := prometheus.NewRegistry()
	col, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	return &daemon{
		log:   log,
		run:   run,
		reg:   reg,
		col:   col,
		units: make(map[string]*unit),
	}, nil
}

// start opens every configured instrument and starts polling it until ctx
// ends. An instrument that fails to open is logged and left out.
func (d *daemon) start(ctx context.Context, cfg *config.Config) int {
	started := 0
	for _, name := range cfg.Names() {
		in := cfg.Instruments[name]
		inst, err := bench.Open(ctx, name, in, d.log, labinst.WithObserver(d.col))
		if err != nil {
			d.log.WithError(err).WithField("instrument", name).Error("instrument unavailable")
			d.col.SetConnected(name, false)
			continue
		}
		d.col.SetConnected(name, true)
		u := &unit{
			name:   name,
			family: in.Family,
			inst:   inst,
			poller: labinst.NewPoller(in.PollInterval, inst.Acquire,
				labinst.PollerLogger(d.log),
				labinst.PollerObserver(d.col),
				labinst.PollerName(name)),
		}
		results, _ := u.poller.Subscribe(8)

		d.mu.Lock()
		d.units[name] = u
		d.mu.Unlock()

		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			u.poller.Run(ctx)
		}()
		go func() {
			defer d.wg.Done()
			d.forward(ctx, u, results)
		}()
		started++
	}
	return started
}

// forward hands every poll result of u to redis and the websocket hub.
func (d *daemon) forward(ctx context.Context, u *unit, results <-chan labinst.PollResult) {
	log := d.log.WithField("instrument", u.name)
	for res := range results {
		session := ""
		if s := u.inst.Session(); s != nil {
			session = s.ID()
		}
		rec := publish.NewRecord(u.name, session, d.run, res)
		u.setLast(rec)
		d.col.SetConnected(u.name, u.inst.Connected())
		if res.Err != nil {
			log.WithError(res.Err).WithField("kind", rec.ErrorKind).Warn("poll failed")
		} else {
			d.col.TracePublished(u.name)
		}
		if d.pub != nil {
			if err := d.pub.Publish(ctx, rec); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("redis publish failed")
			}
		}
		if d.hub != nil {
			if err := d.hub.Broadcast(rec); err != nil {
				log.WithError(err).Warn("broadcast failed")
			}
		}
	}
}

// reload applies what can change at run time: poll intervals and logging.
// Added or removed instruments need a restart.
func (d *daemon) reload(cfg *config.Config) {
	logging.Apply(d.log, cfg.Log)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range cfg.Names() {
		in := cfg.Instruments[name]
		u, ok := d.units[name]
		if !ok {
			d.log.WithField("instrument", name).Warn("new instrument ignored until restart")
			continue
		}
		if in.PollInterval != u.poller.Interval() {
			u.poller.SetInterval(in.PollInterval)
			d.log.WithFields(logrus.Fields{"instrument": name, "interval": in.PollInterval}).Info("poll interval changed")
		}
	}
	for name := range d.units {
		if _, ok := cfg.Instruments[name]; !ok {
			d.log.WithField("instrument", name).Warn("removed instrument keeps polling until restart")
		}
	}
}

// wait blocks until every poller has stopped, then closes the instruments.
func (d *daemon) wait() {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, u := range d.units {
		if err := u.inst.Close(); err != nil {
			d.log.WithError(err).WithField("instrument", name).Warn("closing instrument")
		}
	}
}

type instrumentStatus struct {
	Family    string          `json:"family"`
	Connected bool            `json:"connected"`
	Interval  string          `json:"interval"`
	Skipped   uint64          `json:"skipped"`
	Last      *publish.Record `json:"last,omitempty"`
}

type healthStatus struct {
	Status      string                      `json:"status"`
	Run         string                      `json:"run"`
	Time        time.Time                   `json:"time"`
	Clients     int                         `json:"clients"`
	Instruments map[string]instrumentStatus `json:"instruments"`
}

func (d *daemon) health() healthStatus {
	h := healthStatus{Status: "ok", Run: d.run, Time: time.Now(), Instruments: map[string]instrumentStatus{}}
	if d.hub != nil {
		h.Clients = d.hub.Clients()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, u := range d.units {
		st := instrumentStatus{
			Family:    u.family,
			Connected: u.inst.Connected(),
			Interval:  u.poller.Interval().String(),
			Skipped:   u.poller.Skipped(),
			Last:      u.lastRecord(),
		}
		if !st.Connected {
			h.Status = "degraded"
		}
		h.Instruments[name] = st
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handler serves /health, /metrics, /history and, with a hub, /ws.
func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := d.health()
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if d.pub == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "redis publishing disabled"})
			return
		}
		name := r.URL.Query().Get("instrument")
		if name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument required"})
			return
		}
		n := 10
		if v := r.URL.Query().Get("n"); v != "" {
			var err error
			if n, err = strconv.Atoi(v); err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad n"})
				return
			}
		}
		recs, err := d.pub.Latest(r.Context(), name, n)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, recs)
	})
	if d.hub != nil {
		mux.Handle("/ws", d.hub.Handler())
	}
	return mux
}
