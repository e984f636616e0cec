// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/publish"
)

const benchYAML = `
instruments:
  osa1:
    family: osa
    simulate: true
    poll_interval: 50ms
    settings:
      center: "1550"
      span: "1"
  supply:
    family: psu
    simulate: true
    poll_interval: 50ms
    settings:
      p25v_volts: "5"
      output: "on"
  broken:
    family: sa
    simulate: true
    settings:
      rbw: "0.01"
`

func testDaemon(t *testing.T) (*daemon, *config.Config) {
	t.Helper()
	cfg, err := config.Parse([]byte(benchYAML))
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	d, err := newDaemon(log, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	return d, cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonPollsAndReports(t *testing.T) {
	d, cfg := testDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	if n := d.start(ctx, cfg); n != 2 {
		t.Fatalf("started %d instruments, want 2", n)
	}
	defer func() {
		cancel()
		d.wait()
	}()

	waitFor(t, "records", func() bool {
		h := d.health()
		return h.Instruments["osa1"].Last != nil && h.Instruments["supply"].Last != nil
	})

	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var h healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Status != "ok" || h.Run != "run-1" {
		t.Errorf("health = %d %+v", resp.StatusCode, h)
	}
	if _, ok := h.Instruments["broken"]; ok {
		t.Error("instrument with bad settings is polled")
	}
	osa := h.Instruments["osa1"]
	if osa.Last.Error != "" || osa.Last.Peak == nil || osa.Last.Trace.XUnit != "nm" {
		t.Errorf("osa record = %+v", osa.Last)
	}
	if p := h.Instruments["supply"].Last.Trace.Points[1]; p.Y != 5 {
		t.Errorf("P25V = %v", p.Y)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`labinst_traces_published_total{instrument="osa1"}`,
		`labinst_instrument_connected{instrument="broken"} 0`,
		`labinst_instrument_connected{instrument="supply"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics lack %s", want)
		}
	}

	resp, err = http.Get(srv.URL + "/history?instrument=osa1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("history without redis = %d", resp.StatusCode)
	}
}

func TestDaemonReload(t *testing.T) {
	d, cfg := testDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	d.start(ctx, cfg)
	defer func() {
		cancel()
		d.wait()
	}()

	next, err := config.Parse([]byte(strings.Replace(benchYAML, "poll_interval: 50ms\n    settings:\n      p25v", "poll_interval: 3s\n    settings:\n      p25v", 1) +
		"log:\n  level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	d.reload(next)
	if got := d.units["supply"].poller.Interval(); got != 3*time.Second {
		t.Errorf("supply interval = %s", got)
	}
	if got := d.units["osa1"].poller.Interval(); got != 50*time.Millisecond {
		t.Errorf("osa1 interval = %s", got)
	}
	if d.log.GetLevel() != logrus.DebugLevel {
		t.Errorf("log level = %s", d.log.GetLevel())
	}
}

func TestDaemonPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	d, cfg := testDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	pub, err := publish.New(ctx, publish.Options{Addr: mr.Addr(), Channel: "bench", History: 5}, d.log)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	d.pub = pub

	d.start(ctx, cfg)
	defer func() {
		cancel()
		d.wait()
	}()

	key := pub.HistoryKey("supply")
	waitFor(t, "redis history", func() bool {
		l, err := mr.List(key)
		return err == nil && len(l) >= 2
	})

	srv := httptest.NewServer(d.handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/history?instrument=supply&n=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []publish.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Run != "run-1" || recs[0].Seq <= recs[1].Seq {
		t.Errorf("history = %+v", recs)
	}
}
