// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// labd polls every instrument of a bench config and publishes the traces
// to redis and to websocket clients. Poll intervals and logging follow
// edits of the config file without a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst/lib/config"
	"github.com/gotmc/labinst/lib/logging"
	"github.com/gotmc/labinst/lib/metrics"
	"github.com/gotmc/labinst/lib/publish"
	"github.com/gotmc/labinst/lib/stream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/bench.yaml", "bench configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("labd %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v, using defaults\n", *configPath, err)
		cfg = config.Default()
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	run := uuid.NewString()
	log.WithFields(logrus.Fields{"version": version, "run": run, "instruments": len(cfg.Instruments)}).Info("labd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(log, run)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Redis.Enabled {
		pub, err := publish.New(ctx, publish.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			History:  cfg.Redis.History,
		}, log)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, traces are not published")
		} else {
			d.pub = pub
			defer pub.Close()
		}
	}
	if cfg.Stream.Enabled {
		d.hub = stream.NewHub(log)
		defer d.hub.Close()
	}

	if n := d.start(ctx, cfg); n == 0 {
		log.Warn("no instrument is being polled")
	}

	if err := config.Watch(ctx, *configPath, config.DefaultDebounce, log, func(c *config.Config, err error) {
		if err == nil {
			d.reload(c)
		}
	}); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}

	var servers []*http.Server
	if cfg.Monitor.Enabled {
		servers = append(servers, metrics.Serve(fmt.Sprintf(":%d", cfg.Monitor.MetricsPort), d.reg, log))
	}
	if cfg.Stream.Enabled {
		srv := &http.Server{Addr: cfg.Stream.Listen, Handler: d.handler(), ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		go func() {
			log.WithField("addr", srv.Addr).Info("stream listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("stream server stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdown)
	}
	d.wait()
	log.Info("labd stopped")
}
