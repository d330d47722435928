// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sysrev/pkg/config"
	"github.com/kraklabs/sysrev/pkg/manager"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func runRun(args []string, cfg *config.C, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	showProgress := fs.Bool("progress", true, "print a live progress bar to stderr")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "HTTP listen address for Prometheus metrics (empty to disable)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sysrev run [options]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var registry *prometheus.Registry
	if *metricsAddr != "" {
		registry = prometheus.NewRegistry()
		go serveMetrics(*metricsAddr, registry)
	}

	logger := newLogger(cfg.LogLevel)
	m, err := manager.New(manager.Config{
		QueuePath:  cfg.QueuePath,
		CachePath:  cfg.CachePath,
		NumWorkers: cfg.Workers,
		Metrics:    registerer(registry),
		Logger:     logger,
	})
	if err != nil {
		fatal("run: %s", err)
	}
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	done := make(chan struct{})
	if *showProgress && !globals.JSON {
		go watchProgress(ctx, m, done)
	} else {
		close(done)
	}

	if err := m.RunAll(ctx, false, 0); err != nil {
		fatal("run: %s", err)
	}
	<-done

	if !color.NoColor {
		color.New(color.FgGreen, color.Bold).Fprintln(os.Stderr, "all tasks reached a terminal state")
	} else {
		fmt.Fprintln(os.Stderr, "all tasks reached a terminal state")
	}
}

// registerer adapts a possibly-nil *prometheus.Registry to the
// prometheus.Registerer interface manager.Config.Metrics expects, since a
// nil *prometheus.Registry boxed into an interface is non-nil and would trip
// manager.New's nil check.
func registerer(r *prometheus.Registry) prometheus.Registerer {
	if r == nil {
		return nil
	}
	return r
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "metrics server error: %s\n", err)
	}
}

// watchProgress renders a live bar over papers fetched so far, the way
// cmd/cie's runLocalIndex drives a progressbar.ProgressBar from a callback.
// Since pkg/manager exposes a polled Stats snapshot rather than a push
// callback, this polls instead.
func watchProgress(ctx context.Context, m *manager.Manager, done chan<- struct{}) {
	defer close(done)
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("fetching papers"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = bar.Finish()
			return
		case <-ticker.C:
			stats := m.Stats()
			_ = bar.Set64(stats.PapersFetched)
			if active := stats.TasksByStatus[paper.TaskPending] + stats.TasksByStatus[paper.TaskRunning]; active == 0 {
				_ = bar.Finish()
				return
			}
		}
	}
}
