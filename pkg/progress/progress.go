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

// Package progress implements in-memory per-task and aggregate
// counters (papers fetched, pages fetched, errors by kind, task status
// counts), a point-in-time Stats snapshot, papers_per_minute, and an
// optional Prometheus export hook behind a --metrics-addr flag.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/paper"
)

// TaskCounters is one task's contribution to the aggregate.
type TaskCounters struct {
	PapersFetched int64
	PagesFetched  int64
}

// Stats is a point-in-time snapshot. Copying it is safe; it shares no
// state with the Tracker it came from.
type Stats struct {
	StartedAt     time.Time
	PapersFetched int64
	PagesFetched  int64
	ErrorsByKind  map[classify.ErrorKind]int64
	TasksByStatus map[paper.TaskStatus]int64
	PerTask       map[string]TaskCounters
}

// PapersPerMinute returns the run's aggregate fetch rate using wall-clock
// elapsed time since the Tracker was constructed.
func (s Stats) PapersPerMinute() float64 {
	elapsed := time.Since(s.StartedAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.PapersFetched) / elapsed
}

// promMetrics holds the optional Prometheus collectors. Nil until
// EnableMetrics is called.
type promMetrics struct {
	papersFetched prometheus.Counter
	pagesFetched  prometheus.Counter
	errorsByKind  *prometheus.CounterVec
	tasksByStatus *prometheus.GaugeVec
}

// Tracker is the progress tracker. The zero value is not usable;
// construct with New.
type Tracker struct {
	startedAt time.Time

	papersFetched int64 // atomic
	pagesFetched  int64 // atomic

	mu            sync.Mutex
	errorsByKind  map[classify.ErrorKind]int64
	tasksByStatus map[paper.TaskStatus]int64
	perTask       map[string]*TaskCounters

	metrics *promMetrics
}

// New returns a Tracker whose clock starts now.
func New() *Tracker {
	return &Tracker{
		startedAt:     time.Now(),
		errorsByKind:  make(map[classify.ErrorKind]int64),
		tasksByStatus: make(map[paper.TaskStatus]int64),
		perTask:       make(map[string]*TaskCounters),
	}
}

// EnableMetrics registers a Prometheus collector set against reg (the
// default registerer if nil). Call once per Tracker; a second call
// returns the registration error since prometheus.Register rejects
// duplicate collectors. Mount promhttp.Handler() separately to serve
// /metrics.
func (t *Tracker) EnableMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &promMetrics{
		papersFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysrev_papers_fetched_total",
			Help: "Total papers fetched across all tasks.",
		}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sysrev_pages_fetched_total",
			Help: "Total adapter pages fetched across all tasks.",
		}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sysrev_errors_total",
			Help: "Adapter/cache errors by kind.",
		}, []string{"kind"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sysrev_tasks",
			Help: "Current task count by status.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.papersFetched, m.pagesFetched, m.errorsByKind, m.tasksByStatus} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.metrics = m
	t.mu.Unlock()
	return nil
}

// RecordPage records one successfully fetched page and the papers it
// contained, for both the aggregate and the given task.
func (t *Tracker) RecordPage(taskID string, paperCount int) {
	atomic.AddInt64(&t.pagesFetched, 1)
	atomic.AddInt64(&t.papersFetched, int64(paperCount))

	t.mu.Lock()
	tc, ok := t.perTask[taskID]
	if !ok {
		tc = &TaskCounters{}
		t.perTask[taskID] = tc
	}
	tc.PagesFetched++
	tc.PapersFetched += int64(paperCount)
	metrics := t.metrics
	t.mu.Unlock()

	if metrics != nil {
		metrics.pagesFetched.Inc()
		metrics.papersFetched.Add(float64(paperCount))
	}
}

// RecordError tallies one error of the given kind.
func (t *Tracker) RecordError(kind classify.ErrorKind) {
	t.mu.Lock()
	t.errorsByKind[kind]++
	metrics := t.metrics
	t.mu.Unlock()

	if metrics != nil {
		metrics.errorsByKind.WithLabelValues(string(kind)).Inc()
	}
}

// Transition moves one task from status `from` to status `to`, updating
// the status-count table. Pass an empty `from` for a brand-new task.
func (t *Tracker) Transition(from, to paper.TaskStatus) {
	t.mu.Lock()
	if from != "" {
		t.tasksByStatus[from]--
	}
	t.tasksByStatus[to]++
	metrics := t.metrics
	fromCount, toCount := t.tasksByStatus[from], t.tasksByStatus[to]
	t.mu.Unlock()

	if metrics != nil {
		if from != "" {
			metrics.tasksByStatus.WithLabelValues(string(from)).Set(float64(fromCount))
		}
		metrics.tasksByStatus.WithLabelValues(string(to)).Set(float64(toCount))
	}
}

// Stats returns a snapshot of every counter at the moment of the call.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := make(map[classify.ErrorKind]int64, len(t.errorsByKind))
	for k, v := range t.errorsByKind {
		errs[k] = v
	}
	statuses := make(map[paper.TaskStatus]int64, len(t.tasksByStatus))
	for k, v := range t.tasksByStatus {
		statuses[k] = v
	}
	perTask := make(map[string]TaskCounters, len(t.perTask))
	for k, v := range t.perTask {
		perTask[k] = *v
	}

	return Stats{
		StartedAt:     t.startedAt,
		PapersFetched: atomic.LoadInt64(&t.papersFetched),
		PagesFetched:  atomic.LoadInt64(&t.pagesFetched),
		ErrorsByKind:  errs,
		TasksByStatus: statuses,
		PerTask:       perTask,
	}
}
