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

// Package manager implements the façade composing the rate
// limiter, breaker, cache, queue, worker pool and progress tracker behind
// one constructor, in the spirit of a single type wiring its backing
// components behind one constructor/Close pair.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	interrors "github.com/kraklabs/sysrev/internal/errors"
	"github.com/kraklabs/sysrev/pkg/breaker"
	"github.com/kraklabs/sysrev/pkg/cache"
	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
	"github.com/kraklabs/sysrev/pkg/progress"
	"github.com/kraklabs/sysrev/pkg/queue"
	"github.com/kraklabs/sysrev/pkg/ratelimit"
	"github.com/kraklabs/sysrev/pkg/source"
	"github.com/kraklabs/sysrev/pkg/worker"

	"gopkg.in/yaml.v3"
)

// SearchRequest is one caller-supplied unit of work for AddSearch/AddMultiple.
type SearchRequest struct {
	Source   string              `yaml:"source"`
	Query    string              `yaml:"query"`
	DateFrom string              `yaml:"date_from,omitempty"`
	DateTo   string              `yaml:"date_to,omitempty"`
	Limit    int                 `yaml:"limit,omitempty"`
	Priority int                 `yaml:"priority,omitempty"`
	Config   paper.AdapterConfig `yaml:"config,omitempty"`
}

// Config wires a Manager's backing resources. Queue/Cache/Limiters/
// Breakers/Adapters may be pre-built (tests inject stubs this way);
// anything left nil is constructed from the corresponding *Path field.
type Config struct {
	QueuePath  string
	CachePath  string
	NumWorkers int

	Queue    *queue.Queue
	Cache    *cache.Cache
	Limiters *ratelimit.Registry
	Breakers *breaker.Registry
	Adapters worker.AdapterResolver

	// Metrics, if non-nil, is registered against on construction so the
	// progress tracker's counters are exported from the first task on.
	Metrics prometheus.Registerer

	Logger *slog.Logger
}

// Manager is the composing façade. The zero value is not usable; construct
// with New. Manager owns the Queue and Cache it created itself and must be
// Closed to flush them; a Queue or Cache handed over via Config is not
// closed by Close and stays the caller's to close.
type Manager struct {
	log      *slog.Logger
	queue    *queue.Queue
	cache    *cache.Cache
	progress *progress.Tracker
	pool     *worker.Pool

	ownsQueue bool
	ownsCache bool

	mu      sync.Mutex
	running bool
}

// New builds a Manager, opening a queue and cache at the configured
// paths unless the caller already supplied them.
func New(cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	q := cfg.Queue
	ownsQueue := false
	if q == nil {
		var err error
		q, err = queue.New(queue.Config{Path: cfg.QueuePath, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("manager: open queue: %w", err)
		}
		ownsQueue = true
	}

	c := cfg.Cache
	ownsCache := false
	if c == nil {
		var err error
		c, err = cache.New(cache.Config{Path: cfg.CachePath, Logger: log})
		if err != nil {
			if ownsQueue {
				_ = q.Close()
			}
			return nil, fmt.Errorf("manager: open cache: %w", err)
		}
		ownsCache = true
	}

	limiters := cfg.Limiters
	if limiters == nil {
		limiters = ratelimit.NewRegistry()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry()
	}

	tr := progress.New()
	if cfg.Metrics != nil {
		if err := tr.EnableMetrics(cfg.Metrics); err != nil {
			if ownsCache {
				_ = c.Close()
			}
			if ownsQueue {
				_ = q.Close()
			}
			return nil, fmt.Errorf("manager: enable metrics: %w", err)
		}
	}

	pool := worker.New(worker.Config{
		NumWorkers: cfg.NumWorkers,
		Queue:      q,
		Cache:      c,
		Limiters:   limiters,
		Breakers:   breakers,
		Progress:   tr,
		Adapters:   cfg.Adapters,
		Logger:     log,
	})

	return &Manager{
		log:       log,
		queue:     q,
		cache:     c,
		progress:  tr,
		pool:      pool,
		ownsQueue: ownsQueue,
		ownsCache: ownsCache,
	}, nil
}

// Close flushes and releases the queue and cache this Manager owns.
// Callers must Close (typically via defer) to guarantee the cache is
// flushed and no db handle leaks, even if RunAll returned early on error.
func (m *Manager) Close() error {
	var firstErr error
	if m.ownsCache {
		if err := m.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.ownsQueue {
		if err := m.queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddSearch validates req, assigns a task_id and enqueues the work. A
// zero Config.MaxRetries is treated as "caller didn't specify one" and
// replaced with classify.DefaultMaxRetries — pkg/worker, by contrast,
// honors whatever MaxRetries ends up on the Task literally, including
// zero, since by the time a Task reaches the worker "unset" is no longer
// a representable state.
func (m *Manager) AddSearch(ctx context.Context, req SearchRequest) (string, error) {
	if req.Config.MaxRetries == 0 {
		req.Config.MaxRetries = classify.DefaultMaxRetries
	}
	if err := source.ValidateConfig(req.Config); err != nil {
		return "", fmt.Errorf("manager: add search: %w", err)
	}

	dateRange, err := parseDateRange(req.DateFrom, req.DateTo)
	if err != nil {
		return "", fmt.Errorf("manager: add search: %w", err)
	}

	task := &paper.Task{
		TaskID:    uuid.NewString(),
		Source:    req.Source,
		Query:     req.Query,
		DateRange: dateRange,
		Limit:     req.Limit,
		Priority:  req.Priority,
		Config:    req.Config,
	}
	if err := m.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("manager: add search: %w", err)
	}
	m.progress.Transition("", paper.TaskPending)
	return task.TaskID, nil
}

// AddMultiple enqueues every request in reqs, in order, returning their
// assigned task_ids. It stops at the first enqueue failure, returning the
// task_ids successfully assigned so far alongside the error.
func (m *Manager) AddMultiple(ctx context.Context, reqs []SearchRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		id, err := m.AddSearch(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("manager: add multiple: request %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadBatchFile parses a YAML batch-task file (a top-level list of
// SearchRequest) for use with AddMultiple.
func LoadBatchFile(path string) ([]SearchRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, interrors.WithResource("load batch file", "manager", path, err)
	}
	var reqs []SearchRequest
	if err := yaml.Unmarshal(data, &reqs); err != nil {
		return nil, interrors.WithResource("parse batch file", "manager", path, err)
	}
	return reqs, nil
}

// RunAll starts the worker pool and blocks until every task currently
// known to the queue has reached a terminal state, then shuts the pool
// down. If showProgress is true, a summary is logged every interval.
// Tasks added concurrently from another goroutine while RunAll is
// running are picked up normally; RunAll only returns once the queue has
// drained back to empty.
func (m *Manager) RunAll(ctx context.Context, showProgress bool, interval time.Duration) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager: RunAll already in progress")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if interval <= 0 {
		interval = 2 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- m.pool.Run(runCtx) }()

	const pollInterval = 25 * time.Millisecond
	lastReport := time.Now()
	for {
		if m.allTerminal() {
			cancel()
			return <-runDone
		}
		select {
		case <-ctx.Done():
			cancel()
			<-runDone
			return ctx.Err()
		case <-time.After(pollInterval):
		}
		if showProgress && time.Since(lastReport) >= interval {
			m.logProgress()
			lastReport = time.Now()
		}
	}
}

func (m *Manager) allTerminal() bool {
	for _, t := range m.queue.AllTasks() {
		if t.Status == paper.TaskPending || t.Status == paper.TaskRunning {
			return false
		}
	}
	return true
}

func (m *Manager) logProgress() {
	stats := m.progress.Stats()
	m.log.Info("manager.progress",
		"papers_fetched", stats.PapersFetched,
		"pages_fetched", stats.PagesFetched,
		"papers_per_minute", stats.PapersPerMinute(),
		"pending", stats.TasksByStatus[paper.TaskPending],
		"running", stats.TasksByStatus[paper.TaskRunning],
		"completed", stats.TasksByStatus[paper.TaskCompleted],
		"failed", stats.TasksByStatus[paper.TaskFailed],
	)
}

// GetResults returns task_id's papers. A still-running task returns
// whatever has been cached so far rather than an error, so a caller
// polling mid-run sees partial progress.
func (m *Manager) GetResults(ctx context.Context, taskID string) ([]paper.Paper, error) {
	task, err := m.queue.Task(taskID)
	if err != nil {
		return nil, fmt.Errorf("manager: get results: %w", err)
	}
	if task.Status == paper.TaskCompleted && task.Papers != nil {
		return task.Papers, nil
	}
	queryID, err := m.cache.RegisterQuery(ctx, task.Source, task.Query, task.DateRange, task.Limit, task.Config)
	if err != nil {
		return nil, fmt.Errorf("manager: get results: %w", err)
	}
	return m.cache.PapersFor(ctx, queryID)
}

// GetAllResults returns GetResults for every task the queue currently
// knows about, keyed by task_id.
func (m *Manager) GetAllResults(ctx context.Context) (map[string][]paper.Paper, error) {
	out := make(map[string][]paper.Paper)
	for _, t := range m.queue.AllTasks() {
		papers, err := m.GetResults(ctx, t.TaskID)
		if err != nil {
			return nil, fmt.Errorf("manager: get all results: %w", err)
		}
		out[t.TaskID] = papers
	}
	return out, nil
}

// Cancel requests cancellation of task_id.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	return m.queue.Cancel(ctx, taskID)
}

// QueueSize returns the number of currently PENDING tasks.
func (m *Manager) QueueSize() int {
	return m.queue.Size()
}

// TaskStatus returns task_id's current lifecycle status.
func (m *Manager) TaskStatus(taskID string) (paper.TaskStatus, error) {
	return m.queue.Status(taskID)
}

// Stats exposes the progress tracker's current snapshot.
func (m *Manager) Stats() progress.Stats {
	return m.progress.Stats()
}

// parseDateRange accepts every format normalize.ParseDate does (ISO
// YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY, DD/MM/YYYY, YYYY-MM, and YYYY), not
// just the first of those.
func parseDateRange(from, to string) (*paper.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	dr := &paper.DateRange{}
	if from != "" {
		t, _, err := normalize.ParseDate(from)
		if err != nil {
			return nil, fmt.Errorf("date_from %q: %w", from, err)
		}
		dr.From = t
	}
	if to != "" {
		t, _, err := normalize.ParseDate(to)
		if err != nil {
			return nil, fmt.Errorf("date_to %q: %w", to, err)
		}
		dr.To = t
	}
	return dr, nil
}
