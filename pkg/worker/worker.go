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

// Package worker implements a fixed pool of N workers draining
// the task queue, each running the claim -> check-cache -> fetch-page ->
// classify/retry loop, cooperating with pkg/ratelimit, pkg/breaker,
// pkg/cache and pkg/classify. Fixed goroutine count, each worker claiming
// its next task straight from Queue.ClaimNext and checking ctx before
// every unit of work, built on errgroup so cancellation and waiting come
// for free instead of hand-rolled sync.WaitGroup bookkeeping.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/sysrev/pkg/breaker"
	"github.com/kraklabs/sysrev/pkg/cache"
	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/paper"
	"github.com/kraklabs/sysrev/pkg/progress"
	"github.com/kraklabs/sysrev/pkg/queue"
	"github.com/kraklabs/sysrev/pkg/ratelimit"
	"github.com/kraklabs/sysrev/pkg/source"
)

// DefaultNumWorkers is the default worker pool size.
const DefaultNumWorkers = 3

// AdapterResolver looks up the Adapter for a source name. source.Get is
// the production resolver; tests substitute one that also hands out
// source.StubAdapter instances without touching the package-level
// registry.
type AdapterResolver func(sourceName string) (source.Adapter, error)

// Config wires a Pool to the rest of the pipeline's shared resources.
type Config struct {
	NumWorkers int // 0 -> DefaultNumWorkers

	Queue    *queue.Queue
	Cache    *cache.Cache
	Limiters *ratelimit.Registry
	Breakers *breaker.Registry
	Progress *progress.Tracker
	Adapters AdapterResolver // nil -> source.Get
	Logger   *slog.Logger
}

// Pool is the fixed worker pool. The zero value is
// not usable; construct with New.
type Pool struct {
	cfg Config
	log *slog.Logger
}

// New returns a Pool ready to Run, filling in defaults for zero fields.
func New(cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultNumWorkers
	}
	if cfg.Adapters == nil {
		cfg.Adapters = source.Get
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{cfg: cfg, log: log}
}

// Run starts NumWorkers goroutines draining the queue and blocks until
// ctx is cancelled and every worker has returned. Workers exit cleanly on
// cancellation without failing their current task: a task caught mid-page
// stays RUNNING and is reset to PENDING by the queue's crash recovery on
// the next process start.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := i
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

// loop repeatedly claims and executes tasks until ctx is done or the
// queue is closed.
func (p *Pool) loop(ctx context.Context, workerID int) {
	for {
		task, err := p.cfg.Queue.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("worker.claim.error", "worker", workerID, "err", err)
			}
			return
		}
		if p.cfg.Progress != nil {
			p.cfg.Progress.Transition(paper.TaskPending, paper.TaskRunning)
		}
		p.runTask(ctx, task)
	}
}

// searchResult is the value carried through breaker.Call, since the
// generic helper returns a single (T, error) pair and Adapter.Search
// returns four values.
type searchResult struct {
	papers []paper.Paper
	next   source.Cursor
	raw    []byte
}

// runTask executes one task end-to-end: this worker owns it until it
// reaches a terminal state or the pool shuts down.
func (p *Pool) runTask(ctx context.Context, task *paper.Task) {
	log := p.log.With("task_id", task.TaskID, "source", task.Source)

	adapter, err := p.cfg.Adapters(task.Source)
	if err != nil {
		p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Validation), Message: err.Error(), Attempts: task.Attempts})
		return
	}

	queryID, err := p.cfg.Cache.RegisterQuery(ctx, task.Source, task.Query, task.DateRange, task.Limit, task.Config)
	if err != nil {
		p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Cache), Message: err.Error(), Attempts: task.Attempts})
		return
	}

	limiter := p.cfg.Limiters.Get(task.Source)
	cb := p.cfg.Breakers.Get(task.Source)

	for {
		if p.cfg.Queue.IsCancelled(task.TaskID) {
			if err := p.cfg.Queue.MarkCancelled(ctx, task.TaskID); err != nil {
				log.Warn("worker.cancel.persist_error", "err", err)
			}
			if p.cfg.Progress != nil {
				p.cfg.Progress.Transition(paper.TaskRunning, paper.TaskCancelled)
			}
			return
		}
		if ctx.Err() != nil {
			return // shutdown: leave the task RUNNING, queue recovery resets it
		}

		pageIndex, cursor, complete, err := p.cfg.Cache.NextPageToFetch(ctx, queryID)
		if err != nil {
			p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Cache), Message: err.Error(), Attempts: task.Attempts})
			return
		}
		if complete || reachedLimit(task, pageIndex) {
			p.finish(ctx, task, queryID, log)
			return
		}

		if err := limiter.Acquire(ctx); err != nil {
			return // ctx cancelled mid-acquire: shutdown
		}

		result, err := breaker.Call(cb, func() (searchResult, error) {
			papers, next, raw, err := adapter.Search(ctx, task.Query, task.DateRange, task.Limit, task.Config, source.Cursor(cursor))
			if err != nil {
				return searchResult{}, err
			}
			return searchResult{papers: papers, next: next, raw: raw}, nil
		})
		if err != nil {
			if !p.handleFailure(ctx, task, log, limiter, err) {
				return
			}
			continue
		}

		if err := p.cfg.Cache.StorePage(ctx, queryID, pageIndex, result.raw, result.papers, string(result.next)); err != nil {
			p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Cache), Message: err.Error(), Attempts: task.Attempts})
			return
		}
		if p.cfg.Progress != nil {
			p.cfg.Progress.RecordPage(task.TaskID, len(result.papers))
		}

		if result.next == source.End {
			p.finish(ctx, task, queryID, log)
			return
		}
	}
}

// reachedLimit reports whether the task's requested result cap has
// already been met by the pages fetched so far (page indices are
// 0-based, so pageIndex pages have already been stored).
func reachedLimit(task *paper.Task, pageIndex int) bool {
	if task.Limit <= 0 {
		return false
	}
	size := task.Config.PageSize
	if size <= 0 {
		size = 1
	}
	return pageIndex*size >= task.Limit
}

// handleFailure classifies a failed adapter call and decides whether to
// retry. It returns true if the caller should loop back and try again
// (after sleeping the backoff), false if the task has been moved to a
// terminal state and runTask must return.
//
// CIRCUIT_OPEN failures do not charge the task's attempt budget: a
// breaker that stays OPEN would otherwise exhaust MaxRetries without the
// adapter ever having failed for real. The retry-vs-fail decision instead
// compares the attempts charged so far against MaxRetries before any
// increment, so MaxRetries=0 still fails on the very first CIRCUIT_OPEN
// hit exactly as it does for any other kind.
func (p *Pool) handleFailure(ctx context.Context, task *paper.Task, log *slog.Logger, limiter *ratelimit.Limiter, callErr error) bool {
	var aerr *classify.AdapterError
	if !errors.As(callErr, &aerr) {
		aerr = &classify.AdapterError{Kind: classify.Internal, Cause: callErr}
	}
	kind := classify.Classify(aerr)
	if p.cfg.Progress != nil {
		p.cfg.Progress.RecordError(kind)
	}
	if kind == classify.RateLimit && aerr.RetryAfter > 0 {
		limiter.ResetAfter(aerr.RetryAfter)
	}

	chargedAttempts := task.Attempts
	maxRetries := task.Config.MaxRetries
	if !classify.Retryable(kind) || chargedAttempts >= maxRetries {
		p.fail(ctx, task, &paper.TaskError{
			Kind:     string(kind),
			Message:  aerr.Error(),
			Attempts: chargedAttempts,
		})
		return false
	}

	if kind != classify.CircuitOpen {
		task.Attempts++
	}
	backoff := classify.Backoff(kind, chargedAttempts+1, aerr.RetryAfter)
	log.Debug("worker.retry", "kind", kind, "attempts", task.Attempts, "backoff", backoff)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finish marks queryID complete if needed, loads its accumulated papers
// onto task and transitions the task to COMPLETED.
func (p *Pool) finish(ctx context.Context, task *paper.Task, queryID string, log *slog.Logger) {
	if err := p.cfg.Cache.MarkCompleted(ctx, queryID); err != nil {
		p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Cache), Message: err.Error(), Attempts: task.Attempts})
		return
	}
	papers, err := p.cfg.Cache.PapersFor(ctx, queryID)
	if err != nil {
		p.fail(ctx, task, &paper.TaskError{Kind: string(classify.Cache), Message: err.Error(), Attempts: task.Attempts})
		return
	}
	task.Papers = papers
	if err := p.cfg.Queue.Complete(ctx, task.TaskID); err != nil {
		log.Warn("worker.complete.persist_error", "err", err)
	}
	if p.cfg.Progress != nil {
		p.cfg.Progress.Transition(paper.TaskRunning, paper.TaskCompleted)
	}
}

func (p *Pool) fail(ctx context.Context, task *paper.Task, taskErr *paper.TaskError) {
	if err := p.cfg.Queue.Fail(ctx, task.TaskID, taskErr); err != nil {
		p.log.Warn("worker.fail.persist_error", "task_id", task.TaskID, "err", err)
	}
	if p.cfg.Progress != nil {
		p.cfg.Progress.Transition(paper.TaskRunning, paper.TaskFailed)
	}
}
