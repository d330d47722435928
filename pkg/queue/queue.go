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

// Package queue implements a priority-ordered, persistent task
// set with status transitions. PENDING tasks live in an in-memory
// container/heap for O(log n) claim_next; every transition is both applied
// to the in-memory snapshot and appended to an on-disk task_events journal
// so a crashed process can reconstruct all non-terminal tasks on restart.
package queue

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	interrors "github.com/kraklabs/sysrev/internal/errors"
	"github.com/kraklabs/sysrev/pkg/paper"
)

// Config configures the task queue's journal.
type Config struct {
	// Path is the SQLite database file backing the journal. Defaults to
	// ~/.sysrev/queue.db if empty.
	Path string

	Logger *slog.Logger
}

// Queue is the persistent priority task set. The zero
// value is not usable; construct with New.
type Queue struct {
	db  *sql.DB
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	tasks   map[string]*paper.Task
	pending *taskHeap
	cancels map[string]bool // task_id -> cancel requested while RUNNING
}

// New opens (creating if absent) the SQLite-backed journal, ensures its
// schema exists, and resets any RUNNING task left over from a crash back
// to PENDING.
func New(cfg Config) (*Queue, error) {
	path := cfg.Path
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, interrors.FailedTo("resolve home directory", err)
		}
		path = filepath.Join(homeDir, ".sysrev", "queue.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, interrors.WithResource("create queue directory", "queue", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, interrors.WithResource("open queue database", "queue", path, err)
	}
	db.SetMaxOpenConns(1)

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	q := &Queue{
		db:      db,
		log:     log,
		tasks:   make(map[string]*paper.Task),
		pending: &taskHeap{},
		cancels: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(q.pending)

	if err := q.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := q.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureSchema() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := q.db.Exec(p); err != nil {
			return interrors.FailedTo("set "+p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			query TEXT NOT NULL,
			date_range TEXT,
			task_limit INTEGER,
			priority INTEGER NOT NULL,
			config_blob TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error_blob TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS task_events_by_task ON task_events(task_id)`,
	}
	for _, stmt := range schema {
		if _, err := q.db.Exec(stmt); err != nil {
			return interrors.FailedTo("create queue schema", err)
		}
	}
	return nil
}

// recover loads every persisted task into memory, resetting RUNNING tasks
// to PENDING on crash recovery. Workers are idempotent against cached
// pages, so re-running a reset task fetches no duplicate pages.
func (q *Queue) recover() error {
	rows, err := q.db.Query(`SELECT task_id, source, query, date_range, task_limit, priority, config_blob, status, attempts, error_blob, created_at, started_at, ended_at FROM tasks`)
	if err != nil {
		return interrors.FailedTo("load queue state", err)
	}
	defer rows.Close()

	var resets []string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return err
		}
		if t.Status == paper.TaskRunning {
			t.Status = paper.TaskPending
			resets = append(resets, t.TaskID)
		}
		q.tasks[t.TaskID] = t
		if t.Status == paper.TaskPending {
			heap.Push(q.pending, t)
		}
	}
	if err := rows.Err(); err != nil {
		return interrors.FailedTo("load queue state", err)
	}

	for _, taskID := range resets {
		if err := q.persist(context.Background(), q.tasks[taskID], "recovered", "reset RUNNING to PENDING after restart"); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying journal database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	return q.db.Close()
}

// Enqueue places task in PENDING and persists it. The caller is
// responsible for assigning TaskID (the manager uses google/uuid).
func (q *Queue) Enqueue(ctx context.Context, task *paper.Task) error {
	if err := task.Validate(); err != nil {
		return interrors.WithResource("enqueue task", "queue", task.TaskID, err)
	}

	task.Status = paper.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if _, exists := q.tasks[task.TaskID]; exists {
		q.mu.Unlock()
		return interrors.WithResource("enqueue task", "queue", task.TaskID, fmt.Errorf("task_id already exists"))
	}
	q.tasks[task.TaskID] = task
	heap.Push(q.pending, task)
	q.mu.Unlock()
	q.cond.Broadcast()

	return q.persist(ctx, task, "enqueued", "")
}

// ClaimNext atomically returns the highest-priority PENDING task (lowest
// Priority number, FIFO tie-break on CreatedAt), marks it RUNNING, and
// persists the transition. It blocks until a task is available or ctx is
// cancelled.
func (q *Queue) ClaimNext(ctx context.Context) (*paper.Task, error) {
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stopWatcher:
		}
	}()

	q.mu.Lock()
	for q.pending.Len() == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue closed")
	}

	task := heap.Pop(q.pending).(*paper.Task)
	task.Status = paper.TaskRunning
	task.StartedAt = time.Now().UTC()
	q.mu.Unlock()

	if err := q.persist(ctx, task, "claimed", ""); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete transitions task_id to COMPLETED.
func (q *Queue) Complete(ctx context.Context, taskID string) error {
	return q.terminal(ctx, taskID, paper.TaskCompleted, "completed", nil)
}

// Fail transitions task_id to FAILED, recording taskErr.
func (q *Queue) Fail(ctx context.Context, taskID string, taskErr *paper.TaskError) error {
	return q.terminal(ctx, taskID, paper.TaskFailed, "failed", taskErr)
}

// Cancel removes a PENDING task directly, or — if the task is RUNNING —
// sets a cancel flag for the worker to observe between pages. It is a
// no-op if the task is already terminal.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return interrors.WithResource("cancel task", "queue", taskID, fmt.Errorf("unknown task_id"))
	}
	switch task.Status {
	case paper.TaskPending:
		q.pending.remove(taskID)
		task.Status = paper.TaskCancelled
		task.EndedAt = time.Now().UTC()
		q.mu.Unlock()
		return q.persist(ctx, task, "cancelled", "")
	case paper.TaskRunning:
		q.cancels[taskID] = true
		q.mu.Unlock()
		return nil
	default:
		q.mu.Unlock()
		return nil
	}
}

// IsCancelled reports whether a RUNNING task has a pending cancel request.
// Workers poll this between pages.
func (q *Queue) IsCancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancels[taskID]
}

// MarkCancelled finalizes a RUNNING task's cancellation once the worker
// has stopped between pages. Pages already cached remain cached.
func (q *Queue) MarkCancelled(ctx context.Context, taskID string) error {
	q.mu.Lock()
	delete(q.cancels, taskID)
	q.mu.Unlock()
	return q.terminal(ctx, taskID, paper.TaskCancelled, "cancelled", nil)
}

func (q *Queue) terminal(ctx context.Context, taskID string, status paper.TaskStatus, event string, taskErr *paper.TaskError) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return interrors.WithResource(event, "queue", taskID, fmt.Errorf("unknown task_id"))
	}
	task.Status = status
	task.Err = taskErr
	task.EndedAt = time.Now().UTC()
	delete(q.cancels, taskID)
	q.mu.Unlock()

	detail := ""
	if taskErr != nil {
		detail = taskErr.Kind + ": " + taskErr.Message
	}
	return q.persist(ctx, task, event, detail)
}

// Status returns the current status of task_id.
func (q *Queue) Status(taskID string) (paper.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return "", interrors.WithResource("status", "queue", taskID, fmt.Errorf("unknown task_id"))
	}
	return task.Status, nil
}

// Task returns a copy of task_id's current snapshot.
func (q *Queue) Task(taskID string) (*paper.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, interrors.WithResource("get task", "queue", taskID, fmt.Errorf("unknown task_id"))
	}
	cp := *task
	return &cp, nil
}

// AllTasks returns every task the queue currently knows about.
func (q *Queue) AllTasks() []*paper.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*paper.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// TasksByStatus returns every task currently in the given status.
func (q *Queue) TasksByStatus(status paper.TaskStatus) []*paper.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*paper.Task
	for _, t := range q.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Size returns the number of currently PENDING tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) persist(ctx context.Context, task *paper.Task, event, detail string) error {
	var dr string
	if task.DateRange != nil {
		dr = task.DateRange.From.Format(time.RFC3339) + ".." + task.DateRange.To.Format(time.RFC3339)
	}
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return interrors.FailedTo("marshal task config", err)
	}
	var errJSON []byte
	if task.Err != nil {
		errJSON, err = json.Marshal(task.Err)
		if err != nil {
			return interrors.FailedTo("marshal task error", err)
		}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return interrors.FailedTo("begin queue transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, source, query, date_range, task_limit, priority, config_blob, status, attempts, error_blob, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status=excluded.status, attempts=excluded.attempts, error_blob=excluded.error_blob,
			started_at=excluded.started_at, ended_at=excluded.ended_at`,
		task.TaskID, task.Source, task.Query, dr, task.Limit, task.Priority, string(cfgJSON),
		string(task.Status), task.Attempts, string(errJSON),
		formatTime(task.CreatedAt), formatTime(task.StartedAt), formatTime(task.EndedAt))
	if err != nil {
		return interrors.WithResource("persist task", "queue", task.TaskID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event, status, detail, at) VALUES (?, ?, ?, ?, ?)`,
		task.TaskID, event, string(task.Status), detail, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return interrors.WithResource("append task event", "queue", task.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return interrors.FailedTo("commit queue transaction", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanTask(rows *sql.Rows) (*paper.Task, error) {
	var (
		t                              paper.Task
		dr, cfgJSON, errJSON           sql.NullString
		createdAt, startedAt, endedAt  string
		limit                          sql.NullInt64
	)
	if err := rows.Scan(&t.TaskID, &t.Source, &t.Query, &dr, &limit, &t.Priority, &cfgJSON,
		&t.Status, &t.Attempts, &errJSON, &createdAt, &startedAt, &endedAt); err != nil {
		return nil, interrors.FailedTo("scan task row", err)
	}
	t.Limit = int(limit.Int64)
	if cfgJSON.Valid && cfgJSON.String != "" {
		_ = json.Unmarshal([]byte(cfgJSON.String), &t.Config)
	}
	if errJSON.Valid && errJSON.String != "" {
		var te paper.TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &te); err == nil {
			t.Err = &te
		}
	}
	if dr.Valid && dr.String != "" {
		if from, to, ok := splitDateRange(dr.String); ok {
			t.DateRange = &paper.DateRange{From: from, To: to}
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt)
	t.EndedAt = parseTime(endedAt)
	return &t, nil
}

func splitDateRange(s string) (from, to time.Time, ok bool) {
	i := strings.Index(s, "..")
	if i < 0 {
		return time.Time{}, time.Time{}, false
	}
	return parseTime(s[:i]), parseTime(s[i+2:]), true
}
