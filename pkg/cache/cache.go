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

// Package cache implements a durable, transactional store of
// query -> page -> records with completion markers, resumable across process
// restarts. It embeds SQLite (mattn/go-sqlite3) in WAL mode — the relational
// schema (queries/pages/papers, unique constraints, atomic per-page writes)
// maps directly onto ordinary SQL.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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

// Config configures the page cache backend.
type Config struct {
	// Path is the SQLite database file. Defaults to
	// ~/.sysrev/cache.db if empty.
	Path string

	Logger *slog.Logger
}

// Cache is the resumable page store. The zero value is
// not usable; construct with New.
type Cache struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	log    *slog.Logger
}

// New opens (creating if absent) the SQLite-backed cache and ensures its
// schema exists.
func New(cfg Config) (*Cache, error) {
	path := cfg.Path
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, interrors.FailedTo("resolve home directory", err)
		}
		path = filepath.Join(homeDir, ".sysrev", "cache.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, interrors.WithResource("create cache directory", "cache", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, interrors.WithResource("open cache database", "cache", path, err)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 serializes writers anyway; avoid SQLITE_BUSY churn

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{db: db, log: log}

	if err := c.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) ensureSchema() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return interrors.FailedTo("set "+p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS queries (
			query_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			normalized_query TEXT NOT NULL,
			date_range TEXT,
			page_limit INTEGER,
			config_blob TEXT,
			completed_flag INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			query_id TEXT NOT NULL REFERENCES queries(query_id),
			page_index INTEGER NOT NULL,
			raw_blob BLOB,
			next_cursor TEXT,
			fetched_at TEXT NOT NULL,
			PRIMARY KEY (query_id, page_index)
		)`,
		`CREATE TABLE IF NOT EXISTS papers (
			query_id TEXT NOT NULL REFERENCES queries(query_id),
			page_index INTEGER NOT NULL,
			paper_record_blob TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS papers_by_query ON papers(query_id)`,
	}
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return interrors.FailedTo("create cache schema", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// QueryIdentity computes a deterministic cache key:
// a hash of (source, normalized query, date range, limit, adapter config).
// Two tasks with identical QueryIdentity share cached pages.
func QueryIdentity(source, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig) string {
	normalizedQuery := normalizeQueryString(query)
	var dr string
	if dateRange != nil {
		dr = dateRange.From.Format(time.RFC3339) + ".." + dateRange.To.Format(time.RFC3339)
	}
	cfgJSON, _ := json.Marshal(cfg)
	key := fmt.Sprintf("%s|%s|%s|%d|%s", source, normalizedQuery, dr, limit, string(cfgJSON))
	return hashKey(key)
}

// RegisterQuery idempotently records a query and returns its QueryIdentity.
// Calling it twice with equivalent arguments is a no-op the second time.
func (c *Cache) RegisterQuery(ctx context.Context, source, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig) (string, error) {
	queryID := QueryIdentity(source, query, dateRange, limit, cfg)

	var dr string
	if dateRange != nil {
		dr = dateRange.From.Format(time.RFC3339) + ".." + dateRange.To.Format(time.RFC3339)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", interrors.FailedTo("marshal adapter config", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queries (query_id, source, normalized_query, date_range, page_limit, config_blob, completed_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		queryID, source, normalizeQueryString(query), dr, limit, string(cfgJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", interrors.WithResource("register query", "cache", queryID, err)
	}
	return queryID, nil
}

// NextPageToFetch returns the smallest page index not yet stored for
// queryID, the adapter cursor to resume fetching from (empty for page 0),
// or complete=true if the query's completed_flag is set.
func (c *Cache) NextPageToFetch(ctx context.Context, queryID string) (pageIndex int, cursor string, complete bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextPageLocked(ctx, queryID)
}

// StorePage atomically inserts a page and its parsed papers. Storing a page
// index that isn't exactly the next contiguous one is a programming error
// and is rejected rather than silently accepted.
// nextCursor is the adapter's pagination token for the page that follows
// this one (empty if this was the last page), persisted so a restarted
// worker can resume native pagination rather than just page accounting.
func (c *Cache) StorePage(ctx context.Context, queryID string, pageIndex int, rawBlob []byte, papers []paper.Paper, nextCursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, _, complete, err := c.nextPageLocked(ctx, queryID)
	if err != nil {
		return err
	}
	if complete {
		return interrors.WithResource("store page", "cache", queryID, fmt.Errorf("query already marked completed"))
	}
	if pageIndex != next {
		return interrors.WithResource("store page", "cache", queryID,
			fmt.Errorf("non-contiguous page: got %d, expected %d", pageIndex, next))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return interrors.FailedTo("begin page transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (query_id, page_index, raw_blob, next_cursor, fetched_at) VALUES (?, ?, ?, ?, ?)`,
		queryID, pageIndex, rawBlob, nextCursor, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return interrors.WithResource("store page", "cache", queryID, err)
	}

	for i := range papers {
		blob, err := json.Marshal(&papers[i])
		if err != nil {
			return interrors.FailedTo("marshal paper record", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO papers (query_id, page_index, paper_record_blob) VALUES (?, ?, ?)`,
			queryID, pageIndex, string(blob)); err != nil {
			return interrors.WithResource("store paper", "cache", queryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return interrors.FailedTo("commit page transaction", err)
	}
	c.log.Debug("cache.page.store", "query_id", queryID, "page_index", pageIndex, "papers", len(papers))
	return nil
}

// nextPageLocked is NextPageToFetch's body, callable while c.mu is already held.
func (c *Cache) nextPageLocked(ctx context.Context, queryID string) (pageIndex int, cursor string, complete bool, err error) {
	var completedFlag int
	err = c.db.QueryRowContext(ctx, `SELECT completed_flag FROM queries WHERE query_id = ?`, queryID).Scan(&completedFlag)
	if err == sql.ErrNoRows {
		return 0, "", false, interrors.WithResource("next page", "cache", queryID, fmt.Errorf("unknown query_id"))
	}
	if err != nil {
		return 0, "", false, interrors.WithResource("next page", "cache", queryID, err)
	}
	if completedFlag != 0 {
		return 0, "", true, nil
	}

	var maxIndex sql.NullInt64
	var lastCursor sql.NullString
	err = c.db.QueryRowContext(ctx, `
		SELECT page_index, next_cursor FROM pages WHERE query_id = ? ORDER BY page_index DESC LIMIT 1`, queryID).
		Scan(&maxIndex, &lastCursor)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, interrors.WithResource("next page", "cache", queryID, err)
	}
	return int(maxIndex.Int64) + 1, lastCursor.String, false, nil
}

// MarkCompleted sets a query's completed_flag. Pages beyond the highest
// already stored must not be fetched afterward.
func (c *Cache) MarkCompleted(ctx context.Context, queryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx, `UPDATE queries SET completed_flag = 1 WHERE query_id = ?`, queryID)
	if err != nil {
		return interrors.WithResource("mark completed", "cache", queryID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return interrors.WithResource("mark completed", "cache", queryID, fmt.Errorf("unknown query_id"))
	}
	c.log.Debug("cache.query.completed", "query_id", queryID)
	return nil
}

// PapersFor returns the ordered concatenation of cached papers for queryID,
// in page order.
func (c *Cache) PapersFor(ctx context.Context, queryID string) ([]paper.Paper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT paper_record_blob FROM papers WHERE query_id = ? ORDER BY page_index ASC, rowid ASC`, queryID)
	if err != nil {
		return nil, interrors.WithResource("papers for", "cache", queryID, err)
	}
	defer rows.Close()

	var out []paper.Paper
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, interrors.WithResource("papers for", "cache", queryID, err)
		}
		var p paper.Paper
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, interrors.FailedTo("unmarshal cached paper", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// normalizeQueryString trims and lowercases a query string so whitespace or
// case differences alone don't split a query's cache entry in two.
func normalizeQueryString(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "qid:" + hex.EncodeToString(sum[:])[:16]
}
