package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/paper"
	"github.com/kraklabs/sysrev/pkg/source"
)

func newTestManager(t *testing.T, adapters func(string) (source.Adapter, error)) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{
		QueuePath:  filepath.Join(dir, "queue.db"),
		CachePath:  filepath.Join(dir, "cache.db"),
		NumWorkers: 2,
		Adapters:   adapters,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAddSearch_AppliesDefaultMaxRetries(t *testing.T) {
	m := newTestManager(t, func(string) (source.Adapter, error) {
		return source.NewStubAdapter(source.StubPage{Next: source.End}), nil
	})

	taskID, err := m.AddSearch(context.Background(), SearchRequest{Source: "stub", Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := m.queue.Task(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Config.MaxRetries != classify.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", task.Config.MaxRetries, classify.DefaultMaxRetries)
	}
}

func TestAddSearch_RejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t, source.Get)
	_, err := m.AddSearch(context.Background(), SearchRequest{
		Source: "stub", Query: "q",
		Config: paper.AdapterConfig{TimeoutSeconds: -1},
	})
	if err == nil {
		t.Error("expected error for negative timeout_seconds")
	}
}

func TestAddMultiple_AssignsOneTaskIDPerRequest(t *testing.T) {
	m := newTestManager(t, func(string) (source.Adapter, error) {
		return source.NewStubAdapter(source.StubPage{Next: source.End}), nil
	})

	ids, err := m.AddMultiple(context.Background(), []SearchRequest{
		{Source: "stub", Query: "a"},
		{Source: "stub", Query: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("ids = %v, want 2 distinct ids", ids)
	}
}

func TestLoadBatchFile_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	content := "- source: openalex\n  query: deep learning\n  limit: 50\n- source: crossref\n  query: transformers\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	reqs, err := LoadBatchFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0].Source != "openalex" || reqs[0].Limit != 50 {
		t.Errorf("reqs[0] = %+v", reqs[0])
	}
	if reqs[1].Source != "crossref" {
		t.Errorf("reqs[1] = %+v", reqs[1])
	}
}

func TestRunAll_CompletesAllTasksThenReturns(t *testing.T) {
	stub := source.NewStubAdapter(
		source.StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: source.End},
	)
	m := newTestManager(t, func(string) (source.Adapter, error) { return stub, nil })

	taskID, err := m.AddSearch(context.Background(), SearchRequest{Source: "stub", Query: "q", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.RunAll(ctx, false, 0); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	status, err := m.TaskStatus(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if status != paper.TaskCompleted {
		t.Errorf("status = %s, want COMPLETED", status)
	}

	results, err := m.GetResults(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("GetResults = %d papers, want 1", len(results))
	}
}

func TestGetResults_ReturnsPartialProgressBeforeCompletion(t *testing.T) {
	m := newTestManager(t, func(string) (source.Adapter, error) {
		return source.NewStubAdapter(), nil // never invoked: the pool is never started in this test
	})

	taskID, err := m.AddSearch(context.Background(), SearchRequest{Source: "stub", Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := m.queue.Task(taskID)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	queryID, err := m.cache.RegisterQuery(ctx, task.Source, task.Query, task.DateRange, task.Limit, task.Config)
	if err != nil {
		t.Fatal(err)
	}
	partial := []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}
	if err := m.cache.StorePage(ctx, queryID, 0, nil, partial, "cursor-1"); err != nil {
		t.Fatal(err)
	}

	results, err := m.GetResults(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].PaperID != "p1" {
		t.Errorf("GetResults = %+v, want the one cached partial page", results)
	}

	status, err := m.TaskStatus(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if status != paper.TaskPending {
		t.Errorf("status = %s, want PENDING (pool never started)", status)
	}
}

func TestQueueSizeAndCancel(t *testing.T) {
	m := newTestManager(t, func(string) (source.Adapter, error) {
		return source.NewStubAdapter(), nil
	})

	taskID, err := m.AddSearch(context.Background(), SearchRequest{Source: "stub", Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if size := m.QueueSize(); size != 1 {
		t.Errorf("QueueSize = %d, want 1", size)
	}
	if err := m.Cancel(context.Background(), taskID); err != nil {
		t.Fatal(err)
	}
	status, err := m.TaskStatus(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if status != paper.TaskCancelled {
		t.Errorf("status = %s, want CANCELLED", status)
	}
	if size := m.QueueSize(); size != 0 {
		t.Errorf("QueueSize after cancel = %d, want 0", size)
	}
}
