package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/sysrev/pkg/breaker"
	"github.com/kraklabs/sysrev/pkg/cache"
	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/paper"
	"github.com/kraklabs/sysrev/pkg/progress"
	"github.com/kraklabs/sysrev/pkg/queue"
	"github.com/kraklabs/sysrev/pkg/ratelimit"
	"github.com/kraklabs/sysrev/pkg/source"
)

// fastLimiters returns a Registry configured with an effectively unbounded
// bucket for "stub" so tests aren't slowed by the real per-source defaults.
func fastLimiters() *ratelimit.Registry {
	r := ratelimit.NewRegistry()
	r.Configure("stub", ratelimit.Config{RatePerSecond: 1000, Burst: 1000})
	return r
}

func waitForStatus(t *testing.T, q *queue.Queue, taskID string, want paper.TaskStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := q.Status(taskID)
		if err != nil {
			t.Fatalf("status %q: %v", taskID, err)
		}
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %q did not reach %s within %s", taskID, want, timeout)
}

func TestPool_CompletesTaskAcrossMultiplePages(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stub := source.NewStubAdapter(
		source.StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: "cursor-1"},
		source.StubPage{Papers: []paper.Paper{{PaperID: "p2", Title: "B", Year: 2021, DOI: "10.1/b"}}, Next: source.End},
	)

	tr := progress.New()
	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   tr,
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "deep learning", Limit: 100, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 1}}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, q, "t1", paper.TaskCompleted, time.Second)

	final, err := q.Task("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Papers) != 2 {
		t.Errorf("Papers = %d, want 2", len(final.Papers))
	}

	stats := tr.Stats()
	if stats.PagesFetched != 2 || stats.PapersFetched != 2 {
		t.Errorf("Stats = %+v, want PagesFetched=2 PapersFetched=2", stats)
	}
}

func TestPool_RetriesNetworkFailureThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stub := source.NewStubAdapter(
		source.StubPage{Err: &classify.AdapterError{Kind: classify.Network, Cause: fmt.Errorf("dial timeout")}},
		source.StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: source.End},
	)

	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go pool.Run(ctx)

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "q", Limit: 10, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 1}}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, q, "t1", paper.TaskCompleted, 4*time.Second)

	final, err := q.Task("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Papers) != 1 {
		t.Errorf("Papers = %d, want 1", len(final.Papers))
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (one charged retry)", final.Attempts)
	}
}

// TestPool_RateLimitedThenSucceeds mirrors the literal scenario of a 429
// carrying a short Retry-After, followed by a success on the next attempt,
// with the breaker never tripping over a rate-limit failure.
func TestPool_RateLimitedThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stub := source.NewStubAdapter(
		source.StubPage{Err: &classify.AdapterError{Kind: classify.RateLimit, StatusCode: 429, RetryAfter: 20 * time.Millisecond}},
		source.StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: source.End},
	)

	breakers := breaker.NewRegistry()
	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breakers,
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go pool.Run(ctx)

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "q", Limit: 10, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 1}}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, q, "t1", paper.TaskCompleted, 4*time.Second)

	final, err := q.Task("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Papers) != 1 {
		t.Errorf("Papers = %d, want 1", len(final.Papers))
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (one charged retry)", final.Attempts)
	}
	if state := breakers.Get("stub").State(); state != breaker.Closed {
		t.Errorf("breaker state = %s, want CLOSED", state)
	}
}

func TestPool_FailsImmediatelyWhenMaxRetriesIsZero(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stub := source.NewStubAdapter(
		source.StubPage{Err: &classify.AdapterError{Kind: classify.API, StatusCode: 500}},
	)

	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "q", Limit: 10, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 0}}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, q, "t1", paper.TaskFailed, time.Second)

	final, err := q.Task("t1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Err == nil || final.Err.Kind != string(classify.API) {
		t.Errorf("Err = %+v, want kind API", final.Err)
	}
	if stub.CallCount() != 1 {
		t.Errorf("CallCount = %d, want exactly 1", stub.CallCount())
	}
}

// TestPool_CircuitOpensAfterThresholdFailures mirrors the literal scenario
// of N tasks against a source whose breaker trips after a small number of
// consecutive failures: once OPEN, later tasks fail with CIRCUIT_OPEN
// without the adapter ever being called again.
func TestPool_CircuitOpensAfterThresholdFailures(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	breakers := breaker.NewRegistry()
	breakers.Configure("stub", breaker.Config{FailureThreshold: 2, Cooldown: time.Minute})

	failing := &classify.AdapterError{Kind: classify.API, StatusCode: 500}
	stub := source.NewStubAdapter(
		source.StubPage{Err: failing},
		source.StubPage{Err: failing},
		source.StubPage{Err: failing},
	)

	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breakers,
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go pool.Run(ctx)

	for i := 0; i < 3; i++ {
		task := &paper.Task{
			TaskID: fmt.Sprintf("t%d", i),
			Source: "stub", Query: "q", Limit: 10,
			Priority: i, // preserve enqueue order under one worker
			Config:   paper.AdapterConfig{PageSize: 1, MaxRetries: 0},
		}
		if err := q.Enqueue(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}

	waitForStatus(t, q, "t0", paper.TaskFailed, time.Second)
	waitForStatus(t, q, "t1", paper.TaskFailed, time.Second)
	waitForStatus(t, q, "t2", paper.TaskFailed, time.Second)

	t0, _ := q.Task("t0")
	t1, _ := q.Task("t1")
	t2, _ := q.Task("t2")

	if t0.Err.Kind != string(classify.API) {
		t.Errorf("t0 kind = %s, want API", t0.Err.Kind)
	}
	if t1.Err.Kind != string(classify.API) {
		t.Errorf("t1 kind = %s, want API", t1.Err.Kind)
	}
	if t2.Err.Kind != string(classify.CircuitOpen) {
		t.Errorf("t2 kind = %s, want CIRCUIT_OPEN", t2.Err.Kind)
	}
	if stub.CallCount() != 2 {
		t.Errorf("adapter CallCount = %d, want 2 (third task never reached the adapter)", stub.CallCount())
	}
}

// TestPool_ProgressStatusCountsNeverGoNegative exercises several tasks
// (one success, one failure) through a full claim -> terminal lifecycle and
// asserts the PENDING/RUNNING counts the progress tracker reports never dip
// below zero and settle back to zero once every task is terminal. The
// caller is responsible for the into-PENDING transition on enqueue, the way
// pkg/manager's AddSearch does; this test performs that step itself since
// it drives the queue directly.
func TestPool_ProgressStatusCountsNeverGoNegative(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	notFound := &classify.AdapterError{Kind: classify.Permanent, StatusCode: 404}
	stub := source.NewStubAdapter(
		source.StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: source.End},
		source.StubPage{Err: notFound},
	)

	tr := progress.New()
	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   tr,
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	for i, taskID := range []string{"t-ok", "t-fail"} {
		task := &paper.Task{
			TaskID: taskID, Source: "stub", Query: "q", Limit: 10,
			Priority: i, // preserve enqueue order under one worker
			Config:   paper.AdapterConfig{PageSize: 1, MaxRetries: 0},
		}
		if err := q.Enqueue(context.Background(), task); err != nil {
			t.Fatal(err)
		}
		tr.Transition("", paper.TaskPending)

		stats := tr.Stats()
		if stats.TasksByStatus[paper.TaskPending] < 0 || stats.TasksByStatus[paper.TaskRunning] < 0 {
			t.Fatalf("negative status count right after enqueue: %+v", stats.TasksByStatus)
		}
	}

	waitForStatus(t, q, "t-ok", paper.TaskCompleted, time.Second)
	waitForStatus(t, q, "t-fail", paper.TaskFailed, time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		stats := tr.Stats()
		pending, running := stats.TasksByStatus[paper.TaskPending], stats.TasksByStatus[paper.TaskRunning]
		if pending < 0 || running < 0 {
			t.Fatalf("status counts went negative: %+v", stats.TasksByStatus)
		}
		if pending == 0 && running == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending+running never returned to 0: %+v", stats.TasksByStatus)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_ResumesFromCachedPageAfterRestart(t *testing.T) {
	dir := t.TempDir()
	qPath := filepath.Join(dir, "queue.db")
	cPath := filepath.Join(dir, "cache.db")
	ctx := context.Background()

	q1, err := queue.New(queue.Config{Path: qPath})
	if err != nil {
		t.Fatal(err)
	}
	c1, err := cache.New(cache.Config{Path: cPath})
	if err != nil {
		t.Fatal(err)
	}

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "deep learning", Limit: 100, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 1}}
	if err := q1.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}
	claimed, err := q1.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}

	queryID, err := c1.RegisterQuery(ctx, claimed.Source, claimed.Query, claimed.DateRange, claimed.Limit, claimed.Config)
	if err != nil {
		t.Fatal(err)
	}
	firstPage := []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}
	if err := c1.StorePage(ctx, queryID, 0, []byte("raw0"), firstPage, "resume-cursor"); err != nil {
		t.Fatal(err)
	}

	// simulate a crash: close without ever completing or failing the task,
	// leaving it RUNNING in the journal with one page already cached.
	if err := q1.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := queue.New(queue.Config{Path: qPath})
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()
	c2, err := cache.New(cache.Config{Path: cPath})
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if status, err := q2.Status("t1"); err != nil || status != paper.TaskPending {
		t.Fatalf("after restart status = %v, %v, want PENDING", status, err)
	}

	secondPage := []paper.Paper{{PaperID: "p2", Title: "B", Year: 2021, DOI: "10.1/b"}}
	stub := source.NewStubAdapter(source.StubPage{Papers: secondPage, Next: source.End})

	pool := New(Config{
		NumWorkers: 1,
		Queue:      q2,
		Cache:      c2,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return stub, nil },
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(runCtx)

	waitForStatus(t, q2, "t1", paper.TaskCompleted, time.Second)

	if stub.CallCount() != 1 {
		t.Errorf("adapter CallCount = %d, want exactly 1 (page 0 must not be refetched)", stub.CallCount())
	}
	final, err := q2.Task("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(final.Papers) != 2 {
		t.Errorf("Papers after resume = %d, want 2 (cached page 0 + freshly fetched page 1)", len(final.Papers))
	}
}

func TestPool_CancelStopsTaskBetweenPages(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.New(queue.Config{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	c, err := cache.New(cache.Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	afterFirst := make(chan struct{})
	adapter := &signalAfterFirstCallAdapter{
		signal: afterFirst,
		pages: []source.StubPage{
			{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: "cursor-1"},
			{Papers: []paper.Paper{{PaperID: "p2", Title: "B", Year: 2021, DOI: "10.1/b"}}, Next: source.End},
		},
	}

	pool := New(Config{
		NumWorkers: 1,
		Queue:      q,
		Cache:      c,
		Limiters:   fastLimiters(),
		Breakers:   breaker.NewRegistry(),
		Progress:   progress.New(),
		Adapters:   func(string) (source.Adapter, error) { return adapter, nil },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	task := &paper.Task{TaskID: "t1", Source: "stub", Query: "q", Limit: 100, Config: paper.AdapterConfig{PageSize: 1, MaxRetries: 1}}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	select {
	case <-afterFirst:
	case <-time.After(time.Second):
		t.Fatal("first adapter call never happened")
	}
	if err := q.Cancel(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, q, "t1", paper.TaskCancelled, time.Second)

	if adapter.CallCount() != 1 {
		t.Errorf("adapter CallCount = %d, want exactly 1 (cancelled before second page)", adapter.CallCount())
	}
}

// signalAfterFirstCallAdapter serves scripted pages like source.StubAdapter
// but closes signal the instant its first call is made, letting a test
// deterministically race a Cancel against the page-boundary check.
type signalAfterFirstCallAdapter struct {
	pages  []source.StubPage
	calls  int
	signal chan struct{}
}

func (a *signalAfterFirstCallAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor source.Cursor) ([]paper.Paper, source.Cursor, []byte, error) {
	idx := a.calls
	a.calls++
	if idx == 0 && a.signal != nil {
		close(a.signal)
	}
	if idx >= len(a.pages) {
		return nil, source.End, nil, nil
	}
	page := a.pages[idx]
	return page.Papers, page.Next, page.Raw, page.Err
}

func (a *signalAfterFirstCallAdapter) CallCount() int { return a.calls }
