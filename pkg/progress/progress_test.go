package progress

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func TestRecordPage_AggregatesAcrossTasks(t *testing.T) {
	tr := New()
	tr.RecordPage("t1", 10)
	tr.RecordPage("t1", 5)
	tr.RecordPage("t2", 3)

	stats := tr.Stats()
	if stats.PapersFetched != 18 {
		t.Errorf("PapersFetched = %d, want 18", stats.PapersFetched)
	}
	if stats.PagesFetched != 3 {
		t.Errorf("PagesFetched = %d, want 3", stats.PagesFetched)
	}
	if stats.PerTask["t1"].PapersFetched != 15 || stats.PerTask["t1"].PagesFetched != 2 {
		t.Errorf("PerTask[t1] = %+v", stats.PerTask["t1"])
	}
	if stats.PerTask["t2"].PapersFetched != 3 {
		t.Errorf("PerTask[t2] = %+v", stats.PerTask["t2"])
	}
}

func TestRecordError_TalliesByKind(t *testing.T) {
	tr := New()
	tr.RecordError(classify.API)
	tr.RecordError(classify.API)
	tr.RecordError(classify.RateLimit)

	stats := tr.Stats()
	if stats.ErrorsByKind[classify.API] != 2 {
		t.Errorf("ErrorsByKind[API] = %d, want 2", stats.ErrorsByKind[classify.API])
	}
	if stats.ErrorsByKind[classify.RateLimit] != 1 {
		t.Errorf("ErrorsByKind[RATE_LIMIT] = %d, want 1", stats.ErrorsByKind[classify.RateLimit])
	}
}

func TestTransition_TracksCurrentCounts(t *testing.T) {
	tr := New()
	tr.Transition("", paper.TaskPending)
	tr.Transition("", paper.TaskPending)
	tr.Transition(paper.TaskPending, paper.TaskRunning)
	tr.Transition(paper.TaskRunning, paper.TaskCompleted)

	stats := tr.Stats()
	if stats.TasksByStatus[paper.TaskPending] != 1 {
		t.Errorf("PENDING count = %d, want 1", stats.TasksByStatus[paper.TaskPending])
	}
	if stats.TasksByStatus[paper.TaskRunning] != 0 {
		t.Errorf("RUNNING count = %d, want 0", stats.TasksByStatus[paper.TaskRunning])
	}
	if stats.TasksByStatus[paper.TaskCompleted] != 1 {
		t.Errorf("COMPLETED count = %d, want 1", stats.TasksByStatus[paper.TaskCompleted])
	}
}

func TestPapersPerMinute(t *testing.T) {
	stats := Stats{StartedAt: time.Now().Add(-2 * time.Minute), PapersFetched: 100}
	rate := stats.PapersPerMinute()
	if rate < 40 || rate > 60 {
		t.Errorf("PapersPerMinute() = %f, want roughly 50", rate)
	}
}

func TestPapersPerMinute_ZeroElapsedIsZero(t *testing.T) {
	stats := Stats{StartedAt: time.Now().Add(time.Minute), PapersFetched: 100}
	if rate := stats.PapersPerMinute(); rate != 0 {
		t.Errorf("PapersPerMinute() = %f, want 0 for non-positive elapsed", rate)
	}
}

func TestEnableMetrics_RegistersAndRejectsDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := New()
	if err := tr.EnableMetrics(reg); err != nil {
		t.Fatalf("EnableMetrics: %v", err)
	}
	tr.RecordPage("t1", 4)
	tr.RecordError(classify.Network)
	tr.Transition("", paper.TaskRunning)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(metricFamilies) == 0 {
		t.Error("expected at least one registered metric family")
	}

	tr2 := New()
	if err := tr2.EnableMetrics(reg); err == nil {
		t.Error("expected duplicate registration against the same registry to fail")
	}
}
