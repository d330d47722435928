package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kraklabs/sysrev/pkg/paper"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestQueryIdentity_DeterministicAndOrderSensitiveOnly(t *testing.T) {
	a := QueryIdentity("openalex", "deep learning", nil, 100, paper.AdapterConfig{})
	b := QueryIdentity("openalex", "deep learning", nil, 100, paper.AdapterConfig{})
	if a != b {
		t.Error("QueryIdentity not deterministic for identical inputs")
	}
	c := QueryIdentity("openalex", "deep learning", nil, 50, paper.AdapterConfig{})
	if a == c {
		t.Error("expected distinct identities for distinct limits")
	}
}

func TestRegisterQuery_Idempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	id1, err := c.RegisterQuery(ctx, "openalex", "deep learning", nil, 100, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := c.RegisterQuery(ctx, "openalex", "deep learning", nil, 100, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("RegisterQuery not idempotent: %q vs %q", id1, id2)
	}
}

func TestStorePage_ContiguousInvariant(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queryID, err := c.RegisterQuery(ctx, "openalex", "deep learning", nil, 100, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}

	papers0 := []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}
	if err := c.StorePage(ctx, queryID, 0, []byte("raw0"), papers0, "cursor-1"); err != nil {
		t.Fatalf("store page 0: %v", err)
	}

	// storing page 2 before page 1 must fail
	if err := c.StorePage(ctx, queryID, 2, []byte("raw2"), nil, ""); err == nil {
		t.Error("expected error storing non-contiguous page 2 after page 0")
	}

	papers1 := []paper.Paper{{PaperID: "p2", Title: "B", Year: 2021, DOI: "10.1/b"}}
	if err := c.StorePage(ctx, queryID, 1, []byte("raw1"), papers1, ""); err != nil {
		t.Fatalf("store page 1: %v", err)
	}

	next, cursor, complete, err := c.NextPageToFetch(ctx, queryID)
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("query should not be complete yet")
	}
	if next != 2 {
		t.Errorf("next page = %d, want 2", next)
	}
	if cursor != "" {
		t.Errorf("cursor after final page = %q, want empty", cursor)
	}
}

func TestStorePage_PersistsResumeCursor(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queryID, err := c.RegisterQuery(ctx, "crossref", "transformers", nil, 100, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.StorePage(ctx, queryID, 0, []byte("raw0"), nil, "25"); err != nil {
		t.Fatal(err)
	}

	next, cursor, complete, err := c.NextPageToFetch(ctx, queryID)
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("should not be complete")
	}
	if next != 1 {
		t.Errorf("next page = %d, want 1", next)
	}
	if cursor != "25" {
		t.Errorf("cursor = %q, want 25 (resumed from last stored page)", cursor)
	}
}

func TestMarkCompleted(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queryID, err := c.RegisterQuery(ctx, "arxiv", "transformers", nil, 10, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.StorePage(ctx, queryID, 0, []byte("raw"), nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkCompleted(ctx, queryID); err != nil {
		t.Fatal(err)
	}

	_, _, complete, err := c.NextPageToFetch(ctx, queryID)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("expected query to report complete after MarkCompleted")
	}

	if err := c.StorePage(ctx, queryID, 1, []byte("raw1"), nil, ""); err == nil {
		t.Error("expected error storing a page after completion")
	}
}

func TestPapersFor_OrderedByPage(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	queryID, err := c.RegisterQuery(ctx, "crossref", "graph neural networks", nil, 10, paper.AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.StorePage(ctx, queryID, 0, nil, []paper.Paper{{PaperID: "p1", Title: "First", Year: 2020, DOI: "10.1/first"}}, "1"); err != nil {
		t.Fatal(err)
	}
	if err := c.StorePage(ctx, queryID, 1, nil, []paper.Paper{{PaperID: "p2", Title: "Second", Year: 2021, DOI: "10.1/second"}}, ""); err != nil {
		t.Fatal(err)
	}

	papers, err := c.PapersFor(ctx, queryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(papers) != 2 {
		t.Fatalf("got %d papers, want 2", len(papers))
	}
	if papers[0].PaperID != "p1" || papers[1].PaperID != "p2" {
		t.Errorf("papers out of order: %v", papers)
	}
}

func TestNextPageToFetch_UnknownQueryIDErrors(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if _, _, _, err := c.NextPageToFetch(ctx, "qid:does-not-exist"); err == nil {
		t.Error("expected error for unregistered query_id")
	}
}
