package source

import (
	"context"

	"github.com/kraklabs/sysrev/pkg/paper"
)

// StubPage is one scripted page response for StubAdapter.
type StubPage struct {
	Papers []paper.Paper
	Next   Cursor
	Raw    []byte
	Err    error
}

// StubAdapter is a deterministic, in-memory Adapter for tests that need to
// drive pkg/worker/pkg/manager through a scripted sequence of pages and
// failures without touching the network. It is not registered by an
// init(), unlike the real adapters — tests hand it to the worker pool or
// manager through their own AdapterResolver, so it never leaks into a
// production registry lookup.
type StubAdapter struct {
	Pages []StubPage
	calls int
}

func NewStubAdapter(pages ...StubPage) *StubAdapter {
	return &StubAdapter{Pages: pages}
}

func (s *StubAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) ([]paper.Paper, Cursor, []byte, error) {
	if s.calls >= len(s.Pages) {
		return nil, End, nil, nil
	}
	page := s.Pages[s.calls]
	s.calls++
	if page.Err != nil {
		return nil, End, page.Raw, page.Err
	}
	return page.Papers, page.Next, page.Raw, nil
}

// CallCount reports how many times Search has been invoked.
func (s *StubAdapter) CallCount() int { return s.calls }
