// Package source defines the adapter contract — the pluggable
// boundary between the core pipeline and each scholarly data source — plus
// the name-keyed registry adapters plug into. It deliberately mirrors the
// standard library's own registration idiom (database/sql.Register,
// image.RegisterFormat): a package-level map guarded by a mutex, populated
// by each adapter's init() or by callers wiring in a custom source.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/kraklabs/sysrev/pkg/paper"
)

// Cursor is an opaque, source-specific pagination token. The zero value
// requests the first page.
type Cursor string

// End is the sentinel Cursor an adapter returns when there are no more
// pages to fetch.
const End Cursor = "END"

// Adapter is the contract every concrete source implements. An
// adapter owns pagination-token semantics only: it MUST NOT rate-limit
// itself (pkg/ratelimit owns that) and MUST NOT retry internally
// (pkg/classify + pkg/worker own that). Failures are reported as
// *classify.AdapterError, never a bare error.
type Adapter interface {
	Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) (papers []paper.Paper, next Cursor, raw []byte, err error)
}

// Factory constructs a fresh Adapter instance. Adapters are typically
// stateless (each Search call builds its own http.Client), so most
// factories are cheap.
type Factory func() Adapter

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register associates name with factory, overwriting any prior
// registration for the same name. Concrete adapters call this from an
// init() function; tests may call it directly to install a stub.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Get constructs a new Adapter for name, or an error if nothing is
// registered under that name.
func Get(name string) (Adapter, error) {
	mu.Lock()
	factory, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("source: no adapter registered for %q", name)
	}
	return factory(), nil
}

// Names returns every currently registered source name.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// ValidateConfig rejects an AdapterConfig carrying values outside the
// closed enumeration of recognized fields. AdapterConfig's Go type already
// closes the field set at compile time; this enforces the value-level
// constraints (no negative sizes/timeouts) every adapter expects to hold.
func ValidateConfig(cfg paper.AdapterConfig) error {
	if cfg.PageSize < 0 {
		return fmt.Errorf("source: page_size must be >= 0, got %d", cfg.PageSize)
	}
	if cfg.TimeoutSeconds < 0 {
		return fmt.Errorf("source: timeout_seconds must be >= 0, got %d", cfg.TimeoutSeconds)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("source: max_retries must be >= 0, got %d", cfg.MaxRetries)
	}
	return nil
}
