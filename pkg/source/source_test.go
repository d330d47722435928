package source

import (
	"context"
	"errors"
	"testing"

	"github.com/kraklabs/sysrev/pkg/paper"
)

func TestRegistry_GetUnknownSource(t *testing.T) {
	if _, err := Get("does-not-exist"); err == nil {
		t.Error("expected error for unregistered source name")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	Register("test-fixture-source", func() Adapter { return NewStubAdapter() })
	a, err := Get("test-fixture-source")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*StubAdapter); !ok {
		t.Errorf("Get returned %T, want *StubAdapter", a)
	}
}

func TestRegistry_BuiltinSourcesRegistered(t *testing.T) {
	for _, name := range []string{"openalex", "semantic_scholar", "crossref", "arxiv"} {
		if _, err := Get(name); err != nil {
			t.Errorf("expected built-in adapter %q to be registered: %v", name, err)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     paper.AdapterConfig
		wantErr bool
	}{
		{"zero value ok", paper.AdapterConfig{}, false},
		{"positive page size ok", paper.AdapterConfig{PageSize: 50}, false},
		{"negative page size rejected", paper.AdapterConfig{PageSize: -1}, true},
		{"negative timeout rejected", paper.AdapterConfig{TimeoutSeconds: -1}, true},
		{"negative max retries rejected", paper.AdapterConfig{MaxRetries: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

func TestStubAdapter_ScriptedSequence(t *testing.T) {
	boom := errors.New("boom")
	s := NewStubAdapter(
		StubPage{Papers: []paper.Paper{{PaperID: "p1", Title: "A", Year: 2020, DOI: "10.1/a"}}, Next: "1"},
		StubPage{Err: boom},
	)

	papers, next, _, err := s.Search(context.Background(), "q", nil, 10, paper.AdapterConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(papers) != 1 || next != "1" {
		t.Fatalf("unexpected first page: %v, next=%v", papers, next)
	}

	_, _, _, err = s.Search(context.Background(), "q", nil, 10, paper.AdapterConfig{}, next)
	if !errors.Is(err, boom) {
		t.Errorf("expected scripted error boom, got %v", err)
	}

	if s.CallCount() != 2 {
		t.Errorf("CallCount() = %d, want 2", s.CallCount())
	}
}

func TestReconstructAbstract(t *testing.T) {
	inverted := map[string][]int{
		"Deep":           {0},
		"learning":       {1},
		"for":            {2},
		"classification": {3},
	}
	got := reconstructAbstract(inverted)
	want := "Deep learning for classification"
	if got != want {
		t.Errorf("reconstructAbstract() = %q, want %q", got, want)
	}
}

func TestSplitDisplayName(t *testing.T) {
	tests := []struct {
		in      string
		surname string
		given   string
	}{
		{"Jane Smith", "Smith", "Jane"},
		{"Madonna", "Madonna", ""},
		{"John A. Smith", "Smith", "John A."},
		{"", "", ""},
	}
	for _, tt := range tests {
		got := splitDisplayName(tt.in)
		if got.Surname != tt.surname || got.Given != tt.given {
			t.Errorf("splitDisplayName(%q) = %+v, want surname=%q given=%q", tt.in, got, tt.surname, tt.given)
		}
	}
}
