package paper

import "testing"

func TestValidate_RequiresOneOfDOIArXivTitleYear(t *testing.T) {
	cases := []struct {
		name    string
		paper   Paper
		wantErr bool
	}{
		{"doi only", Paper{PaperID: "p1", Title: "x", DOI: "10.1/abc"}, false},
		{"arxiv only", Paper{PaperID: "p1", Title: "x", ArXivID: "2101.00001"}, false},
		{"title and year", Paper{PaperID: "p1", Title: "x", Year: 2020}, false},
		{"title without year", Paper{PaperID: "p1", Title: "x"}, true},
		{"missing title entirely", Paper{PaperID: "p1"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.paper.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestValidate_RejectsOutOfRangeYear(t *testing.T) {
	p := Paper{PaperID: "p1", Title: "x", Year: 1000}
	if err := p.Validate(); err == nil {
		t.Error("expected error for year before 1500")
	}

	p = Paper{PaperID: "p1", Title: "x", Year: 9999}
	if err := p.Validate(); err == nil {
		t.Error("expected error for year far in the future")
	}
}

func TestValidate_RequiresPaperIDAndTitle(t *testing.T) {
	p := Paper{DOI: "10.1/abc"}
	if err := p.Validate(); err == nil {
		t.Error("expected error for missing paper_id")
	}

	p = Paper{PaperID: "p1", DOI: "10.1/abc"}
	if err := p.Validate(); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestCompletenessScore_CountsNonEmptyFields(t *testing.T) {
	p := Paper{PaperID: "p1", Title: "x", DOI: "10.1/abc"}
	if got := p.CompletenessScore(); got != 0 {
		t.Errorf("CompletenessScore() = %d, want 0 for bare record", got)
	}

	p.Abstract = "an abstract"
	p.Venue = "a venue"
	p.Authors = []Author{{Surname: "Smith"}}
	p.Year = 2021
	p.OpenAccessPDF = "https://example.org/p.pdf"
	p.Keywords = []string{"ml"}
	if got := p.CompletenessScore(); got != 6 {
		t.Errorf("CompletenessScore() = %d, want 6 for fully populated record", got)
	}
}
