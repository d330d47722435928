// Package paper defines the literature record types shared across the
// acquisition pipeline: the Paper itself, its provenance and authors, the
// Task that produced it, and the output shapes of the deduplicator.
package paper

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Author is one entry in a Paper's author list.
type Author struct {
	Surname string `json:"surname" validate:"required"`
	Given   string `json:"given"`
	ORCID   string `json:"orcid,omitempty"`
}

// Provenance records where and how a Paper was retrieved.
type Provenance struct {
	Source      string    `json:"source"`
	Query       string    `json:"query"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Paper is the canonical record shape produced by every source adapter and
// consumed by the deduplicator. At least one of {DOI, ArXivID, (Title,
// Year)} must be present — enforced by Validate, not by struct tags alone,
// since validator can't express an OR-of-groups constraint cleanly.
type Paper struct {
	PaperID      string            `json:"paper_id" validate:"required"`
	DOI          string            `json:"doi,omitempty"`
	ArXivID      string            `json:"arxiv_id,omitempty"`
	Title        string            `json:"title" validate:"required"`
	TitleHash    string            `json:"title_hash"`
	Authors      []Author          `json:"authors,omitempty"`
	Year         int               `json:"year,omitempty"`
	Venue        string            `json:"venue,omitempty"`
	Abstract     string            `json:"abstract,omitempty"`
	Keywords      []string         `json:"keywords,omitempty"`
	CitationCount int              `json:"citation_count"`
	OpenAccessPDF string           `json:"open_access_pdf,omitempty"`
	ExternalIDs  map[string]string `json:"external_ids,omitempty"`
	Provenance   Provenance        `json:"provenance"`
}

// Reference is a citation target used only as deduplicator enrichment input.
type Reference struct {
	DOI  string `json:"doi"`
	Year int    `json:"year,omitempty"`
}

const (
	minYear = 1500
)

// Validate checks the invariants placed on a Paper: at least one
// of {DOI, ArXivID, (Title, Year)} must be present, and Year (if set) must
// fall in [1500, current+1].
func (p *Paper) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("paper %q: %w", p.PaperID, err)
	}
	if p.DOI == "" && p.ArXivID == "" && !(p.Title != "" && p.Year != 0) {
		return fmt.Errorf("paper %q: at least one of DOI, ArXivID, or (Title, Year) is required", p.PaperID)
	}
	if p.Year != 0 {
		maxYear := time.Now().Year() + 1
		if p.Year < minYear || p.Year > maxYear {
			return fmt.Errorf("paper %q: year %d out of range [%d, %d]", p.PaperID, p.Year, minYear, maxYear)
		}
	}
	return nil
}

// CompletenessScore counts the non-empty metadata fields the deduplicator's
// canonical-selection tuple uses as its fourth component.
func (p *Paper) CompletenessScore() int {
	score := 0
	if p.Abstract != "" {
		score++
	}
	if p.Venue != "" {
		score++
	}
	if len(p.Authors) > 0 {
		score++
	}
	if p.Year != 0 {
		score++
	}
	if p.OpenAccessPDF != "" {
		score++
	}
	if len(p.Keywords) > 0 {
		score++
	}
	return score
}
