package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func init() {
	Register("openalex", func() Adapter { return &OpenAlexAdapter{} })
}

// OpenAlexAdapter queries the OpenAlex Works API (https://api.openalex.org).
// Pagination uses OpenAlex's own cursor scheme: Cursor("") means the first
// page ("cursor=*"), and the response's meta.next_cursor becomes the
// following Cursor, or End once OpenAlex returns null.
type OpenAlexAdapter struct {
	BaseURL string // overridable in tests; defaults to the public API
}

func (a *OpenAlexAdapter) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.openalex.org/works"
}

type openAlexResponse struct {
	Meta struct {
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
	Results []struct {
		ID              string `json:"id"`
		DOI             string `json:"doi"`
		Title           string `json:"title"`
		PublicationYear int    `json:"publication_year"`
		CitedByCount    int    `json:"cited_by_count"`
		Authorships     []struct {
			Author struct {
				DisplayName string `json:"display_name"`
			} `json:"author"`
		} `json:"authorships"`
		PrimaryLocation struct {
			Source struct {
				DisplayName string `json:"display_name"`
			} `json:"source"`
		} `json:"primary_location"`
		OpenAccess struct {
			OAURL string `json:"oa_url"`
		} `json:"open_access"`
		Concepts []struct {
			DisplayName string `json:"display_name"`
		} `json:"concepts"`
		AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	} `json:"results"`
}

func (a *OpenAlexAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) ([]paper.Paper, Cursor, []byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Validation, Cause: err}
	}

	u, err := url.Parse(a.baseURL())
	if err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Internal, Cause: err}
	}
	q := u.Query()
	q.Set("search", query)
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	q.Set("per-page", strconv.Itoa(pageSize))
	q.Set("cursor", cursorOrStart(cursor))
	if cfg.PoliteEmail != "" {
		q.Set("mailto", cfg.PoliteEmail)
	}
	if dateRange != nil {
		var filters []string
		if !dateRange.From.IsZero() {
			filters = append(filters, "from_publication_date:"+dateRange.From.Format("2006-01-02"))
		}
		if !dateRange.To.IsZero() {
			filters = append(filters, "to_publication_date:"+dateRange.To.Format("2006-01-02"))
		}
		if len(filters) > 0 {
			q.Set("filter", strings.Join(filters, ","))
		}
	}
	u.RawQuery = q.Encode()

	var resp openAlexResponse
	raw, err := getJSON(ctx, httpClient(cfg.TimeoutSeconds), u, &resp)
	if err != nil {
		return nil, End, raw, err
	}

	papers := make([]paper.Paper, 0, len(resp.Results))
	for _, r := range resp.Results {
		doi, _ := normalize.DOI(strings.TrimPrefix(r.DOI, "https://doi.org/"))
		authors := make([]paper.Author, 0, len(r.Authorships))
		for _, authorship := range r.Authorships {
			authors = append(authors, splitDisplayName(authorship.Author.DisplayName))
		}
		titleHash := normalize.TitleHash(r.Title)
		surname := ""
		if len(authors) > 0 {
			surname = authors[0].Surname
		}
		keywords := make([]string, 0, len(r.Concepts))
		for _, c := range r.Concepts {
			keywords = append(keywords, c.DisplayName)
		}
		papers = append(papers, paper.Paper{
			PaperID:       normalize.PaperID(doi, "", titleHash, r.PublicationYear, surname),
			DOI:           doi,
			Title:         r.Title,
			TitleHash:     titleHash,
			Authors:       authors,
			Year:          r.PublicationYear,
			Venue:         r.PrimaryLocation.Source.DisplayName,
			Abstract:      reconstructAbstract(r.AbstractInvertedIndex),
			Keywords:      keywords,
			CitationCount: r.CitedByCount,
			OpenAccessPDF: r.OpenAccess.OAURL,
			ExternalIDs:   map[string]string{"openalex": r.ID},
			Provenance:    paper.Provenance{Source: "openalex", Query: query},
		})
	}

	next := End
	if resp.Meta.NextCursor != nil && *resp.Meta.NextCursor != "" {
		next = Cursor(*resp.Meta.NextCursor)
	}
	return papers, next, raw, nil
}

func cursorOrStart(c Cursor) string {
	if c == "" {
		return "*"
	}
	return string(c)
}

// reconstructAbstract rebuilds plain text from OpenAlex's inverted index
// representation (word -> positions), which is how the API avoids
// redistributing full abstract text directly.
func reconstructAbstract(inverted map[string][]int) string {
	if len(inverted) == 0 {
		return ""
	}
	maxPos := 0
	for _, positions := range inverted {
		for _, p := range positions {
			if p > maxPos {
				maxPos = p
			}
		}
	}
	words := make([]string, maxPos+1)
	for word, positions := range inverted {
		for _, p := range positions {
			words[p] = word
		}
	}
	return strings.TrimSpace(strings.Join(words, " "))
}

func splitDisplayName(name string) paper.Author {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return paper.Author{}
	}
	if len(parts) == 1 {
		return paper.Author{Surname: parts[0]}
	}
	return paper.Author{Given: strings.Join(parts[:len(parts)-1], " "), Surname: parts[len(parts)-1]}
}
