package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func init() {
	Register("crossref", func() Adapter { return &CrossrefAdapter{} })
}

// CrossrefAdapter queries the Crossref Works API
// (https://api.crossref.org/works). Pagination is a numeric offset.
type CrossrefAdapter struct {
	BaseURL string
}

func (a *CrossrefAdapter) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.crossref.org/works"
}

type crossrefResponse struct {
	Message struct {
		TotalResults int `json:"total-results"`
		Items        []struct {
			DOI   string   `json:"DOI"`
			Title []string `json:"title"`
			Published struct {
				DateParts [][]int `json:"date-parts"`
			} `json:"published"`
			Author []struct {
				Family string `json:"family"`
				Given  string `json:"given"`
			} `json:"author"`
			ContainerTitle      []string `json:"container-title"`
			IsReferencedByCount int      `json:"is-referenced-by-count"`
			Abstract            string   `json:"abstract"`
			Subject             []string `json:"subject"`
		} `json:"items"`
	} `json:"message"`
}

func (a *CrossrefAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) ([]paper.Paper, Cursor, []byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Validation, Cause: err}
	}

	u, err := url.Parse(a.baseURL())
	if err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Internal, Cause: err}
	}
	q := u.Query()
	q.Set("query", query)
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	q.Set("rows", strconv.Itoa(pageSize))
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(string(cursor))
	}
	q.Set("offset", strconv.Itoa(offset))
	if cfg.PoliteEmail != "" {
		q.Set("mailto", cfg.PoliteEmail)
	}
	var filters []string
	if dateRange != nil {
		if !dateRange.From.IsZero() {
			filters = append(filters, "from-pub-date:"+dateRange.From.Format("2006-01-02"))
		}
		if !dateRange.To.IsZero() {
			filters = append(filters, "until-pub-date:"+dateRange.To.Format("2006-01-02"))
		}
	}
	if len(filters) > 0 {
		q.Set("filter", strings.Join(filters, ","))
	}
	u.RawQuery = q.Encode()

	var resp crossrefResponse
	raw, err := getJSON(ctx, httpClient(cfg.TimeoutSeconds), u, &resp)
	if err != nil {
		return nil, End, raw, err
	}

	papers := make([]paper.Paper, 0, len(resp.Message.Items))
	for _, item := range resp.Message.Items {
		doi, _ := normalize.DOI(item.DOI)
		title := ""
		if len(item.Title) > 0 {
			title = item.Title[0]
		}
		year := 0
		if len(item.Published.DateParts) > 0 && len(item.Published.DateParts[0]) > 0 {
			year = item.Published.DateParts[0][0]
		}
		venue := ""
		if len(item.ContainerTitle) > 0 {
			venue = item.ContainerTitle[0]
		}
		authors := make([]paper.Author, 0, len(item.Author))
		for _, auth := range item.Author {
			authors = append(authors, paper.Author{Surname: auth.Family, Given: auth.Given})
		}
		titleHash := normalize.TitleHash(title)
		surname := ""
		if len(authors) > 0 {
			surname = authors[0].Surname
		}
		papers = append(papers, paper.Paper{
			PaperID:       normalize.PaperID(doi, "", titleHash, year, surname),
			DOI:           doi,
			Title:         title,
			TitleHash:     titleHash,
			Authors:       authors,
			Year:          year,
			Venue:         venue,
			Abstract:      item.Abstract,
			Keywords:      item.Subject,
			CitationCount: item.IsReferencedByCount,
			ExternalIDs:   map[string]string{"crossref": item.DOI},
			Provenance:    paper.Provenance{Source: "crossref", Query: query},
		})
	}

	next := End
	if offset+len(resp.Message.Items) < resp.Message.TotalResults && len(resp.Message.Items) > 0 {
		next = Cursor(fmt.Sprintf("%d", offset+pageSize))
	}
	return papers, next, raw, nil
}
