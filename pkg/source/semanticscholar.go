package source

import (
	"context"
	"net/url"
	"strconv"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func init() {
	Register("semantic_scholar", func() Adapter { return &SemanticScholarAdapter{} })
}

// SemanticScholarAdapter queries the Semantic Scholar Graph API
// (https://api.semanticscholar.org/graph/v1). Pagination is a plain
// numeric offset encoded as the Cursor string.
type SemanticScholarAdapter struct {
	BaseURL string
}

func (a *SemanticScholarAdapter) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.semanticscholar.org/graph/v1/paper/search"
}

type semanticScholarResponse struct {
	Total  int  `json:"total"`
	Offset int  `json:"offset"`
	Next   *int `json:"next"`
	Data   []struct {
		PaperID string `json:"paperId"`
		Title   string `json:"title"`
		Year    int    `json:"year"`
		Authors []struct {
			Name string `json:"name"`
		} `json:"authors"`
		ExternalIDs struct {
			DOI   string `json:"DOI"`
			ArXiv string `json:"ArXiv"`
		} `json:"externalIds"`
		Abstract      string `json:"abstract"`
		Venue         string `json:"venue"`
		CitationCount int    `json:"citationCount"`
		OpenAccessPDF *struct {
			URL string `json:"url"`
		} `json:"openAccessPdf"`
		FieldsOfStudy []string `json:"fieldsOfStudy"`
	} `json:"data"`
}

func (a *SemanticScholarAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) ([]paper.Paper, Cursor, []byte, error) {
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
	q.Set("limit", strconv.Itoa(pageSize))
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(string(cursor))
	}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("fields", "title,year,authors,externalIds,abstract,venue,citationCount,openAccessPdf,fieldsOfStudy")
	if dateRange != nil && !dateRange.From.IsZero() && !dateRange.To.IsZero() {
		q.Set("publicationDateOrYear", dateRange.From.Format("2006-01-02")+":"+dateRange.To.Format("2006-01-02"))
	}
	u.RawQuery = q.Encode()

	client := httpClient(cfg.TimeoutSeconds)
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["x-api-key"] = cfg.APIKey
	}

	var resp semanticScholarResponse
	raw, err := getJSONWithHeaders(ctx, client, u, headers, &resp)
	if err != nil {
		return nil, End, raw, err
	}

	papers := make([]paper.Paper, 0, len(resp.Data))
	for _, d := range resp.Data {
		doi, _ := normalize.DOI(d.ExternalIDs.DOI)
		arxivID := ""
		if d.ExternalIDs.ArXiv != "" {
			arxivID = normalize.ArXivID(d.ExternalIDs.ArXiv)
		}
		authors := make([]paper.Author, 0, len(d.Authors))
		for _, auth := range d.Authors {
			authors = append(authors, splitDisplayName(auth.Name))
		}
		titleHash := normalize.TitleHash(d.Title)
		surname := ""
		if len(authors) > 0 {
			surname = authors[0].Surname
		}
		pdf := ""
		if d.OpenAccessPDF != nil {
			pdf = d.OpenAccessPDF.URL
		}
		papers = append(papers, paper.Paper{
			PaperID:       normalize.PaperID(doi, arxivID, titleHash, d.Year, surname),
			DOI:           doi,
			ArXivID:       arxivID,
			Title:         d.Title,
			TitleHash:     titleHash,
			Authors:       authors,
			Year:          d.Year,
			Venue:         d.Venue,
			Abstract:      d.Abstract,
			Keywords:      d.FieldsOfStudy,
			CitationCount: d.CitationCount,
			OpenAccessPDF: pdf,
			ExternalIDs:   map[string]string{"semantic_scholar": d.PaperID},
			Provenance:    paper.Provenance{Source: "semantic_scholar", Query: query},
		})
	}

	next := End
	if resp.Next != nil {
		next = Cursor(strconv.Itoa(*resp.Next))
	}
	return papers, next, raw, nil
}
