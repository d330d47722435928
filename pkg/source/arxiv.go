package source

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kraklabs/sysrev/pkg/classify"
	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func init() {
	Register("arxiv", func() Adapter { return &ArXivAdapter{} })
}

// ArXivAdapter queries the arXiv export API
// (http://export.arxiv.org/api/query), an Atom feed rather than JSON —
// the one adapter in the set that needs encoding/xml instead of
// encoding/json. Pagination is arXiv's own numeric "start" index.
type ArXivAdapter struct {
	BaseURL string
}

func (a *ArXivAdapter) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "http://export.arxiv.org/api/query"
}

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	DOI string `xml:"doi"`
}

func (a *ArXivAdapter) Search(ctx context.Context, query string, dateRange *paper.DateRange, limit int, cfg paper.AdapterConfig, cursor Cursor) ([]paper.Paper, Cursor, []byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Validation, Cause: err}
	}

	u, err := url.Parse(a.baseURL())
	if err != nil {
		return nil, End, nil, &classify.AdapterError{Kind: classify.Internal, Cause: err}
	}
	q := u.Query()
	q.Set("search_query", "all:"+query)
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(string(cursor))
	}
	q.Set("start", strconv.Itoa(start))
	q.Set("max_results", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	raw, feed, err := getAtom(ctx, httpClient(cfg.TimeoutSeconds), u)
	if err != nil {
		return nil, End, raw, err
	}

	papers := make([]paper.Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		arxivID := normalize.ArXivID(lastPathSegment(e.ID))
		title := strings.TrimSpace(strings.Join(strings.Fields(e.Title), " "))
		year := 0
		if len(e.Published) >= 4 {
			year, _ = strconv.Atoi(e.Published[:4])
		}
		authors := make([]paper.Author, 0, len(e.Authors))
		for _, auth := range e.Authors {
			authors = append(authors, splitDisplayName(auth.Name))
		}
		keywords := make([]string, 0, len(e.Categories))
		for _, c := range e.Categories {
			keywords = append(keywords, c.Term)
		}
		titleHash := normalize.TitleHash(title)
		surname := ""
		if len(authors) > 0 {
			surname = authors[0].Surname
		}
		doi, _ := normalize.DOI(e.DOI)
		papers = append(papers, paper.Paper{
			PaperID:     normalize.PaperID(doi, arxivID, titleHash, year, surname),
			DOI:         doi,
			ArXivID:     arxivID,
			Title:       title,
			TitleHash:   titleHash,
			Authors:     authors,
			Year:        year,
			Abstract:    strings.TrimSpace(e.Summary),
			Keywords:    keywords,
			ExternalIDs: map[string]string{"arxiv": arxivID},
			Provenance:  paper.Provenance{Source: "arxiv", Query: query},
		})
	}

	next := End
	if len(feed.Entries) == pageSize {
		next = Cursor(strconv.Itoa(start + pageSize))
	}
	return papers, next, raw, nil
}

func getAtom(ctx context.Context, client *http.Client, u *url.URL) ([]byte, *arxivFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, &classify.AdapterError{Kind: classify.Internal, Cause: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		return nil, nil, &classify.AdapterError{Timeout: timeout, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &classify.AdapterError{Kind: classify.Network, Cause: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return body, nil, &classify.AdapterError{StatusCode: resp.StatusCode, Cause: errors.New("rate limited")}
	}
	if resp.StatusCode/100 != 2 {
		return body, nil, &classify.AdapterError{StatusCode: resp.StatusCode, Cause: errors.New(resp.Status)}
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return body, nil, &classify.AdapterError{Kind: classify.Parse, Cause: err}
	}
	return body, &feed, nil
}

func lastPathSegment(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx == -1 {
		return s
	}
	return s[idx+1:]
}
