// Package normalize implements the identifier-canonicalization rules
// placed on DOIs, arXiv IDs, titles, and dates. Both pkg/cache
// (QueryIdentity) and pkg/dedup (DOI/arXiv/title clustering) depend on it
// for deterministic, idempotent normalization.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var doiPattern = regexp.MustCompile(`^10\.[0-9]+/\S+$`)

// DOI lowercases, trims, and strips any "doi.org/" URL prefix from s, then
// validates the remainder matches 10.NNNN/suffix. Normalizing an
// already-normalized DOI is the identity.
func DOI(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	if idx := strings.Index(s, "doi.org/"); idx != -1 {
		s = s[idx+len("doi.org/"):]
	}
	s = strings.TrimPrefix(s, "doi:")
	if !doiPattern.MatchString(s) {
		return "", fmt.Errorf("normalize: %q is not a valid DOI", s)
	}
	return s, nil
}

var versionSuffix = regexp.MustCompile(`v[0-9]+$`)

// ArXivID strips an "arXiv:" prefix (any case) and a trailing "vN" version
// suffix, then lowercases. Both hep-th/9901001 (old-style) and 2103.12345
// (new-style) are returned unchanged apart from case and version stripping.
func ArXivID(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "arxiv:") {
		s = s[len("arxiv:"):]
	}
	s = strings.ToLower(s)
	s = versionSuffix.ReplaceAllString(s, "")
	return s
}

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
var whitespace = regexp.MustCompile(`\s+`)

// NormalizedTitle lowercases a title, strips punctuation, and collapses
// whitespace — the canonical form both TitleHash and pkg/dedup's fuzzy
// matcher operate on.
func NormalizedTitle(title string) string {
	t := strings.ToLower(title)
	t = punctuation.ReplaceAllString(t, "")
	t = whitespace.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// TitleHash returns a stable, content-addressed hash of a title, insensitive
// to case, punctuation, and whitespace differences.
func TitleHash(title string) string {
	return hashPrefix("title", NormalizedTitle(title))
}

func hashPrefix(prefix, s string) string {
	sum := sha256.Sum256([]byte(s))
	return prefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// PaperID derives the deterministic paper_id from whichever identifying
// fields are present, in priority order: DOI, then arXiv ID,
// then (title hash, year, first author surname).
func PaperID(doi, arxivID, titleHash string, year int, firstAuthorSurname string) string {
	switch {
	case doi != "":
		return hashPrefix("doi", doi)
	case arxivID != "":
		return hashPrefix("arxiv", arxivID)
	default:
		key := fmt.Sprintf("%s|%d|%s", titleHash, year, strings.ToLower(firstAuthorSurname))
		return hashPrefix("ttl", key)
	}
}

// dateLayouts are tried in order; the first one that parses wins.
var dateLayouts = []struct {
	layout      string
	granularity string
}{
	{"2006-01-02", "day"},
	{"2006/01/02", "day"},
	{"02-01-2006", "day"},
	{"02/01/2006", "day"},
	{"2006-01", "month"},
	{"2006", "year"},
}

// ParseDate accepts ISO YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY, DD/MM/YYYY,
// YYYY-MM, and YYYY, rejecting anything else. It returns the parsed time
// (UTC, truncated to the granularity it matched) and that granularity.
func ParseDate(s string) (time.Time, string, error) {
	s = strings.TrimSpace(s)
	for _, d := range dateLayouts {
		if t, err := time.Parse(d.layout, s); err == nil {
			return t, d.granularity, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("normalize: %q does not match any accepted date format", s)
}

// FirstAuthorSurname returns the surname of the first author in surnames,
// or "" if the slice is empty. A tiny helper kept here (rather than in
// pkg/paper) since it only exists to feed PaperID.
func FirstAuthorSurname(surnames []string) string {
	if len(surnames) == 0 {
		return ""
	}
	return surnames[0]
}

// isLetterOrDigit reports whether r should survive title normalization.
// Exposed only for tests that want to sanity-check the punctuation regexp
// against the Unicode categories it's meant to track.
func isLetterOrDigit(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
