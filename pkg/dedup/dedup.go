// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dedup implements a three-pass deduplicator: DOI exact,
// arXiv exact, then fuzzy title+year, each pass only seeing records the
// earlier passes left unclaimed. It is grounded on the build-index-then-resolve
// shape of pkg/ingestion/resolver.go (build lookup maps in one pass, then
// resolve a second pass against them), adapted here into build-groups then
// merge-via-union-find. The deduplicator is pure: no I/O, no shared state,
// and it rejects malformed Papers loudly rather than silently dropping them.
package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/kraklabs/sysrev/pkg/normalize"
	"github.com/kraklabs/sysrev/pkg/paper"
)

// DefaultTitleThreshold is the pass-3 token-set similarity cutoff.
const DefaultTitleThreshold = 0.90

// Result is the deduplicator's output: the canonical corpus, the map every
// input paper_id resolves through, and the clusters that produced it.
type Result struct {
	Canonical    []paper.Paper
	DuplicateMap map[string]string
	Clusters     []paper.DuplicateCluster
}

// Dedup runs the three-pass clustering over papers
// and returns the merged canonical corpus. TitleThreshold, if zero, defaults
// to DefaultTitleThreshold.
func Dedup(papers []paper.Paper, titleThreshold float64) (*Result, error) {
	if titleThreshold <= 0 {
		titleThreshold = DefaultTitleThreshold
	}
	for i := range papers {
		if err := papers[i].Validate(); err != nil {
			return nil, fmt.Errorf("dedup: %w", err)
		}
	}

	n := len(papers)
	uf := newUnionFind(n)
	claimed := make([]bool, n)
	kind := make(map[int]string, n)
	confidence := make(map[int]float64, n)

	clusterByDOI(papers, uf, claimed, kind, confidence)
	clusterByArXiv(papers, uf, claimed, kind, confidence)
	clusterByFuzzyTitle(papers, uf, claimed, kind, confidence, titleThreshold)

	groups := make(map[int][]int, n)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	res := &Result{
		DuplicateMap: make(map[string]string, n),
	}
	// Order output clusters by each group's earliest original index so the
	// canonical list's order is stable and reproducible across runs.
	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(a, b int) bool {
		return minIndex(groups[roots[a]]) < minIndex(groups[roots[b]])
	})

	for _, root := range roots {
		members := groups[root]
		ordered := canonicalOrder(papers, members)
		canonical := mergeCluster(papers, ordered)
		res.Canonical = append(res.Canonical, canonical)

		for _, idx := range members {
			res.DuplicateMap[papers[idx].PaperID] = canonical.PaperID
		}

		if len(members) < 2 {
			continue
		}
		dupIDs := make([]string, 0, len(members)-1)
		for _, idx := range ordered[1:] {
			dupIDs = append(dupIDs, papers[idx].PaperID)
		}
		res.Clusters = append(res.Clusters, paper.DuplicateCluster{
			CanonicalID: canonical.PaperID,
			DuplicateID: dupIDs,
			MatchKind:   kind[root],
			Confidence:  confidence[root],
		})
	}

	return res, nil
}

func minIndex(idxs []int) int {
	m := idxs[0]
	for _, i := range idxs[1:] {
		if i < m {
			m = i
		}
	}
	return m
}

// clusterByDOI is pass 1: group by normalized DOI, merge groups of size >=2.
func clusterByDOI(papers []paper.Paper, uf *unionFind, claimed []bool, kind map[int]string, confidence map[int]float64) {
	groups := make(map[string][]int)
	for i, p := range papers {
		if p.DOI == "" {
			continue
		}
		norm, err := normalize.DOI(p.DOI)
		if err != nil {
			continue
		}
		groups[norm] = append(groups[norm], i)
	}
	mergeGroups(uf, claimed, kind, confidence, groups, "doi", 1.0)
}

// clusterByArXiv is pass 2: among records pass 1 left unclaimed, group by
// normalized arXiv id.
func clusterByArXiv(papers []paper.Paper, uf *unionFind, claimed []bool, kind map[int]string, confidence map[int]float64) {
	groups := make(map[string][]int)
	for i, p := range papers {
		if claimed[i] || p.ArXivID == "" {
			continue
		}
		groups[normalize.ArXivID(p.ArXivID)] = append(groups[normalize.ArXivID(p.ArXivID)], i)
	}
	mergeGroups(uf, claimed, kind, confidence, groups, "arxiv", 1.0)
}

// mergeGroups unions every group of size >= 2 and marks its members claimed,
// then records the match kind and confidence against each group's final root.
func mergeGroups(uf *unionFind, claimed []bool, kind map[int]string, confidence map[int]float64, groups map[string][]int, label string, conf float64) {
	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs[1:] {
			uf.union(idxs[0], i)
		}
		for _, i := range idxs {
			claimed[i] = true
		}
		root := uf.find(idxs[0])
		kind[root] = label
		confidence[root] = conf
	}
}

// clusterByFuzzyTitle is pass 3: among records the first two passes left
// unclaimed, pairwise-compare titles of papers sharing a year (or both
// missing one) and union any pair at or above threshold. Transitivity across
// more than two members comes from the union-find, not from this loop.
func clusterByFuzzyTitle(papers []paper.Paper, uf *unionFind, claimed []bool, kind map[int]string, confidence map[int]float64, threshold float64) {
	var remaining []int
	for i := range papers {
		if !claimed[i] {
			remaining = append(remaining, i)
		}
	}
	normTitle := make([]string, len(papers))
	for _, i := range remaining {
		normTitle[i] = tokenSet(normalize.NormalizedTitle(papers[i].Title))
	}

	for a := 0; a < len(remaining); a++ {
		i := remaining[a]
		for b := a + 1; b < len(remaining); b++ {
			j := remaining[b]
			if papers[i].Year != papers[j].Year {
				continue
			}
			sim := titleSimilarity(normTitle[i], normTitle[j])
			if sim < threshold {
				continue
			}
			uf.union(i, j)
			root := uf.find(i)
			claimed[i] = true
			claimed[j] = true
			kind[root] = "fuzzy-title"
			if sim > confidence[root] {
				confidence[root] = sim
			}
		}
	}
}

// tokenSet returns a normalized title's deduplicated, alphabetically sorted
// token string — the "token-set" half of the token-set similarity
// asks for. titleSimilarity then runs a Levenshtein ratio over this form
// rather than the raw title, so word order and repeated words don't affect
// the score.
func tokenSet(normalizedTitle string) string {
	tokens := strings.Fields(normalizedTitle)
	seen := make(map[string]bool, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	sort.Strings(unique)
	return strings.Join(unique, " ")
}

// titleSimilarity converts an edit distance between two token-set strings
// into a [0,1] similarity ratio, 1.0 meaning identical.
func titleSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// canonicalOrder returns members sorted by the canonical-selection
// tuple, highest-scoring first: (has DOI, has arXiv id, citation count,
// completeness score), tie-broken by earliest retrieval timestamp then
// paper_id ascending. Element 0 of the result is the cluster's canonical
// member; the rest is also the scan order metadata merge uses.
func canonicalOrder(papers []paper.Paper, members []int) []int {
	ordered := append([]int(nil), members...)
	sort.SliceStable(ordered, func(a, b int) bool {
		pa, pb := &papers[ordered[a]], &papers[ordered[b]]
		if r := compareScore(pa, pb); r != 0 {
			return r > 0
		}
		if !pa.Provenance.RetrievedAt.Equal(pb.Provenance.RetrievedAt) {
			return pa.Provenance.RetrievedAt.Before(pb.Provenance.RetrievedAt)
		}
		return pa.PaperID < pb.PaperID
	})
	return ordered
}

// compareScore returns >0 if a outranks b, <0 if b outranks a, 0 if tied on
// every component of the canonical-selection tuple.
func compareScore(a, b *paper.Paper) int {
	if r := boolCompare(a.DOI != "", b.DOI != ""); r != 0 {
		return r
	}
	if r := boolCompare(a.ArXivID != "", b.ArXivID != ""); r != 0 {
		return r
	}
	if a.CitationCount != b.CitationCount {
		return a.CitationCount - b.CitationCount
	}
	return a.CompletenessScore() - b.CompletenessScore()
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

// mergeCluster builds the canonical record for one cluster: it starts as a
// copy of ordered[0] (the canonical member) and has empty fields filled from
// the rest of ordered in scan order, per the metadata-merge rule.
func mergeCluster(papers []paper.Paper, ordered []int) paper.Paper {
	canonical := papers[ordered[0]]
	if canonical.ExternalIDs == nil {
		canonical.ExternalIDs = make(map[string]string)
	} else {
		merged := make(map[string]string, len(canonical.ExternalIDs))
		for k, v := range canonical.ExternalIDs {
			merged[k] = v
		}
		canonical.ExternalIDs = merged
	}

	for _, idx := range ordered[1:] {
		member := papers[idx]
		if canonical.DOI == "" {
			canonical.DOI = member.DOI
		}
		if canonical.ArXivID == "" {
			canonical.ArXivID = member.ArXivID
		}
		if canonical.Abstract == "" {
			canonical.Abstract = member.Abstract
		}
		if canonical.Venue == "" {
			canonical.Venue = member.Venue
		}
		if len(canonical.Authors) == 0 {
			canonical.Authors = member.Authors
		}
		if canonical.Year == 0 {
			canonical.Year = member.Year
		}
		if len(canonical.Keywords) == 0 {
			canonical.Keywords = member.Keywords
		}
		if canonical.OpenAccessPDF == "" {
			canonical.OpenAccessPDF = member.OpenAccessPDF
		}
		if member.CitationCount > canonical.CitationCount {
			canonical.CitationCount = member.CitationCount
		}
		for k, v := range member.ExternalIDs {
			if _, ok := canonical.ExternalIDs[k]; !ok {
				canonical.ExternalIDs[k] = v
			}
		}
	}
	if len(canonical.ExternalIDs) == 0 {
		canonical.ExternalIDs = nil
	}
	return canonical
}
