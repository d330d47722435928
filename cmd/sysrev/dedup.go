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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sysrev/pkg/config"
	"github.com/kraklabs/sysrev/pkg/dedup"
	"github.com/kraklabs/sysrev/pkg/paper"
)

// runDedup merges every task's accumulated papers, agnostic to which
// tasks produced them, and prints the resulting canonical corpus.
func runDedup(args []string, cfg *config.C, globals GlobalFlags) {
	fs := flag.NewFlagSet("dedup", flag.ExitOnError)
	threshold := fs.Float64("title-threshold", 0, "fuzzy title similarity cutoff (0 = dedup.DefaultTitleThreshold)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	byTask, err := m.GetAllResults(context.Background())
	if err != nil {
		fatal("dedup: %s", err)
	}

	var all []paper.Paper
	for _, papers := range byTask {
		all = append(all, papers...)
	}

	result, err := dedup.Dedup(all, *threshold)
	if err != nil {
		fatal("dedup: %s", err)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Printf("input papers: %d\n", len(all))
	fmt.Printf("canonical papers: %d\n", len(result.Canonical))
	fmt.Printf("duplicate clusters: %d\n", len(result.Clusters))
	for _, c := range result.Clusters {
		fmt.Printf("  %s (%s, confidence %.2f) absorbs %v\n", c.CanonicalID, c.MatchKind, c.Confidence, c.DuplicateID)
	}
}
