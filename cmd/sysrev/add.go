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
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sysrev/pkg/config"
	"github.com/kraklabs/sysrev/pkg/manager"
	"github.com/kraklabs/sysrev/pkg/paper"
)

func runAddSearch(args []string, cfg *config.C, globals GlobalFlags) {
	fs := flag.NewFlagSet("add-search", flag.ExitOnError)
	source := fs.String("source", "", "source adapter name (openalex, crossref, arxiv, semantic_scholar)")
	query := fs.String("query", "", "search query string")
	limit := fs.Int("limit", 0, "maximum papers to retrieve (0 = no cap)")
	priority := fs.Int("priority", 0, "queue priority, lower dequeues first")
	dateFrom := fs.String("date-from", "", "publication date lower bound (YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY, DD/MM/YYYY, YYYY-MM, or YYYY)")
	dateTo := fs.String("date-to", "", "publication date upper bound (YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY, DD/MM/YYYY, YYYY-MM, or YYYY)")
	pageSize := fs.Int("page-size", 0, "adapter page size (0 = adapter default)")
	maxRetries := fs.Int("max-retries", 0, "retry budget for recoverable errors (0 = default)")
	apiKey := fs.String("api-key", "", "adapter API key, if the source accepts one")
	politeEmail := fs.String("polite-email", "", "contact email for polite-pool rate limits")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sysrev add-search --source NAME --query STRING [options]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *source == "" || *query == "" {
		fatal("add-search: --source and --query are required")
	}

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	req := manager.SearchRequest{
		Source:   *source,
		Query:    *query,
		Limit:    *limit,
		Priority: *priority,
		DateFrom: *dateFrom,
		DateTo:   *dateTo,
		Config: paper.AdapterConfig{
			PageSize:    *pageSize,
			MaxRetries:  *maxRetries,
			APIKey:      coalesce(*apiKey, cfg.KeyFor(*source)),
			PoliteEmail: coalesce(*politeEmail, cfg.EmailFor(*source)),
		},
	}

	taskID, err := m.AddSearch(context.Background(), req)
	if err != nil {
		fatal("add-search: %s", err)
	}
	fmt.Println(taskID)
}

func runAddBatch(args []string, cfg *config.C, globals GlobalFlags) {
	if len(args) != 1 {
		fatal("add-batch: expected exactly one YAML file path")
	}

	reqs, err := manager.LoadBatchFile(args[0])
	if err != nil {
		fatal("add-batch: %s", err)
	}

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	ids, err := m.AddMultiple(context.Background(), reqs)
	for _, id := range ids {
		fmt.Println(id)
	}
	if err != nil {
		fatal("add-batch: %s", err)
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
