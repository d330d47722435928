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

	"github.com/kraklabs/sysrev/pkg/config"
)

func runResults(args []string, cfg *config.C, globals GlobalFlags) {
	if len(args) != 1 {
		fatal("results: expected exactly one task_id")
	}
	taskID := args[0]

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	papers, err := m.GetResults(context.Background(), taskID)
	if err != nil {
		fatal("results: %s", err)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(papers)
		return
	}
	for _, p := range papers {
		fmt.Printf("%s\t%s\t%d\n", p.PaperID, p.Title, p.Year)
	}
}
