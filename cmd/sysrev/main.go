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

// Package main implements sysrev, a thin CLI over pkg/manager. It is a demo
// entry point exercising the acquisition pipeline from a terminal, not a
// dashboard or reviewer-facing surface.
//
// Usage:
//
//	sysrev add-search --source openalex --query "deep learning" --limit 200
//	sysrev add-batch tasks.yaml
//	sysrev run --progress
//	sysrev status <task_id>
//	sysrev --json results <task_id>
//	sysrev cancel <task_id>
//	sysrev --json dedup
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sysrev/pkg/config"
)

// GlobalFlags holds flags that apply to every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
}

func main() {
	var (
		jsonOutput = flag.Bool("json", false, "output in JSON format")
		noColor    = flag.Bool("no-color", false, "disable color output")
	)
	flag.SetInterspersed(false)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `sysrev - concurrent multi-source literature acquisition

Usage:
  sysrev <command> [options]

Commands:
  add-search   Enqueue a single search task
  add-batch    Enqueue every task in a YAML batch file
  run          Drain the queue, running workers until every task is terminal
  status       Show a task's lifecycle status
  results      Print a task's accumulated papers
  cancel       Cancel a pending or running task
  dedup        Deduplicate the combined results of every task

Configuration is read from the environment (SYSREV_* variables); see
pkg/config for the full list and their defaults.

For detailed command help: sysrev <command> --help
`)
	}
	flag.Parse()

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *noColor {
		color.NoColor = true
	}
	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "add-search":
		runAddSearch(cmdArgs, cfg, globals)
	case "add-batch":
		runAddBatch(cmdArgs, cfg, globals)
	case "run":
		runRun(cmdArgs, cfg, globals)
	case "status":
		runStatus(cmdArgs, cfg, globals)
	case "results":
		runResults(cmdArgs, cfg, globals)
	case "cancel":
		runCancel(cmdArgs, cfg, globals)
	case "dedup":
		runDedup(cmdArgs, cfg, globals)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
