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

func runStatus(args []string, cfg *config.C, globals GlobalFlags) {
	if len(args) != 1 {
		fatal("status: expected exactly one task_id")
	}
	taskID := args[0]

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	status, err := m.TaskStatus(taskID)
	if err != nil {
		fatal("status: %s", err)
	}

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"task_id": taskID, "status": string(status)})
		return
	}
	fmt.Printf("%s\t%s\n", taskID, status)
}

func runCancel(args []string, cfg *config.C, globals GlobalFlags) {
	if len(args) != 1 {
		fatal("cancel: expected exactly one task_id")
	}
	taskID := args[0]

	m, err := openManager(cfg)
	if err != nil {
		fatal("%s", err)
	}
	defer func() { _ = m.Close() }()

	if err := m.Cancel(context.Background(), taskID); err != nil {
		fatal("cancel: %s", err)
	}
	fmt.Printf("%s cancelled\n", taskID)
}
