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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kraklabs/sysrev/pkg/config"
	"github.com/kraklabs/sysrev/pkg/manager"
	_ "github.com/kraklabs/sysrev/pkg/source" // registers openalex/crossref/arxiv/semantic_scholar adapters
)

// openManager opens a Manager over the paths and worker count in cfg. Every
// subcommand opens its own Manager against the same on-disk queue/cache and
// Closes it before exiting, so state survives across separate invocations of
// the binary.
func openManager(cfg *config.C) (*manager.Manager, error) {
	logger := newLogger(cfg.LogLevel)
	m, err := manager.New(manager.Config{
		QueuePath:  cfg.QueuePath,
		CachePath:  cfg.CachePath,
		NumWorkers: cfg.Workers,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open manager: %w", err)
	}
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
