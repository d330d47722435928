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

// Package config loads operator-facing settings from the environment via
// go-simpler.org/env, the way the Silberengel-next.orly.dev relay's
// app/config package builds its C struct: one flat struct, `env` tags
// naming the variable, `default` tags for the fallback, `usage` tags
// describing each variable. No --help text is generated from them.
package config

import (
	"fmt"

	"go-simpler.org/env"
)

// C holds the settings an operator would otherwise have to pass as flags on
// every invocation of cmd/sysrev.
type C struct {
	QueuePath    string `env:"SYSREV_QUEUE_PATH" default:"./sysrev-queue.db" usage:"path to the persistent task queue database"`
	CachePath    string `env:"SYSREV_CACHE_PATH" default:"./sysrev-cache.db" usage:"path to the resumable page cache database"`
	Workers      int    `env:"SYSREV_WORKERS" default:"3" usage:"number of concurrent worker goroutines draining the queue"`
	MetricsAddr  string `env:"SYSREV_METRICS_ADDR" usage:"HTTP listen address for Prometheus metrics (empty disables)"`
	LogLevel     string `env:"SYSREV_LOG_LEVEL" default:"info" usage:"log level: debug, info, warn, error"`
	OpenAlexKey  string `env:"SYSREV_OPENALEX_API_KEY" usage:"OpenAlex API key (optional, raises polite-pool rate limits)"`
	OpenAlexMail string `env:"SYSREV_OPENALEX_POLITE_EMAIL" usage:"contact email sent to OpenAlex's polite pool"`
	CrossrefMail string `env:"SYSREV_CROSSREF_POLITE_EMAIL" usage:"contact email sent to Crossref's polite pool"`
	S2APIKey     string `env:"SYSREV_SEMANTIC_SCHOLAR_API_KEY" usage:"Semantic Scholar API key (optional, raises rate limits)"`
}

// Load populates a C from the current environment, applying defaults for
// anything unset.
func Load() (*C, error) {
	cfg := &C{}
	if err := env.Load(cfg, nil); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	return cfg, nil
}

// KeyFor returns the configured API key for a source name, or "" if none is
// set for it.
func (c *C) KeyFor(source string) string {
	switch source {
	case "openalex":
		return c.OpenAlexKey
	case "semantic_scholar":
		return c.S2APIKey
	default:
		return ""
	}
}

// EmailFor returns the configured polite-pool contact email for a source
// name, or "" if none is set for it.
func (c *C) EmailFor(source string) string {
	switch source {
	case "openalex":
		return c.OpenAlexMail
	case "crossref":
		return c.CrossrefMail
	default:
		return ""
	}
}
