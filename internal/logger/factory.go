// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Named getters matching the keys of log.levels in shipyard.yaml.

func GetOrchestratorLogger() zerolog.Logger { return GetLogger("orchestrator") }

func GetStageLogger() zerolog.Logger { return GetLogger("stages") }

func GetTemporalLogger() zerolog.Logger { return GetLogger("temporal") }

func GetStoreLogger() zerolog.Logger { return GetLogger("store") }

func GetGitLogger() zerolog.Logger { return GetLogger("git") }

func GetContainerLogger() zerolog.Logger { return GetLogger("container") }

func GetRegistryLogger() zerolog.Logger { return GetLogger("registry") }

// GetAPILogger returns the logger used by the HTTP server and its middleware.
func GetAPILogger() zerolog.Logger { return GetLogger("api") }

// WithRun returns l annotated with the run identity fields used across packages.
func WithRun(l zerolog.Logger, runID, branch, commit string) zerolog.Logger {
	return l.With().Str("run_id", runID).Str("branch", branch).Str("commit", commit).Logger()
}
