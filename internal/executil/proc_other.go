// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !unix

package executil

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func exitCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
