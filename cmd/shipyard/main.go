// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"

	"github.com/noldarim/shipyard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
