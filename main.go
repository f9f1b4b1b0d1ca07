// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/Deijai/innoma-obras/internal/cli"

func main() {
	cli.Execute()
}
