// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// peerlink connects two peers through a layered secure transport and
// relays text between them. See "peerlink --help".
package main

import (
	"os"

	"github.com/bureau-foundation/peerlink/lib/process"

	// Crypto engines register themselves by name.
	_ "github.com/bureau-foundation/peerlink/transport/engine/curve"
	_ "github.com/bureau-foundation/peerlink/transport/engine/gotls"
	_ "github.com/bureau-foundation/peerlink/transport/engine/piondtls"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	return root(os.Stdout).Execute(os.Args[1:])
}
