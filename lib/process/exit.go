// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors returned from run().
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes err to w in the CLI's "error: ..." form and returns
// the exit code. Help requests (pflag.ErrHelp) exit 0 without output.
func report(w io.Writer, err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
