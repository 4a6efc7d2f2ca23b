// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command tree behind the peerlink binary.
// A [Command] either runs or dispatches to subcommands by its first
// positional argument, parses pflag flags lazily, and prints help with
// usage, flags, and examples. Typos in command and flag names get an
// edit-distance suggestion.
package cli
