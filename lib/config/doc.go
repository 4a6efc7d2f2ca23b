// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the peerlink
// pipeline.
//
// Configuration is loaded from a single file specified by either the
// PEERLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Values not present in the file keep the [Default] values.
//
// Files ending in .json or .jsonc are accepted as JSON with comments.
//
// A small set of PEERLINK_* variables (role, engine, addresses, remote
// fingerprint, signal name and peer) override the file. Variable
// expansion is then performed on path, address, and fingerprint fields:
// ${HOME} and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Identity, Security, Transport, Signal, Pipeline
//   - [Default] -- returns a Config with the pipeline defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every invalid field at once
package config
