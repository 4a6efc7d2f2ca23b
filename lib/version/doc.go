// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the peerlink
// binary.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time via -ldflags -X and default to "unknown" / "0.1.0-dev" in
// development builds and tests. [Full] also reports the versions of
// the pion modules linked into the binary, since interop bugs are
// usually tied to a specific pion/dtls or pion/ice release.
package version
