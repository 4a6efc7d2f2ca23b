// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for peerlink packages.
//
// [RequireReceive], [RequireNoReceive], [RequireClosed], and
// [Eventually] wrap the wall-clock safety valves that transport tests
// need while two stages handshake over real goroutines. They are the
// only place in the test suite where real timeouts appear.
//
// [WriteFile] drops fixture files (certificates, keys, YAML config)
// into a per-test temporary directory.
//
// [UniqueID] generates monotonically increasing identifiers for
// distinguishable test payloads.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
