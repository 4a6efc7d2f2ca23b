// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the peerlink binary:
// fatal error reporting to stderr before (or instead of) the
// structured logger.
package process
