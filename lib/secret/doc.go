// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// [Buffer] is backed by an anonymous mmap region that is mlocked
// (never swapped) and excluded from core dumps. Close zeroes and
// unmaps it. peerlink keeps decrypted private key PEM and age
// identities in a Buffer for as long as it takes to parse them.
//
// [Zero] wipes ordinary heap slices, such as session keys, when their
// owner is closed.
package secret
