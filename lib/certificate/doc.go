// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package certificate manages the self-signed certificates that
// authenticate each end of a secure transport.
//
// Endpoints do not trust a CA chain. Each side generates a throwaway
// certificate, publishes its Fingerprint through signaling, and the
// peer's secure stage accepts the handshake only if the certificate
// presented on the wire hashes to that fingerprint. Fingerprints use
// the SDP a=fingerprint form: a hash name and colon-separated hex
// ("sha-256 4A:0B:...").
//
// Private keys on disk may be sealed with age (binary or ASCII-armored
// ciphertext). LoadKeyPair detects the format and decrypts with the
// supplied identities, so an operator can keep a long-lived endpoint
// key encrypted at rest.
package certificate
