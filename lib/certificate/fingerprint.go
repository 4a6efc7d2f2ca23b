// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"crypto"
	_ "crypto/sha256" // registers SHA-224/256 for fingerprint hashing
	_ "crypto/sha512" // registers SHA-384/512 for fingerprint hashing
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
)

// DefaultAlgorithm is the hash used for locally computed fingerprints.
const DefaultAlgorithm = "sha-256"

// ErrInvalidFingerprint is returned when a fingerprint string cannot be
// parsed.
var ErrInvalidFingerprint = errors.New("invalid certificate fingerprint")

// Fingerprint identifies a certificate by digest. Value is lowercase
// colon-separated hex.
type Fingerprint struct {
	Algorithm string
	Value     string
}

// ParseFingerprint parses "sha-256 AB:CD:..." (the SDP attribute value
// form). A bare hex value without an algorithm is taken as sha-256.
func ParseFingerprint(text string) (Fingerprint, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	var algorithm, value string
	switch len(fields) {
	case 1:
		algorithm, value = DefaultAlgorithm, fields[0]
	case 2:
		algorithm, value = fields[0], fields[1]
	default:
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, text)
	}

	algorithm = strings.ToLower(algorithm)
	hash, err := fingerprint.HashFromString(algorithm)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: algorithm %q: %v", ErrInvalidFingerprint, algorithm, err)
	}

	value = strings.ToLower(value)
	octets := strings.Split(value, ":")
	if len(octets) != hash.Size() {
		return Fingerprint{}, fmt.Errorf("%w: %s digest has %d octets, want %d",
			ErrInvalidFingerprint, algorithm, len(octets), hash.Size())
	}
	for _, octet := range octets {
		if len(octet) != 2 || !isHex(octet[0]) || !isHex(octet[1]) {
			return Fingerprint{}, fmt.Errorf("%w: bad octet %q", ErrInvalidFingerprint, octet)
		}
	}
	return Fingerprint{Algorithm: algorithm, Value: value}, nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}

// Of computes the fingerprint of cert with the given algorithm name.
func Of(cert *x509.Certificate, algorithm string) (Fingerprint, error) {
	hash, err := fingerprint.HashFromString(strings.ToLower(algorithm))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: algorithm %q: %v", ErrInvalidFingerprint, algorithm, err)
	}
	return ofHash(cert, hash)
}

func ofHash(cert *x509.Certificate, hash crypto.Hash) (Fingerprint, error) {
	value, err := fingerprint.Fingerprint(cert, hash)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hashing certificate: %w", err)
	}
	name, err := fingerprint.StringFromHash(hash)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("naming hash: %w", err)
	}
	return Fingerprint{Algorithm: name, Value: strings.ToLower(value)}, nil
}

// OfTLS computes the sha-256 fingerprint of the leaf in a key pair.
func OfTLS(pair tls.Certificate) (Fingerprint, error) {
	leaf, err := Leaf(pair)
	if err != nil {
		return Fingerprint{}, err
	}
	return ofHash(leaf, crypto.SHA256)
}

// OfPEM computes the sha-256 fingerprint of the first certificate in
// PEM data.
func OfPEM(data []byte) (Fingerprint, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return Fingerprint{}, errors.New("no CERTIFICATE block in PEM data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("parsing certificate: %w", err)
		}
		return ofHash(cert, crypto.SHA256)
	}
}

// Leaf returns the parsed leaf certificate of pair.
func Leaf(pair tls.Certificate) (*x509.Certificate, error) {
	if pair.Leaf != nil {
		return pair.Leaf, nil
	}
	if len(pair.Certificate) == 0 {
		return nil, errors.New("key pair has no certificate")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	return leaf, nil
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f.Value == ""
}

// String returns the SDP attribute value form.
func (f Fingerprint) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Algorithm + " " + strings.ToUpper(f.Value)
}

// Equal compares two fingerprints ignoring hex case.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return strings.EqualFold(f.Algorithm, other.Algorithm) &&
		strings.EqualFold(f.Value, other.Value)
}

// Compare orders fingerprints by algorithm then digest value. It is
// the deterministic tie-break used when both endpoints claim the same
// handshake role.
func (f Fingerprint) Compare(other Fingerprint) int {
	if c := strings.Compare(strings.ToLower(f.Algorithm), strings.ToLower(other.Algorithm)); c != 0 {
		return c
	}
	return strings.Compare(strings.ToLower(f.Value), strings.ToLower(other.Value))
}

// Matches reports whether cert hashes to f under f's algorithm. A
// zero fingerprint or nil certificate never matches.
func (f Fingerprint) Matches(cert *x509.Certificate) bool {
	if f.IsZero() || cert == nil {
		return false
	}
	computed, err := Of(cert, f.Algorithm)
	if err != nil {
		return false
	}
	return computed.Equal(f)
}

// MatchesDER is Matches for a raw DER certificate.
func (f Fingerprint) MatchesDER(der []byte) bool {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false
	}
	return f.Matches(cert)
}
