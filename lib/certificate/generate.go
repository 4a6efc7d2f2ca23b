// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultValidity is the lifetime of a generated certificate.
const DefaultValidity = 30 * 24 * time.Hour

// GenerateOptions controls Generate.
type GenerateOptions struct {
	// CommonName is the subject CN. Defaults to "peerlink".
	CommonName string

	// Validity is how long the certificate is valid from Now. Defaults
	// to DefaultValidity.
	Validity time.Duration

	// Now anchors NotBefore. Defaults to the current time.
	Now time.Time
}

// Generate creates a self-signed ECDSA P-256 certificate and key, the
// same shape browsers generate for RTCPeerConnection.
func Generate(options GenerateOptions) (tls.Certificate, error) {
	if options.CommonName == "" {
		options.CommonName = "peerlink"
	}
	if options.Validity <= 0 {
		options.Validity = DefaultValidity
	}
	if options.Now.IsZero() {
		options.Now = time.Now()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: options.CommonName},
		NotBefore:             options.Now.Add(-time.Hour),
		NotAfter:              options.Now.Add(options.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("signing certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Fingerprints returns every fingerprint pion computes for pair, in
// the form carried by SDP offers (one per supported hash).
func Fingerprints(pair tls.Certificate) ([]webrtc.DTLSFingerprint, error) {
	leaf, err := Leaf(pair)
	if err != nil {
		return nil, err
	}
	fingerprints, err := webrtc.CertificateFromX509(pair.PrivateKey, leaf).GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("computing fingerprints: %w", err)
	}
	return fingerprints, nil
}

// FromDTLS converts a pion DTLS fingerprint into a Fingerprint.
func FromDTLS(value webrtc.DTLSFingerprint) (Fingerprint, error) {
	return ParseFingerprint(value.Algorithm + " " + value.Value)
}
