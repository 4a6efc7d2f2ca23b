// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
)

func generate(t *testing.T) Fingerprint {
	t.Helper()
	pair, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprint, err := OfTLS(pair)
	if err != nil {
		t.Fatalf("OfTLS() error: %v", err)
	}
	return fingerprint
}

func TestGenerate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pair, err := Generate(GenerateOptions{CommonName: "alice", Validity: time.Hour, Now: now})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if pair.Leaf == nil {
		t.Fatal("Generate() left Leaf unset")
	}
	if pair.Leaf.Subject.CommonName != "alice" {
		t.Errorf("CommonName = %q, want alice", pair.Leaf.Subject.CommonName)
	}
	if !pair.Leaf.NotAfter.Equal(now.Add(time.Hour)) {
		t.Errorf("NotAfter = %v, want %v", pair.Leaf.NotAfter, now.Add(time.Hour))
	}
}

func TestFingerprintMatchesOwnCertificate(t *testing.T) {
	pair, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprint, err := OfTLS(pair)
	if err != nil {
		t.Fatalf("OfTLS() error: %v", err)
	}
	if fingerprint.Algorithm != DefaultAlgorithm {
		t.Errorf("Algorithm = %q, want %q", fingerprint.Algorithm, DefaultAlgorithm)
	}
	if !fingerprint.Matches(pair.Leaf) {
		t.Error("fingerprint does not match its own certificate")
	}
	if !fingerprint.MatchesDER(pair.Certificate[0]) {
		t.Error("fingerprint does not match its own DER")
	}

	other := generate(t)
	if other.Matches(pair.Leaf) {
		t.Error("unrelated fingerprint matched")
	}
	if (Fingerprint{}).Matches(pair.Leaf) {
		t.Error("zero fingerprint matched")
	}
}

func TestParseFingerprintRoundTrip(t *testing.T) {
	original := generate(t)

	parsed, err := ParseFingerprint(original.String())
	if err != nil {
		t.Fatalf("ParseFingerprint(%q) error: %v", original.String(), err)
	}
	if !parsed.Equal(original) {
		t.Errorf("parsed %v, want %v", parsed, original)
	}

	bare, err := ParseFingerprint(strings.ToUpper(original.Value))
	if err != nil {
		t.Fatalf("ParseFingerprint(bare) error: %v", err)
	}
	if !bare.Equal(original) {
		t.Errorf("bare value parsed as %v, want %v", bare, original)
	}
}

func TestParseFingerprintErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"unknown algorithm", "sha-999 AB:CD"},
		{"short digest", "sha-256 AB:CD"},
		{"not hex", "sha-1 " + strings.Repeat("ZZ:", 19) + "ZZ"},
		{"too many fields", "sha-256 AB CD"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseFingerprint(test.input)
			if !errors.Is(err, ErrInvalidFingerprint) {
				t.Fatalf("ParseFingerprint(%q) error = %v, want ErrInvalidFingerprint", test.input, err)
			}
		})
	}
}

func TestFingerprintCompare(t *testing.T) {
	low := Fingerprint{Algorithm: "sha-256", Value: "00:11"}
	high := Fingerprint{Algorithm: "sha-256", Value: "AA:11"}
	if low.Compare(high) >= 0 {
		t.Error("low.Compare(high) should be negative")
	}
	if high.Compare(low) <= 0 {
		t.Error("high.Compare(low) should be positive")
	}
	if low.Compare(Fingerprint{Algorithm: "SHA-256", Value: "00:11"}) != 0 {
		t.Error("Compare should ignore case")
	}
}

func TestFingerprintsIncludeSHA256(t *testing.T) {
	pair, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprints, err := Fingerprints(pair)
	if err != nil {
		t.Fatalf("Fingerprints() error: %v", err)
	}
	want, _ := OfTLS(pair)
	for _, candidate := range fingerprints {
		converted, err := FromDTLS(candidate)
		if err != nil {
			continue
		}
		if converted.Equal(want) {
			return
		}
	}
	t.Fatalf("Fingerprints() = %v, missing %v", fingerprints, want)
}

func TestWriteAndLoadKeyPair(t *testing.T) {
	pair, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	directory := t.TempDir()

	certificatePath, keyPath, err := WriteKeyPair(directory, pair)
	if err != nil {
		t.Fatalf("WriteKeyPair() error: %v", err)
	}
	if keyPath != filepath.Join(directory, PrivateKeyFile) {
		t.Errorf("key path = %q, want %q", keyPath, filepath.Join(directory, PrivateKeyFile))
	}

	loaded, err := LoadKeyPair(certificatePath, keyPath)
	if err != nil {
		t.Fatalf("LoadKeyPair() error: %v", err)
	}
	want, _ := OfTLS(pair)
	got, _ := OfTLS(loaded)
	if !got.Equal(want) {
		t.Errorf("loaded fingerprint %v, want %v", got, want)
	}

	certificatePEM, err := os.ReadFile(certificatePath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	fromPEM, err := OfPEM(certificatePEM)
	if err != nil {
		t.Fatalf("OfPEM() error: %v", err)
	}
	if !fromPEM.Equal(want) {
		t.Errorf("OfPEM() = %v, want %v", fromPEM, want)
	}
	if _, err := OfPEM([]byte("not pem")); err == nil {
		t.Error("OfPEM(garbage) succeeded")
	}
}

func TestSealedKeyPair(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error: %v", err)
	}
	pair, err := Generate(GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	directory := t.TempDir()

	certificatePath, keyPath, err := WriteKeyPair(directory, pair, identity.Recipient().String())
	if err != nil {
		t.Fatalf("WriteKeyPair() error: %v", err)
	}
	if !strings.HasSuffix(keyPath, ".age") {
		t.Errorf("sealed key path = %q, want .age suffix", keyPath)
	}
	sealed, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("reading sealed key: %v", err)
	}
	if strings.Contains(string(sealed), "PRIVATE KEY") {
		t.Fatal("sealed key file contains plaintext PEM")
	}

	if _, err := LoadKeyPair(certificatePath, keyPath); !errors.Is(err, ErrSealedKey) {
		t.Fatalf("LoadKeyPair without identity error = %v, want ErrSealedKey", err)
	}

	identityPath := filepath.Join(directory, "identity.txt")
	if err := os.WriteFile(identityPath, []byte("# test identity\n"+identity.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}
	identities, err := LoadIdentities(identityPath)
	if err != nil {
		t.Fatalf("LoadIdentities() error: %v", err)
	}
	loaded, err := LoadKeyPair(certificatePath, keyPath, identities...)
	if err != nil {
		t.Fatalf("LoadKeyPair with identity error: %v", err)
	}
	want, _ := OfTLS(pair)
	got, _ := OfTLS(loaded)
	if !got.Equal(want) {
		t.Errorf("loaded fingerprint %v, want %v", got, want)
	}
}
