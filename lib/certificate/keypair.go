// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/peerlink/lib/secret"
)

const (
	ageBinaryHeader = "age-encryption.org/v1"
	ageArmorHeader  = "-----BEGIN AGE ENCRYPTED FILE-----"
	sealedKeySuffix = ".age"
)

// File names written by WriteKeyPair.
const (
	CertificateFile = "certificate.pem"
	PrivateKeyFile  = "key.pem"
)

// ErrSealedKey is returned when a private key is age-encrypted and no
// identity was supplied to open it.
var ErrSealedKey = errors.New("private key is age-sealed and no identity was provided")

// LoadKeyPair reads a PEM certificate and private key. If the key file
// is age ciphertext it is decrypted with identities first.
func LoadKeyPair(certificatePath, keyPath string, identities ...age.Identity) (tls.Certificate, error) {
	certificatePEM, err := os.ReadFile(certificatePath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading certificate: %w", err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading private key: %w", err)
	}

	defer secret.Zero(keyData)

	keyPEM, err := openKey(keyData, identities)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("opening %s: %w", keyPath, err)
	}
	defer keyPEM.Close()

	pair, err := tls.X509KeyPair(certificatePEM, keyPEM.Bytes())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	if pair.Leaf == nil {
		if pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return tls.Certificate{}, fmt.Errorf("parsing leaf certificate: %w", err)
		}
	}
	return pair, nil
}

// openKey returns PEM key bytes in locked memory, decrypting age
// ciphertext if needed.
func openKey(data []byte, identities []age.Identity) (*secret.Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	var source io.Reader
	switch {
	case bytes.HasPrefix(trimmed, []byte(ageArmorHeader)):
		source = armor.NewReader(bytes.NewReader(trimmed))
	case bytes.HasPrefix(trimmed, []byte(ageBinaryHeader)):
		source = bytes.NewReader(data)
	default:
		return secret.NewFromBytes(append([]byte(nil), data...))
	}

	if len(identities) == 0 {
		return nil, ErrSealedKey
	}
	reader, err := age.Decrypt(source, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	return secret.NewFromBytes(plaintext)
}

// LoadIdentities parses an age identity file (one AGE-SECRET-KEY-1...
// per line, '#' comments allowed).
func LoadIdentities(path string) ([]age.Identity, error) {
	contents, err := secret.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	defer contents.Close()

	identities, err := age.ParseIdentities(contents.Reader())
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return identities, nil
}

// EncodePEM returns the PEM encodings of pair's leaf certificate and
// PKCS#8 private key.
func EncodePEM(pair tls.Certificate) (certificatePEM, keyPEM []byte, err error) {
	if len(pair.Certificate) == 0 {
		return nil, nil, errors.New("key pair has no certificate")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}
	certificatePEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pair.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certificatePEM, keyPEM, nil
}

// WriteKeyPair writes pair into directory as certificate.pem and
// key.pem. When recipients are given (age1... public keys) the key is
// sealed to them and written ASCII-armored as key.pem.age instead.
// Returns the certificate and key paths.
func WriteKeyPair(directory string, pair tls.Certificate, recipients ...string) (string, string, error) {
	certificatePEM, keyPEM, err := EncodePEM(pair)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return "", "", fmt.Errorf("creating %s: %w", directory, err)
	}

	certificatePath := filepath.Join(directory, CertificateFile)
	if err := os.WriteFile(certificatePath, certificatePEM, 0o644); err != nil {
		return "", "", fmt.Errorf("writing certificate: %w", err)
	}

	keyPath := filepath.Join(directory, PrivateKeyFile)
	if len(recipients) > 0 {
		keyPEM, err = seal(keyPEM, recipients)
		if err != nil {
			return "", "", err
		}
		keyPath += sealedKeySuffix
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("writing private key: %w", err)
	}
	return certificatePath, keyPath, nil
}

func seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	armored := armor.NewWriter(&ciphertext)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return ciphertext.Bytes(), nil
}
