// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package curve

import (
	"crypto"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/peerlink/lib/secret"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// keySize is the size of every symmetric secret in the schedule.
const keySize = 32

// HKDF info strings, one per derived secret.
var (
	infoMaster         = []byte("peerlink.curve.v1.master")
	infoClientWrite    = []byte("peerlink.curve.v1.client.write")
	infoServerWrite    = []byte("peerlink.curve.v1.server.write")
	infoClientFinished = []byte("peerlink.curve.v1.client.finished")
	infoServerFinished = []byte("peerlink.curve.v1.server.finished")
	infoExporter       = []byte("peerlink.curve.v1.exporter")
)

// Signature and MAC domain tags, prefixed to the transcript hash.
var (
	domainServerVerify = []byte("peerlink.curve.v1.server.verify")
	domainClientVerify = []byte("peerlink.curve.v1.client.verify")
	domainFinished     = []byte("peerlink.curve.v1.finished")
)

func deriveKey(inputKeyMaterial, salt, info []byte, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	derived := make([]byte, size)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// keySchedule is every secret derived from one handshake.
type keySchedule struct {
	clientWrite    []byte
	serverWrite    []byte
	clientFinished []byte
	serverFinished []byte
	exporter       []byte
}

// newKeySchedule derives the schedule from the X25519 shared secret
// and the transcript hash of the two hellos.
func newKeySchedule(shared, helloHash []byte) (*keySchedule, error) {
	master, err := deriveKey(shared, helloHash, infoMaster, keySize)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(master)

	schedule := &keySchedule{}
	for _, target := range []struct {
		info []byte
		key  *[]byte
	}{
		{infoClientWrite, &schedule.clientWrite},
		{infoServerWrite, &schedule.serverWrite},
		{infoClientFinished, &schedule.clientFinished},
		{infoServerFinished, &schedule.serverFinished},
		{infoExporter, &schedule.exporter},
	} {
		if *target.key, err = deriveKey(master, nil, target.info, keySize); err != nil {
			schedule.wipe()
			return nil, err
		}
	}
	return schedule, nil
}

func (k *keySchedule) wipe() {
	if k == nil {
		return
	}
	for _, key := range [][]byte{k.clientWrite, k.serverWrite, k.clientFinished, k.serverFinished, k.exporter} {
		secret.Zero(key)
	}
}

// export derives keying material bound to label and context.
func (k *keySchedule) export(label string, context []byte, length int) ([]byte, error) {
	info := make([]byte, 0, len(label)+1+len(context))
	info = append(info, label...)
	info = append(info, 0)
	info = append(info, context...)
	return deriveKey(k.exporter, nil, info, length)
}

// newKeyShare returns a fresh X25519 private scalar and its public
// share.
func newKeyShare() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, nil, fmt.Errorf("generating key share: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("computing key share: %w", err)
	}
	return private, public, nil
}

func randomBytes(size int) ([]byte, error) {
	buffer := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buffer); err != nil {
		return nil, fmt.Errorf("reading random: %w", err)
	}
	return buffer, nil
}

// newAEAD returns the record cipher for suite.
func newAEAD(suite string, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case SuiteXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("%w: unknown suite %q", engine.ErrNegotiation, suite)
}

// recordNonce left-pads the sequence number to the AEAD nonce size.
func recordNonce(aead cipher.AEAD, sequence uint64) []byte {
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], sequence)
	return nonce
}

// finishedMAC computes a BLAKE3 keyed hash of the transcript hash.
func finishedMAC(key, transcriptHash []byte) []byte {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("curve: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(domainFinished)
	hasher.Write(transcriptHash)
	return hasher.Sum(nil)
}

func macEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func signedContent(domain, transcriptHash []byte) []byte {
	content := make([]byte, 0, len(domain)+len(transcriptHash))
	content = append(content, domain...)
	return append(content, transcriptHash...)
}

// sign signs domain||transcriptHash with the certificate key. ECDSA and
// RSA-PSS sign its SHA-256 digest; Ed25519 signs it directly.
func sign(key crypto.PrivateKey, domain, transcriptHash []byte) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: private key %T cannot sign", engine.ErrConfiguration, key)
	}
	content := signedContent(domain, transcriptHash)
	switch signer.Public().(type) {
	case ed25519.PublicKey:
		return signer.Sign(rand.Reader, content, crypto.Hash(0))
	case *rsa.PublicKey:
		digest := sha256.Sum256(content)
		return signer.Sign(rand.Reader, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	default:
		digest := sha256.Sum256(content)
		return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
}

var errBadSignature = errors.New("certificate verify signature invalid")

// verify checks a sign signature against the certificate's public key.
func verify(leaf *x509.Certificate, domain, transcriptHash, signature []byte) error {
	content := signedContent(domain, transcriptHash)
	digest := sha256.Sum256(content)
	var valid bool
	switch public := leaf.PublicKey.(type) {
	case ed25519.PublicKey:
		valid = ed25519.Verify(public, content, signature)
	case *ecdsa.PublicKey:
		valid = ecdsa.VerifyASN1(public, digest[:], signature)
	case *rsa.PublicKey:
		valid = rsa.VerifyPSS(public, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
	default:
		return fmt.Errorf("%w: unsupported public key %T", engine.ErrCertificate, leaf.PublicKey)
	}
	if !valid {
		return fmt.Errorf("%w: %v", engine.ErrCertificate, errBadSignature)
	}
	return nil
}
