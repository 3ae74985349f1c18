// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyMaterialSize  = 32
	derivedKeySize   = 32
	pbkdf2Iterations = 4096
	keystoreFileMode = 0o600
	keystoreDirMode  = 0o700
)

// ErrInvalidSignature is returned by Signer.Verify when a signature does not
// match its chunk.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs and verifies opaque chunks of a log.
type Signer interface {
	Sign(chunk []byte) ([]byte, error)
	Verify(chunk, signature []byte) error
}

// HMACSigner is a Signer backed by HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner returns a signer using key.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: append([]byte(nil), key...)}
}

// Sign returns the HMAC of chunk.
func (s *HMACSigner) Sign(chunk []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(chunk)
	return mac.Sum(nil), nil
}

// Verify checks signature against chunk.
func (s *HMACSigner) Verify(chunk, signature []byte) error {
	expected, _ := s.Sign(chunk)
	if !hmac.Equal(expected, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// KeyStore holds the key material of a tamper-evident log directory. The
// keystore file stores random material; combined with the passphrase it yields
// the signing key and the per-topic chain seeds.
type KeyStore struct {
	signer   Signer
	seedBase []byte
}

// OpenKeyStore loads the keystore file at path, generating it on first use.
func OpenKeyStore(path, password string) (*KeyStore, error) {
	if path == "" {
		return nil, fmt.Errorf("keystore filename is required")
	}
	if password == "" {
		return nil, fmt.Errorf("keystore password is required")
	}

	material, err := loadOrGenerateKeyMaterial(path)
	if err != nil {
		return nil, err
	}

	derived := pbkdf2.Key([]byte(password), material, pbkdf2Iterations, 2*derivedKeySize, sha256.New)
	return &KeyStore{
		signer:   NewHMACSigner(derived[:derivedKeySize]),
		seedBase: derived[derivedKeySize:],
	}, nil
}

// Signer returns the signer of the keystore.
func (k *KeyStore) Signer() Signer {
	return k.signer
}

// ChainSeed returns the initial chain key of topic.
func (k *KeyStore) ChainSeed(topic string) []byte {
	mac := hmac.New(sha256.New, k.seedBase)
	mac.Write([]byte("chain:" + topic))
	return mac.Sum(nil)
}

func loadOrGenerateKeyMaterial(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		material, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil {
			return nil, fmt.Errorf("keystore %s is corrupted: %w", path, decodeErr)
		}
		if len(material) < keyMaterialSize {
			return nil, fmt.Errorf("keystore %s holds %d bytes of key material, need %d", path, len(material), keyMaterialSize)
		}
		return material, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read keystore %s: %w", path, err)
	}

	material := make([]byte, keyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), keystoreDirMode); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(material) + "\n"
	if err := os.WriteFile(path, []byte(encoded), keystoreFileMode); err != nil {
		return nil, fmt.Errorf("failed to write keystore %s: %w", path, err)
	}
	return material, nil
}
