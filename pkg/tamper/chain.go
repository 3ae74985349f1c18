// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// HMACColumn holds the chained HMAC of a data row.
	HMACColumn = "HMAC"
	// SignatureColumn holds the signature of a signature row; it is empty on data rows.
	SignatureColumn = "SIGNATURE"
)

// Chain is the running state of a tamper-evident log: the current ratchet
// key, the last row HMAC and the last signature.
type Chain struct {
	key           []byte
	lastHMAC      string
	lastSignature string
	pending       int64
	rows          int64
	signatures    int64
}

// NewChain starts a chain from seed.
func NewChain(seed []byte) *Chain {
	return &Chain{key: append([]byte(nil), seed...)}
}

// Append computes the HMAC of a data row, links it to the previous row and
// advances the ratchet key.
func (c *Chain) Append(cells []string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(c.lastHMAC))
	for _, cell := range cells {
		mac.Write([]byte{0x1f})
		mac.Write([]byte(cell))
	}
	sum := hex.EncodeToString(mac.Sum(nil))

	next := sha256.Sum256(c.key)
	c.key = next[:]
	c.lastHMAC = sum
	c.pending++
	c.rows++
	return sum
}

// Pending reports whether rows were appended since the last signature.
func (c *Chain) Pending() bool {
	return c.pending > 0
}

// Rows returns the number of data rows in the chain.
func (c *Chain) Rows() int64 {
	return c.rows
}

// Signatures returns the number of signature rows in the chain.
func (c *Chain) Signatures() int64 {
	return c.signatures
}

// Sign produces the signature row value covering every row since the
// previous signature and records it as the latest signature.
func (c *Chain) Sign(signer Signer) (string, error) {
	raw, err := signer.Sign(c.payload())
	if err != nil {
		return "", fmt.Errorf("failed to sign chain: %w", err)
	}
	sig := base64.StdEncoding.EncodeToString(raw)
	c.signed(sig)
	return sig, nil
}

// VerifySignature checks a signature read back from a log and, when valid,
// records it as the latest signature.
func (c *Chain) VerifySignature(signer Signer, sig string) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := signer.Verify(c.payload(), raw); err != nil {
		return err
	}
	c.signed(sig)
	return nil
}

// Restore records a signature read back from a log without checking it.
func (c *Chain) Restore(sig string) {
	c.signed(sig)
}

func (c *Chain) payload() []byte {
	return []byte("sig|" + c.lastSignature + "|" + c.lastHMAC)
}

func (c *Chain) signed(sig string) {
	c.lastSignature = sig
	c.pending = 0
	c.signatures++
}
