// Package doclink signs public document URLs embedded in client emails.
package doclink

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Document kinds that can be linked publicly.
const (
	KindInvoice = "invoice"
	KindReceipt = "receipt"
)

// Signer produces and verifies keyed BLAKE2b signatures over (kind, id).
type Signer struct {
	key     [32]byte
	baseURL string
}

// NewSigner derives the MAC key from secret.
func NewSigner(secret, baseURL string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("doclink: secret must be at least 16 bytes")
	}
	return &Signer{key: blake2b.Sum256([]byte(secret)), baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Sign returns the hex signature for the document.
func (s *Signer) Sign(kind, id string) string {
	mac, err := blake2b.New256(s.key[:])
	if err != nil {
		// unreachable: the key is always 32 bytes
		panic(err)
	}
	_, _ = mac.Write([]byte(kind + "\x00" + id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig was produced by Sign for the same document.
func (s *Signer) Verify(kind, id, sig string) bool {
	if s == nil || sig == "" {
		return false
	}
	expected := s.Sign(kind, id)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(sig))) == 1
}

// URL builds the public PDF link for the document.
func (s *Signer) URL(kind, id string) string {
	return fmt.Sprintf("%s/public/%ss/%s/pdf?sig=%s", s.baseURL, kind, id, s.Sign(kind, id))
}
