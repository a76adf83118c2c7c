package snapshot

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for passphrase keys (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt.
	scryptP = 1

	// SaltSize is the length of the random per-file salt for passphrase keys.
	SaltSize = 16

	// kdfScrypt names the derivation in the envelope.
	kdfScrypt = "scrypt"
)

// Secret is the configured snapshot secret: either a raw AES-256 key or a
// passphrase. The zero Secret means no encryption.
type Secret struct {
	key        []byte
	passphrase string
}

// IsZero reports whether no secret is configured.
func (s Secret) IsZero() bool {
	return s.key == nil && s.passphrase == ""
}

// IsPassphrase reports whether keys are derived per file from a passphrase.
func (s Secret) IsPassphrase() bool {
	return s.passphrase != ""
}

// ParseSecret interprets the configured secret. It accepts 64 hex
// characters or standard base64 of 32 bytes as a raw key; anything else is
// a passphrase, NFKC-normalized. Surrounding whitespace is ignored.
func ParseSecret(secret string) Secret {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Secret{}
	}

	if len(secret) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(secret); err == nil {
			return Secret{key: key}
		}
	}

	if key, err := base64.StdEncoding.DecodeString(secret); err == nil && len(key) == KeySize {
		return Secret{key: key}
	}

	return Secret{passphrase: norm.NFKC.String(secret)}
}

// DeriveKey derives an AES-256 key from passphrase and salt with scrypt
// (N=32768, r=8, p=1). The passphrase is NFKC-normalized first.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("deriving key: empty salt")
	}

	key, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}
