package snapshot

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// gcmTagSize is the GCM authentication tag length in bytes.
	gcmTagSize = 16
)

// Envelope wraps the serialized bytes of a snapshot sealed with AES-GCM.
// The auth tag is carried separately from the ciphertext. KDF and Salt are
// set when the key was derived from a passphrase for this file.
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	KDF       string `json:"kdf,omitempty"`
	Salt      string `json:"salt,omitempty"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
	Data      string `json:"data"`
}

// Codec encodes and decodes snapshot files. A codec without a secret
// writes plaintext and can only read plaintext.
type Codec struct {
	gcm        cipher.AEAD
	passphrase string
	validate   *validator.Validate
}

// NewCodec creates a codec. key must be nil or KeySize bytes.
func NewCodec(key []byte) (*Codec, error) {
	c := &Codec{validate: validator.New()}

	if key == nil {
		return c, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	c.gcm = gcm

	return c, nil
}

// NewSecretCodec creates a codec for a parsed secret. Passphrase codecs
// derive a fresh key for every file they seal.
func NewSecretCodec(secret Secret) (*Codec, error) {
	if secret.IsPassphrase() {
		return &Codec{passphrase: secret.passphrase, validate: validator.New()}, nil
	}

	return NewCodec(secret.key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Encrypts reports whether Encode seals its output.
func (c *Codec) Encrypts() bool {
	return c.gcm != nil || c.passphrase != ""
}

// Seal wraps plain in an envelope with a fresh random IV, and with a fresh
// salt when the key comes from a passphrase.
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	if !c.Encrypts() {
		return nil, errors.ErrKeyRequired
	}

	var env Envelope

	gcm := c.gcm

	if c.passphrase != "" {
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}

		key, err := DeriveKey(c.passphrase, salt)
		if err != nil {
			return nil, err
		}

		if gcm, err = newGCM(key); err != nil {
			return nil, err
		}

		env.KDF = kdfScrypt
		env.Salt = hex.EncodeToString(salt)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plain, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	env.Encrypted = true
	env.IV = hex.EncodeToString(iv)
	env.AuthTag = hex.EncodeToString(tag)
	env.Data = base64.StdEncoding.EncodeToString(ct)

	return json.Marshal(env)
}

// openerFor returns the AEAD that can open env.
func (c *Codec) openerFor(env Envelope) (cipher.AEAD, error) {
	if env.Salt == "" {
		if c.gcm == nil {
			return nil, fmt.Errorf("%w: snapshot is sealed with a raw key", errors.ErrKeyRequired)
		}

		return c.gcm, nil
	}

	if env.KDF != kdfScrypt {
		return nil, fmt.Errorf("%w: unsupported kdf %q", errors.ErrInvalidSnapshot, env.KDF)
	}

	if c.passphrase == "" {
		return nil, fmt.Errorf("%w: snapshot is sealed with a passphrase", errors.ErrKeyRequired)
	}

	salt, err := hex.DecodeString(env.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", errors.ErrInvalidSnapshot)
	}

	key, err := DeriveKey(c.passphrase, salt)
	if err != nil {
		return nil, err
	}

	return newGCM(key)
}

// Open returns the plaintext of payload and whether it was enveloped.
// Payloads without a true top-level encrypted flag are returned as is.
func (c *Codec) Open(payload []byte) ([]byte, bool, error) {
	if !gjson.ValidBytes(payload) {
		return nil, false, fmt.Errorf("%w: not valid JSON", errors.ErrInvalidSnapshot)
	}

	if !gjson.GetBytes(payload, "encrypted").Bool() {
		return payload, false, nil
	}

	if !c.Encrypts() {
		return nil, true, errors.ErrKeyRequired
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, true, fmt.Errorf("%w: envelope: %w", errors.ErrInvalidSnapshot, err)
	}

	gcm, err := c.openerFor(env)
	if err != nil {
		return nil, true, err
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != gcm.NonceSize() {
		return nil, true, fmt.Errorf("%w: bad iv", errors.ErrInvalidSnapshot)
	}

	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, true, fmt.Errorf("%w: bad auth tag", errors.ErrInvalidSnapshot)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, true, fmt.Errorf("%w: bad data: %w", errors.ErrInvalidSnapshot, err)
	}

	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", errors.ErrDecrypt, err)
	}

	return plain, true, nil
}

// Encode serializes s, filling in its ID, version and record count, and
// seals it when the codec has a key.
func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	if s.Version == 0 {
		s.Version = FormatVersion
	}

	if s.Tables == nil {
		s.Tables = make(map[tables.Name][]tables.Row)
	}

	s.Metadata.TotalRecords = s.Count()
	s.Metadata.Encrypted = c.Encrypts()

	if err := c.validate.Struct(s); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidSnapshot, err)
	}

	plain, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	if !c.Encrypts() {
		return plain, nil
	}

	return c.Seal(plain)
}

// Decode opens and parses a snapshot file. Numbers in rows are kept as
// json.Number so values round-trip exactly. Tables outside the registry
// make the snapshot invalid.
func (c *Codec) Decode(payload []byte) (*Snapshot, error) {
	plain, enveloped, err := c.Open(payload)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()

	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidSnapshot, err)
	}

	if err := c.validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidSnapshot, err)
	}

	for name := range s.Tables {
		if _, ok := tables.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %w: %q", errors.ErrInvalidSnapshot, errors.ErrUnknownTable, name)
		}
	}

	if s.Tables == nil {
		s.Tables = make(map[tables.Name][]tables.Row)
	}

	s.Metadata.Encrypted = enveloped

	return &s, nil
}
