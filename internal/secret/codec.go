// Package secret encrypts, decrypts and masks auth key material. The
// encryption key lives in a memguard enclave and is only decrypted into
// locked memory for the duration of a single seal or open.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of the symmetric key in bytes.
const KeySize = chacha20poly1305.KeySize

// DefaultVisibleSuffix is how many trailing characters Mask leaves readable.
const DefaultVisibleSuffix = 6

// blobVersion prefixes every ciphertext and is authenticated as AAD.
const blobVersion byte = 0x01

const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrCrypto is matched by every CryptoError.
var ErrCrypto = errors.New("crypto failure")

// CryptoError reports an encryption or decryption failure for one record.
type CryptoError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCrypto) true for any CryptoError.
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Codec performs authenticated symmetric encryption of key material.
type Codec struct {
	key *memguard.Enclave
}

// NewCodec creates a Codec from a raw 32-byte key. The input slice is wiped.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Codec{key: memguard.NewEnclave(key)}, nil
}

// NewCodecFromString parses a base64 encoded key (standard or URL-safe, with
// or without padding) and creates a Codec from it. Fernet keys are accepted
// since they decode to 32 bytes.
func NewCodecFromString(encoded string) (*Codec, error) {
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewCodec(key)
}

// ParseKey decodes a base64 encoded 32-byte key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("encryption key is empty")
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		b, err := enc.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(b) != KeySize {
			return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", KeySize, len(b))
		}
		return b, nil
	}
	return nil, errors.New("encryption key is not valid base64")
}

// GenerateKey returns a fresh random key, base64url encoded.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Encrypt seals plaintext and returns the base64url encoded blob
// [version][nonce][ciphertext+tag].
func (c *Codec) Encrypt(plaintext string) (string, error) {
	lb, err := c.key.Open()
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("open key enclave: %w", err)}
	}
	defer lb.Destroy()

	aead, err := chacha20poly1305.NewX(lb.Bytes())
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("generate nonce: %w", err)}
	}

	out := make([]byte, 1+len(nonce), blobOverhead+len(plaintext))
	out[0] = blobVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), []byte{blobVersion})

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. A wrong key or tampered blob
// returns a *CryptoError.
func (c *Codec) Decrypt(cipherText string) (string, error) {
	blob, err := base64.RawURLEncoding.DecodeString(cipherText)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("decode ciphertext: %w", err)}
	}
	if len(blob) < blobOverhead {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext is %d bytes, minimum is %d", len(blob), blobOverhead)}
	}
	if blob[0] != blobVersion {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("unsupported ciphertext version %d", blob[0])}
	}

	lb, err := c.key.Open()
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("open key enclave: %w", err)}
	}
	defer lb.Destroy()

	aead, err := chacha20poly1305.NewX(lb.Bytes())
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("authentication failed (wrong key or corrupted ciphertext)")}
	}
	return string(plain), nil
}

// Mask replaces every character except the last visible ones with '*'.
// Inputs shorter than visible are returned unchanged. A negative visible
// masks everything.
func Mask(plaintext string, visible int) string {
	if visible < 0 {
		visible = 0
	}
	runes := []rune(plaintext)
	if len(runes) < visible {
		return plaintext
	}
	hidden := len(runes) - visible
	return strings.Repeat("*", hidden) + string(runes[hidden:])
}

// MaskKey masks with DefaultVisibleSuffix.
func MaskKey(plaintext string) string {
	return Mask(plaintext, DefaultVisibleSuffix)
}

// Mask is the method form of the package Mask, so a Codec satisfies
// interfaces that need both encryption and masking.
func (c *Codec) Mask(plaintext string) string {
	return MaskKey(plaintext)
}
