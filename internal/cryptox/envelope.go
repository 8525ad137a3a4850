// Package cryptox holds the symmetric primitives the host relies on: per-file
// key envelopes, wrapping them for a transport context, payload sealing and
// key derivation.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/peertransit/internal/common"
)

const (
	// KeySize is the length of every symmetric key handled here (AES-256).
	KeySize = 32
	// IVSize is the length of envelope and transfer initialization vectors.
	IVSize = 16
)

var (
	// ErrDecryption is returned when a ciphertext does not authenticate
	// under the supplied key.
	ErrDecryption = errors.New("decryption failed")
	// ErrEmptyEnvelope is returned for an envelope that carries no key.
	ErrEmptyEnvelope = errors.New("empty key envelope")
)

// WrapType names the secret a WrappedKeyEnvelope was sealed with.
type WrapType string

const (
	// WrapTransport envelopes are sealed with a key derived from a
	// connection's shared secret and the recipient identity.
	WrapTransport WrapType = "transport"
	// WrapOwner envelopes are sealed with a drive storage key and only
	// readable on the owning host.
	WrapOwner WrapType = "owner"
)

// KeyEnvelope is the symmetric key and IV that decrypt one file's payload.
// It holds plaintext key material: call Close as soon as it is no longer
// needed. A KeyEnvelope has no JSON representation.
type KeyEnvelope struct {
	Key []byte `json:"-"`
	IV  []byte `json:"-"`
}

// NewKeyEnvelope returns an envelope with a fresh random key and IV.
func NewKeyEnvelope() *KeyEnvelope {
	return &KeyEnvelope{
		Key: common.GenerateRandByteArray(KeySize),
		IV:  common.GenerateRandByteArray(IVSize),
	}
}

// Empty reports whether the envelope carries no key material.
func (e *KeyEnvelope) Empty() bool {
	return e == nil || len(e.Key) == 0
}

// Close zeroes the key and IV in place. It is safe to call on a nil
// envelope and more than once.
func (e *KeyEnvelope) Close() {
	if e == nil {
		return
	}
	common.WipeByteArray(e.Key)
	common.WipeByteArray(e.IV)
}

// WrappedKeyEnvelope is a KeyEnvelope encrypted for one transport context.
type WrappedKeyEnvelope struct {
	WrapType   WrapType `json:"wrap_type"`
	IV         []byte   `json:"iv"`
	Ciphertext []byte   `json:"ciphertext"`
}

// IsZero reports whether nothing has been wrapped, which is the case for
// unencrypted files.
func (w WrappedKeyEnvelope) IsZero() bool {
	return len(w.Ciphertext) == 0
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Wrap seals env under secret using iv as the nonce. The result depends
// only on its inputs.
func Wrap(env *KeyEnvelope, secret, iv []byte, wt WrapType) (WrappedKeyEnvelope, error) {
	if env.Empty() {
		return WrappedKeyEnvelope{}, ErrEmptyEnvelope
	}
	if len(iv) != IVSize {
		return WrappedKeyEnvelope{}, fmt.Errorf("invalid iv length %d", len(iv))
	}
	aead, err := newGCM(secret)
	if err != nil {
		return WrappedKeyEnvelope{}, err
	}

	plain := make([]byte, 0, len(env.Key)+len(env.IV))
	plain = append(plain, env.Key...)
	plain = append(plain, env.IV...)
	defer common.WipeByteArray(plain)

	return WrappedKeyEnvelope{
		WrapType:   wt,
		IV:         append([]byte(nil), iv...),
		Ciphertext: aead.Seal(nil, iv, plain, []byte(wt)),
	}, nil
}

// Unwrap opens w with secret. A wrong secret, a tampered ciphertext or a
// mismatched wrap type yields ErrDecryption.
func Unwrap(w WrappedKeyEnvelope, secret []byte) (*KeyEnvelope, error) {
	if w.IsZero() {
		return nil, ErrEmptyEnvelope
	}
	if len(w.IV) != IVSize {
		return nil, ErrDecryption
	}
	aead, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, w.IV, w.Ciphertext, []byte(w.WrapType))
	if err != nil {
		return nil, ErrDecryption
	}
	defer common.WipeByteArray(plain)

	if len(plain) != KeySize+IVSize {
		return nil, ErrDecryption
	}
	return &KeyEnvelope{
		Key: append([]byte(nil), plain[:KeySize]...),
		IV:  append([]byte(nil), plain[KeySize:]...),
	}, nil
}
