package cryptox

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/dmitrijs2005/peertransit/internal/common"
)

// SealPayload encrypts a file payload with the envelope's key and IV.
func SealPayload(env *KeyEnvelope, plaintext []byte) ([]byte, error) {
	if env.Empty() {
		return nil, ErrEmptyEnvelope
	}
	aead, err := newGCM(env.Key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, env.IV, plaintext, nil), nil
}

// OpenPayload reverses SealPayload.
func OpenPayload(env *KeyEnvelope, ciphertext []byte) ([]byte, error) {
	if env.Empty() {
		return nil, ErrEmptyEnvelope
	}
	aead, err := newGCM(env.Key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, env.IV, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// SealKey encrypts a key at rest under masterKey with a random 12-byte nonce.
func SealKey(masterKey, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nil, nonce, key, nil), nonce, nil
}

// OpenKey decrypts a key produced by SealKey.
func OpenKey(masterKey, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, ErrDecryption
	}
	key, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return key, nil
}
