package cryptox

import (
	"crypto/sha256"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const transportInfoPrefix = "peertransit/transport/v1:"

// DeriveMasterKey stretches the host master password with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// DeriveTransportKey derives the key used to wrap envelopes for recipient
// from a connection's shared secret. The recipient identity and the global
// transit id are bound into the derivation, so a key opens nothing wrapped
// for another recipient or another transfer, and a transfer IV reused
// across files never repeats a nonce under one key.
func DeriveTransportKey(sharedSecret []byte, recipient string, gtid uuid.UUID) ([]byte, error) {
	info := transportInfoPrefix + recipient + "/" + gtid.String()
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
