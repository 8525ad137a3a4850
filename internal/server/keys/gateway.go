// Package keys holds every operation that touches key material: wrapping
// envelopes for a recipient, unwrapping what a peer sent, and opening the
// storage keys of local drives.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/cryptox"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/server/repositories/connections"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

type DriveLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Drive, error)
}

type ConnectionLookup interface {
	Get(ctx context.Context, identity string) (*models.Connection, error)
}

type Gateway struct {
	self        string
	masterKey   []byte
	drives      DriveLookup
	connections ConnectionLookup
}

func NewGateway(self string, masterKey []byte, drives DriveLookup, connections ConnectionLookup) *Gateway {
	return &Gateway{self: self, masterKey: masterKey, drives: drives, connections: connections}
}

// SharedSecret returns the secret of a connected identity. The caller owns
// the returned slice and should wipe it.
func (g *Gateway) SharedSecret(ctx context.Context, identity string) ([]byte, error) {
	c, err := g.connections.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if c.Status != connections.StatusConnected {
		return nil, fmt.Errorf("%w: %s is %s", common.ErrUnknownIdentity, identity, c.Status)
	}
	secret, err := cryptox.OpenKey(g.masterKey, c.SharedSecretCiphertext, c.SharedSecretNonce)
	if err != nil {
		return nil, fmt.Errorf("open shared secret: %w", err)
	}
	return secret, nil
}

// WrapForRecipient wraps env for transport to recipient under a key bound
// to gtid. The same env, gtid, iv and connection always give the same
// result.
func (g *Gateway) WrapForRecipient(ctx context.Context, env *cryptox.KeyEnvelope, recipient string, gtid uuid.UUID, iv []byte) (cryptox.WrappedKeyEnvelope, error) {
	secret, err := g.SharedSecret(ctx, recipient)
	if err != nil {
		return cryptox.WrappedKeyEnvelope{}, err
	}
	defer common.WipeByteArray(secret)

	tk, err := cryptox.DeriveTransportKey(secret, recipient, gtid)
	if err != nil {
		return cryptox.WrappedKeyEnvelope{}, err
	}
	defer common.WipeByteArray(tk)

	return cryptox.Wrap(env, tk, iv, cryptox.WrapTransport)
}

// UnwrapFromSender opens an envelope a peer wrapped for this host as part
// of the transfer gtid.
func (g *Gateway) UnwrapFromSender(ctx context.Context, w cryptox.WrappedKeyEnvelope, sender string, gtid uuid.UUID) (*cryptox.KeyEnvelope, error) {
	if w.WrapType != cryptox.WrapTransport {
		return nil, cryptox.ErrDecryption
	}
	secret, err := g.SharedSecret(ctx, sender)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(secret)

	tk, err := cryptox.DeriveTransportKey(secret, g.self, gtid)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(tk)

	return cryptox.Unwrap(w, tk)
}

// OwnerDriveKey opens a drive's storage key with the owner's authority.
func (g *Gateway) OwnerDriveKey(ctx context.Context, driveID uuid.UUID) (*DriveKey, error) {
	d, err := g.drives.Get(ctx, driveID)
	if err != nil {
		return nil, err
	}
	key, err := cryptox.OpenKey(g.masterKey, d.StorageKeyCiphertext, d.StorageKeyNonce)
	if err != nil {
		return nil, fmt.Errorf("open storage key: %w", err)
	}
	return &DriveKey{DriveID: d.ID, key: key}, nil
}

// DriveKeyForGrant opens a drive's storage key on behalf of a peer. Only
// grants that carry the storage key may do so.
func (g *Gateway) DriveKeyForGrant(ctx context.Context, driveID uuid.UUID, grant transit.Grant) (*DriveKey, error) {
	if !grant.HasStorageKeyAccess {
		return nil, common.ErrorAccessDenied
	}
	return g.OwnerDriveKey(ctx, driveID)
}

// SealNewStorageKey creates a random drive storage key sealed under the
// master key.
func (g *Gateway) SealNewStorageKey() (ciphertext, nonce []byte, err error) {
	key := common.GenerateRandByteArray(cryptox.KeySize)
	defer common.WipeByteArray(key)
	return cryptox.SealKey(g.masterKey, key)
}

func (g *Gateway) SealSharedSecret(secret []byte) (ciphertext, nonce []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, errors.New("empty shared secret")
	}
	return cryptox.SealKey(g.masterKey, secret)
}

// DriveKey is an opened drive storage key. Close wipes it.
type DriveKey struct {
	DriveID uuid.UUID
	key     []byte
}

// Wrap seals env for storage on the drive under a fresh IV.
func (k *DriveKey) Wrap(env *cryptox.KeyEnvelope) (cryptox.WrappedKeyEnvelope, error) {
	return cryptox.Wrap(env, k.key, common.GenerateRandByteArray(cryptox.IVSize), cryptox.WrapOwner)
}

func (k *DriveKey) Unwrap(w cryptox.WrappedKeyEnvelope) (*cryptox.KeyEnvelope, error) {
	if w.WrapType != cryptox.WrapOwner {
		return nil, cryptox.ErrDecryption
	}
	return cryptox.Unwrap(w, k.key)
}

func (k *DriveKey) Close() {
	if k == nil {
		return
	}
	common.WipeByteArray(k.key)
	k.key = nil
}

// Encode serializes a wrapped envelope for a table column. The zero
// envelope encodes to nil.
func Encode(w cryptox.WrappedKeyEnvelope) ([]byte, error) {
	if w.IsZero() {
		return nil, nil
	}
	return json.Marshal(w)
}

func Decode(b []byte) (cryptox.WrappedKeyEnvelope, error) {
	var w cryptox.WrappedKeyEnvelope
	if len(b) == 0 {
		return w, nil
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("decode envelope: %w", err)
	}
	return w, nil
}
