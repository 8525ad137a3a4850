// Package registry resolves remote identities to network addresses and
// tells where an identity's payloads live in object storage.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/peertransit/internal/common"
)

// Host is a reachable peer identity host.
type Host struct {
	Identity string
	Address  string
}

// StorageConfig locates an identity's objects.
type StorageConfig struct {
	Bucket string
	Prefix string
}

type Registry interface {
	Resolve(ctx context.Context, identity string) (Host, error)
	StorageConfigFor(ctx context.Context, identity string) (StorageConfig, error)
}

// Static serves a fixed peer table loaded from configuration. It is safe
// for concurrent use since it is never mutated after construction.
type Static struct {
	self   string
	bucket string
	peers  map[string]string
}

func NewStatic(self, bucket string, peers map[string]string) *Static {
	m := make(map[string]string, len(peers))
	for identity, addr := range peers {
		m[normalize(identity)] = addr
	}
	return &Static{self: normalize(self), bucket: bucket, peers: m}
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (s *Static) Resolve(_ context.Context, identity string) (Host, error) {
	id := normalize(identity)
	addr, ok := s.peers[id]
	if !ok || addr == "" {
		return Host{}, fmt.Errorf("%w: %s", common.ErrUnknownIdentity, identity)
	}
	return Host{Identity: id, Address: addr}, nil
}

// StorageConfigFor only knows the local identity; every host keeps its
// objects under its own prefix of the shared bucket.
func (s *Static) StorageConfigFor(_ context.Context, identity string) (StorageConfig, error) {
	id := normalize(identity)
	if id != s.self {
		return StorageConfig{}, fmt.Errorf("%w: %s", common.ErrUnknownIdentity, identity)
	}
	return StorageConfig{Bucket: s.bucket, Prefix: id}, nil
}
