// Package access turns a caller identity and a drive into the permissions
// the caller holds there.
package access

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/dmitrijs2005/peertransit/internal/logging"
	"github.com/dmitrijs2005/peertransit/internal/server/models"
	"github.com/dmitrijs2005/peertransit/internal/transit"
	"github.com/google/uuid"
)

type GrantLookup interface {
	Grant(ctx context.Context, identity string, driveID uuid.UUID) (*models.ConnectionGrant, error)
}

type Resolver struct {
	grants GrantLookup
	logger logging.Logger
}

func NewResolver(grants GrantLookup, logger logging.Logger) *Resolver {
	return &Resolver{grants: grants, logger: logger}
}

// Resolve never fails. Anything that prevents building the grant yields
// the zero grant, which permits nothing.
func (r *Resolver) Resolve(ctx context.Context, caller string, driveID uuid.UUID) transit.Grant {
	if caller == "" {
		return transit.Grant{}
	}
	g, err := r.grants.Grant(ctx, caller, driveID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			r.logger.Warn(ctx, "grant resolution failed", "caller", caller, "drive", driveID, "err", err)
		}
		return transit.Grant{}
	}
	return transit.Grant{
		CanRead:             g.CanRead,
		CanWrite:            g.CanWrite,
		HasStorageKeyAccess: g.CanRead && g.HasStorageKey,
	}
}
