// Package registry holds the authoritative, low-latency copy of every live
// session, indexed by token and by identity key.
//
// Implementations store and return deep copies: callers may mutate what they
// receive without affecting the registry until they Put it back. Lookups do
// not apply the resumability predicate; that is the lifecycle manager's job.
package registry

import (
	"context"
	"time"

	"github.com/retailassist/session-server-go/internal/model"
)

type Registry interface {
	// GetByToken returns nil, nil on a miss.
	GetByToken(ctx context.Context, token string) (*model.Session, error)
	// GetByIdentity resolves one identity key (see model.Identity.Keys).
	GetByIdentity(ctx context.Context, identityKey string) (*model.Session, error)
	// Put stores the session. Active sessions are indexed under all of their
	// identity keys; any other status drops the identity entries that still
	// point at this token, while the token entry stays readable.
	Put(ctx context.Context, s *model.Session) error
	// Purge reclaims entries whose expiry is before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
