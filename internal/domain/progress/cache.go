package progress

import (
	"context"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
)

// Cache holds confirmed record snapshots keyed by owner. Absence is never
// cached, so a freshly created record is visible on the next read.
type Cache interface {
	Get(ctx context.Context, owner identity.PublicKey) (rec *Record, hit bool, err error)
	Put(ctx context.Context, rec *Record) error
	Invalidate(ctx context.Context, owners ...identity.PublicKey) error
}
