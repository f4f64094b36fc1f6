package accounts

import (
	"context"

	"pubflow/internal/domain"
	"pubflow/internal/store"
)

// Resolver is the read-only credential collaborator. Token refresh is owned
// elsewhere; this only reports the account as stored.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (domain.DestinationAccount, error)
}

type storeResolver struct{ store store.Store }

// NewStoreResolver resolves destination accounts from the shared store.
func NewStoreResolver(s store.Store) Resolver { return &storeResolver{store: s} }

func (r *storeResolver) Resolve(ctx context.Context, accountID string) (domain.DestinationAccount, error) {
	return r.store.GetAccount(ctx, accountID)
}
