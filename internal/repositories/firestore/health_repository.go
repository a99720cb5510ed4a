package firestore

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
)

// HealthRepository verifies Firestore connectivity for readiness probes.
type HealthRepository struct {
	provider *pfirestore.Provider
}

func NewHealthRepository(provider *pfirestore.Provider) (*HealthRepository, error) {
	if provider == nil {
		return nil, errors.New("health repository requires firestore provider")
	}
	return &HealthRepository{provider: provider}, nil
}

// Check issues a cheap read against the backend. Any error other than a clean
// empty result marks the dependency unhealthy.
func (r *HealthRepository) Check(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return errors.New("health repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	iter := client.Collections(ctx)
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("health.check", err)
	}
	return nil
}
