package vectorstore

import (
	"context"
	"fmt"

	"kiln/internal/kilnmodel"
)

// Open constructs the Store a memory's configuration names.
func Open(ctx context.Context, m kilnmodel.Memory) (Store, error) {
	switch m.Store {
	case kilnmodel.StoreInProcess:
		return NewInProcess(m.IndexPath, m.Dimensions)
	case kilnmodel.StoreQdrant:
		return NewQdrant(m.ExternalURL, m.Collection, m.Dimensions)
	case kilnmodel.StorePostgres:
		return NewPostgres(ctx, m.ExternalURL, m.Dimensions)
	default:
		return nil, fmt.Errorf("vectorstore: unknown store kind for memory %q", m.Name)
	}
}
