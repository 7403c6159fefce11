package recorder

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"
)

// Discover refreshes the catalog with the entities a provider currently lists.
// Entities that fail validation are logged and left out.
func Discover(ctx context.Context, source EntitySource, store EntityStore, entityType string) (int, error) {
	entities, err := source.ListEntities(ctx, entityType)
	if err != nil {
		return 0, fmt.Errorf("recorder: discover %s: %w", entityType, err)
	}
	valid := entities[:0:0]
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			logx.WithContext(ctx).Errorf("recorder: discover skip %q: %v", e.ID, err)
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	n, err := store.UpsertEntities(ctx, valid)
	if err != nil {
		return 0, fmt.Errorf("recorder: discover %s: upsert: %w", entityType, err)
	}
	logx.WithContext(ctx).Infof("recorder: discovered %d %s entities", n, entityType)
	return n, nil
}
