package interfaces

import (
	"context"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
)

// Cache is the delete-by-key surface the invalidation notifier uses.
type Cache interface {
	DeleteKeys(ctx context.Context, keys ...string) error
}

// RecalculatedPublisher broadcasts a committed recalculation to read-side
// consumers. Best effort: failures are logged by the caller and swallowed.
type RecalculatedPublisher interface {
	PublishRecalculated(ctx context.Context, event domain.RecalculatedEvent) error
}
