package syncer

import (
	"context"
	"time"

	"github.com/pulsetrack/backend/internal/models"
)

// PageFunc consumes one fetched page of records. total is the number of
// units the whole pass covers, or a value <= 0 while still unknown.
type PageFunc func(records []models.ExternalRecord, total int) error

// Source is one provider target: a paginated, rate-limited fetch of a single
// entity type. Implementations surface rate limits as
// *errors.RateLimitedError and auth failures as CREDENTIAL_EXPIRED errors so
// the runner can tell a cooldown from a dead credential.
type Source interface {
	Provider() string
	EntityType() string

	// FetchPages streams records recorded at or after since, in fetch order,
	// invoking fn once per page. A zero since means the provider's full
	// available history. Providers that cannot filter server-side may return
	// records older than since; upsert idempotence absorbs the overlap.
	FetchPages(ctx context.Context, since time.Time, fn PageFunc) error
}
