// Package dedup remembers recently seen (tenant, event) pairs so platform
// redeliveries are handled at most once per window.
package dedup

import (
	"context"
	"time"
)

// DefaultWindow is how long an event identifier counts as recently seen.
const DefaultWindow = 5 * time.Minute

// Cache is a time-windowed record of event identifiers per tenant.
//
// TryRecord is the only mutation: it atomically inserts the key when absent
// (or expired) and reports whether this call was the first. Concurrent calls
// for the same key never both report first. Empty event identifiers are never
// deduplicated.
type Cache interface {
	SeenRecently(ctx context.Context, tenantID, eventID string, now time.Time) (bool, error)
	TryRecord(ctx context.Context, tenantID, eventID string, now time.Time) (bool, error)
}
