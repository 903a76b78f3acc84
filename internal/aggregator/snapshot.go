package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// applySnapshots rolls one ConsumptionDelta into every configured window,
// converting milli-tokens to whole tokens since snapshots are a human-facing
// rollup, not bucket-arithmetic input. Each window is an independent upsert;
// a failure on one window does not prevent the others from being attempted.
func applySnapshots(ctx context.Context, repo store.Repository, namespace string, delta ConsumptionDelta, opts Options, now time.Time) (applied int, firstErr error) {
	for _, window := range opts.windows() {
		windowStart, err := WindowKey(delta.TimestampMs, window)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d := store.UsageSnapshotDelta{
			EntityID:    delta.EntityID,
			Resource:    delta.Resource,
			Window:      window,
			WindowStart: windowStart,
			LimitName:   delta.LimitName,
			TokensDelta: delta.TokensDelta / 1000,
			TTL:         now.Add(opts.snapshotTTL()),
		}
		if err := repo.UpsertUsageSnapshot(ctx, namespace, d); err != nil {
			wrapped := fmt.Errorf("aggregator: updating %s snapshot for %s/%s/%s: %w", window, delta.EntityID, delta.Resource, delta.LimitName, err)
			if firstErr == nil {
				firstErr = wrapped
			}
			continue
		}
		applied++
	}
	return applied, firstErr
}
