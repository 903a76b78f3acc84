package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/metrics"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// ProcessBatch is the per-invocation entry point: it extracts consumption
// deltas and rolls them into usage snapshots, attempts one proactive refill
// and shard-growth decision per bucket touched this batch, and archives any
// audit records the stream reports as expired (REMOVE events). No stage
// aborts the batch. Snapshot failures are recorded against the index of the
// record that produced them, and an archival failure against every REMOVE
// record, so a stream runtime can retry exactly the indices
// BatchResult.Failed names; refill and shard-growth failures are logged and
// not attributed to any record.
func ProcessBatch(ctx context.Context, repo store.Repository, uploader Uploader, namespace string, records []Record, opts Options, requestID string, now time.Time, logger *slog.Logger) BatchResult {
	if logger == nil {
		logger = slog.Default()
	}
	failed := map[int]error{}
	result := BatchResult{}

	for idx, rec := range records {
		deltas := ExtractDeltas(rec)
		for _, delta := range deltas {
			applied, err := applySnapshots(ctx, repo, namespace, delta, opts, now)
			result.SnapshotsUpdated += applied
			if err != nil {
				failed[idx] = err
				logger.Warn("snapshot update failed",
					"namespace", namespace, "entity_id", delta.EntityID, "resource", delta.Resource,
					"limit_name", delta.LimitName, "error", err)
			}
		}
	}

	states := planBucketStates(records)

	refillsApplied, rerr := applyRefills(ctx, repo, namespace, states)
	result.RefillsApplied = refillsApplied
	if rerr != nil {
		logger.Warn("proactive refill failed", "namespace", namespace, "error", rerr)
	}

	shardsCreated, serr := applyShardGrowths(ctx, repo, namespace, states, opts.shardThreshold(), now.UnixMilli())
	result.ShardsCreated = shardsCreated
	for i := 0; i < shardsCreated; i++ {
		metrics.RecordShardCreated()
	}
	if serr != nil {
		logger.Warn("shard growth failed", "namespace", namespace, "error", serr)
	}

	archived, aerr := archiveExpiredAudits(ctx, uploader, records, opts, requestID, now)
	result.ArchivedRecords = archived
	if aerr != nil {
		logger.Error("audit archival failed", "namespace", namespace, "error", aerr)
		for idx, rec := range records {
			if rec.EventName == EventRemove {
				if _, already := failed[idx]; !already {
					failed[idx] = fmt.Errorf("audit archival: %w", aerr)
				}
			}
		}
	}

	result.Succeeded = len(records) - len(failed)
	result.Failed = make([]ItemFailure, 0, len(failed))
	for idx, err := range failed {
		result.Failed = append(result.Failed, ItemFailure{RecordIndex: idx, Err: err})
	}
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].RecordIndex < result.Failed[j].RecordIndex })

	metrics.RecordBatchOutcome("succeeded", result.Succeeded)
	metrics.RecordBatchOutcome("failed", len(result.Failed))
	metrics.RecordBatchOutcome("archived", result.ArchivedRecords)

	return result
}
