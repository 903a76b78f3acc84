package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCacheLookupIncrementsCorrectLabel(t *testing.T) {
	before := testutil.ToFloat64(ResolverCacheLookups.WithLabelValues("entity", "hit"))
	RecordCacheLookup("entity", "hit")
	after := testutil.ToFloat64(ResolverCacheLookups.WithLabelValues("entity", "hit"))
	if after != before+1 {
		t.Fatalf("cache lookup counter = %v, want %v", after, before+1)
	}
}

func TestRecordBatchOutcomeIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(AggregatorBatchRecords.WithLabelValues("archived"))
	RecordBatchOutcome("archived", 0)
	after := testutil.ToFloat64(AggregatorBatchRecords.WithLabelValues("archived"))
	if after != before {
		t.Fatalf("zero-count RecordBatchOutcome should not increment, got delta %v", after-before)
	}
	RecordBatchOutcome("archived", 3)
	after = testutil.ToFloat64(AggregatorBatchRecords.WithLabelValues("archived"))
	if after != before+3 {
		t.Fatalf("batch records counter = %v, want %v", after, before+3)
	}
}

func TestRecordShardCreated(t *testing.T) {
	before := testutil.ToFloat64(AggregatorShardsCreated)
	RecordShardCreated()
	after := testutil.ToFloat64(AggregatorShardsCreated)
	if after != before+1 {
		t.Fatalf("shards created counter = %v, want %v", after, before+1)
	}
}

func TestRecordStoreOperationRecordsErrorKindOnlyWhenSet(t *testing.T) {
	before := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("get_entity", "not_found"))
	RecordStoreOperation("get_entity", 0.002, "")
	RecordStoreOperation("get_entity", 0.003, "not_found")
	after := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("get_entity", "not_found"))
	if after != before+1 {
		t.Fatalf("store errors counter = %v, want %v", after, before+1)
	}
}
