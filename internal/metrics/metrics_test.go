package metrics

import (
	"testing"
	"time"
)

func TestAllocationAccounting(t *testing.T) {
	before := TotalAllocatedBytes()

	RecordAllocation(0, 4096)
	RecordAllocation(1, 8192)
	if got := TotalAllocatedBytes(); got != before+12288 {
		t.Errorf("expected total %d, got %d", before+12288, got)
	}

	RecordFree(0, 4096)
	RecordFree(1, 8192)
	if got := TotalAllocatedBytes(); got != before {
		t.Errorf("expected total back to %d, got %d", before, got)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordAllocatorFailure(0, "oom")
	RecordKVCacheStats(1<<20, 1<<10)
	RecordStep(4, 20*time.Millisecond)
	RecordBatch(2, 6)
	RecordCollective("all_reduce", time.Millisecond)
	RecordEngineError("out_of_memory")
	RecordTopology(2, 2, 1)
}

func TestRecordSequenceLifecycle(t *testing.T) {
	SequencesActive.Inc()
	RecordSequenceFinished("stop_token")
	SequencesActive.Inc()
	RecordSequenceFinished("max_new_tokens")
}
