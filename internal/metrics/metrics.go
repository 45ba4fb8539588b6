package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalAllocated atomic.Int64

var (
	// ===== Device Memory =====

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Outstanding bytes allocated per device",
	}, []string{"device"})

	EngineMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_memory_allocated_bytes",
		Help: "Outstanding bytes allocated across all devices",
	})

	AllocatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocator_failures_total",
		Help: "Allocation and free failures by device and reason",
	}, []string{"device", "reason"})

	AllocationSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_size_bytes",
		Help:    "Distribution of allocation request sizes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
	})

	// ===== KV Cache =====

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total reserved KV cache capacity in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Bytes of KV cache holding committed positions",
	})

	KVCacheSlotsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_slots_active",
		Help: "Live per-sequence KV cache slots",
	})

	KVCacheGrows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_grow_total",
		Help: "Slot growth operations (page allocations after reserve)",
	})

	KVCacheReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_release_total",
		Help: "Slot releases",
	})

	// ===== Generation =====

	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	InferenceStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_step_duration_seconds",
		Help: "Duration of one batched forward/sample iteration",
	})

	SequencesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequences_active",
		Help: "Sequences currently queued or decoding",
	})

	SequencesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequences_finished_total",
		Help: "Finished sequences by termination reason",
	}, []string{"reason"})

	// ===== Batching =====

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_size",
		Help:    "Sequences per forward-pass batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	BatchPrefillSequences = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_prefill_sequences",
		Help:    "Prefill sequences per batch",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	})

	BatchDecodeSequences = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_decode_sequences",
		Help:    "Decode sequences per batch",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	BatchAdmissionRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_admission_rejects_total",
		Help: "Admissions deferred because of memory pressure or batch limits",
	})

	// ===== Collectives =====

	CollectiveOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collective_operations_total",
		Help: "Completed collective operations by kind",
	}, []string{"op"})

	CollectiveWait = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "collective_wait_seconds",
		Help: "Time a rank spent blocked inside collective rendezvous",
	})

	CollectiveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collective_timeouts_total",
		Help: "Collectives aborted because a rank failed to arrive in time",
	})

	// ===== Topology =====

	DevicesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_devices_in_use",
		Help: "Accelerators participating in the parallel group",
	})

	TensorParallelSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_tensor_parallel_size",
		Help: "Configured tensor-parallel degree",
	})

	PipelineParallelSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pipeline_parallel_size",
		Help: "Configured pipeline-parallel degree",
	})

	// ===== Errors =====

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_errors_total",
		Help: "Engine failures by error kind",
	}, []string{"kind"})
)

// RecordAllocation tracks an allocation on a device and the process-wide total.
func RecordAllocation(deviceID int, size int64) {
	DeviceMemoryAllocated.WithLabelValues(strconv.Itoa(deviceID)).Add(float64(size))
	EngineMemoryAllocated.Set(float64(totalAllocated.Add(size)))
	AllocationSize.Observe(float64(size))
}

// RecordFree tracks a release on a device.
func RecordFree(deviceID int, size int64) {
	DeviceMemoryAllocated.WithLabelValues(strconv.Itoa(deviceID)).Sub(float64(size))
	EngineMemoryAllocated.Set(float64(totalAllocated.Add(-size)))
}

// RecordAllocatorFailure counts a failed allocate/free by reason.
func RecordAllocatorFailure(deviceID int, reason string) {
	AllocatorFailures.WithLabelValues(strconv.Itoa(deviceID), reason).Inc()
}

// TotalAllocatedBytes returns the process-wide outstanding byte count.
func TotalAllocatedBytes() int64 {
	return totalAllocated.Load()
}

// RecordKVCacheStats updates capacity/usage gauges.
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

// RecordStep records one generation-loop iteration.
func RecordStep(tokens int, d time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	InferenceStepDuration.Observe(d.Seconds())
}

// RecordBatch records batch composition for one iteration.
func RecordBatch(prefill, decode int) {
	BatchSize.Observe(float64(prefill + decode))
	BatchPrefillSequences.Observe(float64(prefill))
	BatchDecodeSequences.Observe(float64(decode))
}

// RecordCollective records a completed collective op and its wait time.
func RecordCollective(op string, wait time.Duration) {
	CollectiveOperations.WithLabelValues(op).Inc()
	CollectiveWait.Observe(wait.Seconds())
}

// RecordSequenceFinished counts a terminated sequence by reason
// ("stop_token", "max_new_tokens", "max_position", "cancelled").
func RecordSequenceFinished(reason string) {
	SequencesFinished.WithLabelValues(reason).Inc()
	SequencesActive.Dec()
}

// RecordEngineError counts an engine failure by taxonomy kind.
func RecordEngineError(kind string) {
	EngineErrors.WithLabelValues(kind).Inc()
}

// RecordTopology publishes the parallel-group layout.
func RecordTopology(devices, tp, pp int) {
	DevicesInUse.Set(float64(devices))
	TensorParallelSize.Set(float64(tp))
	PipelineParallelSize.Set(float64(pp))
}
