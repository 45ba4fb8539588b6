package config

import (
	"fmt"
	"time"
)

// Model describes the loaded model architecture. Immutable once the
// engine has loaded weights against it.
type Model struct {
	VocabSize        int
	HiddenSize       int
	IntermediateSize int
	Layers           int
	Heads            int
	KVHeads          int
	MaxPositions     int
	NormEps          float32
	RopeTheta        float32

	// StopTokens lists the model's end-of-sequence IDs. Requests that
	// set their own stop tokens override these.
	StopTokens []int
}

// HeadDim is HiddenSize / Heads. Validate guarantees it divides evenly.
func (m *Model) HeadDim() int {
	return m.HiddenSize / m.Heads
}

func (m *Model) Validate() error {
	if m.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", m.VocabSize)
	}
	if m.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", m.HiddenSize)
	}
	if m.IntermediateSize <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", m.IntermediateSize)
	}
	if m.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", m.Layers)
	}
	if m.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", m.Heads)
	}
	if m.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", m.KVHeads)
	}
	if m.KVHeads > m.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", m.KVHeads, m.Heads)
	}
	if m.Heads%m.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of kv_heads (%d)", m.Heads, m.KVHeads)
	}
	if m.HiddenSize%m.Heads != 0 {
		return fmt.Errorf("hidden_size (%d) not divisible by heads (%d)", m.HiddenSize, m.Heads)
	}
	if m.MaxPositions <= 0 {
		return fmt.Errorf("invalid max_positions: %d (must be positive)", m.MaxPositions)
	}
	if m.NormEps <= 0 {
		return fmt.Errorf("invalid norm_eps: %e (must be positive)", m.NormEps)
	}
	if m.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", m.RopeTheta)
	}
	return nil
}

// Engine describes the serving topology and resource limits.
type Engine struct {
	// Backend selects the compute backend. Empty means host.
	Backend string

	Devices              int
	TensorParallelSize   int
	PipelineParallelSize int

	// DeviceMemoryCeiling bounds outstanding bytes per device. Zero
	// means unlimited.
	DeviceMemoryCeiling int64

	MaxBatchSize int

	// KVPageSize is the growth granularity of KV cache slots, in
	// positions.
	KVPageSize int

	// CollectiveTimeout bounds every cross-rank rendezvous. A rank
	// missing the deadline poisons the whole group.
	CollectiveTimeout time.Duration
}

func (e *Engine) Validate(m *Model) error {
	if e.Devices <= 0 {
		return fmt.Errorf("invalid devices: %d (must be positive)", e.Devices)
	}
	if e.TensorParallelSize <= 0 {
		return fmt.Errorf("invalid tensor_parallel_size: %d (must be positive)", e.TensorParallelSize)
	}
	if e.PipelineParallelSize <= 0 {
		return fmt.Errorf("invalid pipeline_parallel_size: %d (must be positive)", e.PipelineParallelSize)
	}
	if e.Devices != e.TensorParallelSize*e.PipelineParallelSize {
		return fmt.Errorf("devices (%d) != tensor_parallel (%d) * pipeline_parallel (%d)",
			e.Devices, e.TensorParallelSize, e.PipelineParallelSize)
	}
	if m.Heads%e.TensorParallelSize != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of tensor_parallel_size (%d)", m.Heads, e.TensorParallelSize)
	}
	if m.KVHeads%e.TensorParallelSize != 0 {
		return fmt.Errorf("kv_heads (%d) must be a multiple of tensor_parallel_size (%d)", m.KVHeads, e.TensorParallelSize)
	}
	if m.Layers%e.PipelineParallelSize != 0 {
		return fmt.Errorf("layers (%d) must be a multiple of pipeline_parallel_size (%d)", m.Layers, e.PipelineParallelSize)
	}
	if e.DeviceMemoryCeiling < 0 {
		return fmt.Errorf("invalid device_memory_ceiling: %d (must be non-negative)", e.DeviceMemoryCeiling)
	}
	if e.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", e.MaxBatchSize)
	}
	if e.KVPageSize <= 0 {
		return fmt.Errorf("invalid kv_page_size: %d (must be positive)", e.KVPageSize)
	}
	if e.CollectiveTimeout <= 0 {
		return fmt.Errorf("invalid collective_timeout: %s (must be positive)", e.CollectiveTimeout)
	}
	return nil
}

// DefaultModel mirrors the 72B-class deployment the engine was sized
// for. Tests swap in much smaller configs.
func DefaultModel() Model {
	return Model{
		VocabSize:        152064,
		HiddenSize:       8192,
		IntermediateSize: 29568,
		Layers:           80,
		Heads:            64,
		KVHeads:          8,
		MaxPositions:     32768,
		NormEps:          1e-6,
		RopeTheta:        1000000.0,
	}
}

func DefaultEngine() Engine {
	return Engine{
		Backend:              "host",
		Devices:              1,
		TensorParallelSize:   1,
		PipelineParallelSize: 1,
		MaxBatchSize:         32,
		KVPageSize:           64,
		CollectiveTimeout:    30 * time.Second,
	}
}
