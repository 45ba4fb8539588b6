// Package kvcache owns the per-sequence attention key/value buffers.
// Slots grow in fixed-size pages instead of pre-allocating the
// worst-case sequence length, so short generations stay cheap. All
// buffers come from the owning device's allocator and are returned to
// it on release.
package kvcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-arbalest/internal/device"
	"github.com/23skdu/longbow-arbalest/internal/metrics"
)

// ErrCapacityExceeded is returned by Append when a slot's committed
// frontier has reached its allocated length. The caller must Grow
// first; appending never overwrites committed positions.
var ErrCapacityExceeded = errors.New("kvcache: capacity exceeded")

// Slot holds the key/value buffers for one sequence across every layer
// this rank owns. Shape per layer: [allocated, kvHeads*headDim],
// row-major by position.
type Slot struct {
	seqID    uint64
	kvDim    int
	layers   int
	capacity int   // allocated positions
	lengths  []int // committed frontier per layer
	bytes    int64 // device bytes held across layers

	keys   []*device.Allocation
	values []*device.Allocation

	released bool
}

// SequenceID reports the owning sequence.
func (s *Slot) SequenceID() uint64 { return s.seqID }

// AllocatedLength reports positions the slot can hold without growing.
func (s *Slot) AllocatedLength() int { return s.capacity }

// CurrentLength reports positions committed in every layer.
func (s *Slot) CurrentLength() int {
	cur := s.lengths[0]
	for _, l := range s.lengths[1:] {
		if l < cur {
			cur = l
		}
	}
	return cur
}

// LayerLength reports the committed frontier of one layer. Within a
// forward pass the per-layer frontiers diverge by at most the batch of
// positions being written; they re-converge at iteration boundaries.
func (s *Slot) LayerLength(layer int) int { return s.lengths[layer] }

// Keys returns the committed key rows of a layer as a flat
// [LayerLength, kvDim] slice.
func (s *Slot) Keys(layer int) []float32 {
	return s.keys[layer].Data[:s.lengths[layer]*s.kvDim]
}

// Values returns the committed value rows of a layer.
func (s *Slot) Values(layer int) []float32 {
	return s.values[layer].Data[:s.lengths[layer]*s.kvDim]
}

// Manager allocates, grows and releases slots for the device rank that
// owns it. Mutation happens only on that rank's control goroutine, but
// ActiveSlots and CapacityBytes are polled from other goroutines, so
// the slot map and byte counters sit behind a mutex.
type Manager struct {
	ctx      *device.Context
	layers   int
	kvDim    int
	pageSize int
	maxLen   int

	mu            sync.Mutex
	slots         map[uint64]*Slot
	capacityBytes int64
	usedBytes     int64
}

// NewManager builds a manager for layers-many layers of kvHeads heads
// with headDim dimensions each. pageSize is the growth granularity in
// positions; maxLen caps any slot at the model's position limit.
func NewManager(ctx *device.Context, layers, kvHeads, headDim, pageSize, maxLen int) *Manager {
	return &Manager{
		ctx:      ctx,
		layers:   layers,
		kvDim:    kvHeads * headDim,
		pageSize: pageSize,
		maxLen:   maxLen,
		slots:    make(map[uint64]*Slot),
	}
}

func (m *Manager) pagesFor(n int) int {
	pages := (n + m.pageSize - 1) / m.pageSize
	if pages == 0 {
		pages = 1
	}
	return pages
}

// Reserve allocates a slot sized for at least initial positions,
// rounded up to whole pages and clamped to the position limit.
// Allocation failures propagate from the device allocator.
func (m *Manager) Reserve(seqID uint64, initial int) (*Slot, error) {
	m.mu.Lock()
	_, taken := m.slots[seqID]
	m.mu.Unlock()
	if taken {
		return nil, fmt.Errorf("kvcache: sequence %d already has a slot", seqID)
	}
	capacity := m.pagesFor(initial) * m.pageSize
	if capacity > m.maxLen {
		capacity = m.maxLen
	}
	if initial > capacity {
		return nil, fmt.Errorf("kvcache: initial length %d exceeds position limit %d", initial, m.maxLen)
	}

	s := &Slot{
		seqID:    seqID,
		kvDim:    m.kvDim,
		layers:   m.layers,
		capacity: capacity,
		lengths:  make([]int, m.layers),
		keys:     make([]*device.Allocation, m.layers),
		values:   make([]*device.Allocation, m.layers),
	}

	elems := capacity * m.kvDim
	for l := 0; l < m.layers; l++ {
		k, err := m.ctx.Allocate(elems, "kvcache")
		if err != nil {
			m.releaseBuffers(s)
			return nil, err
		}
		s.keys[l] = k

		v, err := m.ctx.Allocate(elems, "kvcache")
		if err != nil {
			m.releaseBuffers(s)
			return nil, err
		}
		s.values[l] = v
	}

	s.bytes = int64(m.layers*2*elems) * 4

	m.mu.Lock()
	m.slots[seqID] = s
	m.capacityBytes += s.bytes
	m.mu.Unlock()
	metrics.KVCacheSlotsActive.Inc()
	m.publishStats()
	return s, nil
}

// Append commits one key/value row at the layer's frontier and
// advances it. The caller must have grown the slot first if full.
func (m *Manager) Append(s *Slot, layer int, key, value []float32) error {
	if s.released {
		return fmt.Errorf("kvcache: append to released slot %d", s.seqID)
	}
	if layer < 0 || layer >= s.layers {
		return fmt.Errorf("kvcache: invalid layer %d", layer)
	}
	if len(key) != s.kvDim || len(value) != s.kvDim {
		return fmt.Errorf("kvcache: key/value dim %d/%d, want %d", len(key), len(value), s.kvDim)
	}
	pos := s.lengths[layer]
	if pos == s.capacity {
		return fmt.Errorf("kvcache: slot %d layer %d: %w (%d positions)", s.seqID, layer, ErrCapacityExceeded, s.capacity)
	}

	copy(s.keys[layer].Data[pos*s.kvDim:(pos+1)*s.kvDim], key)
	copy(s.values[layer].Data[pos*s.kvDim:(pos+1)*s.kvDim], value)
	s.lengths[layer] = pos + 1

	if layer == s.layers-1 {
		m.mu.Lock()
		m.usedBytes += int64(2*s.kvDim*s.layers) * 4
		m.mu.Unlock()
		m.publishStats()
	}
	return nil
}

// Grow reallocates a slot with additional positions (rounded up to
// whole pages) and copies the committed content forward. Cost scales
// with the committed length.
func (m *Manager) Grow(s *Slot, additional int) error {
	if s.released {
		return fmt.Errorf("kvcache: grow on released slot %d", s.seqID)
	}
	if additional <= 0 {
		return nil
	}
	newCap := s.capacity + m.pagesFor(additional)*m.pageSize
	if newCap > m.maxLen {
		newCap = m.maxLen
	}
	if newCap <= s.capacity {
		return fmt.Errorf("kvcache: slot %d at position limit %d: %w", s.seqID, m.maxLen, ErrCapacityExceeded)
	}

	elems := newCap * s.kvDim
	for l := 0; l < s.layers; l++ {
		if err := m.growBuffer(s, &s.keys[l], elems, s.lengths[l]); err != nil {
			return err
		}
		if err := m.growBuffer(s, &s.values[l], elems, s.lengths[l]); err != nil {
			return err
		}
	}

	s.capacity = newCap
	metrics.KVCacheGrows.Inc()
	m.publishStats()
	return nil
}

// growBuffer swaps one buffer for a larger one, copying the committed
// rows forward. Byte counters move with each swap, so a failure
// partway through a multi-layer grow leaves the accounting exact; a
// retry skips buffers that already reached the target size.
func (m *Manager) growBuffer(s *Slot, buf **device.Allocation, elems, committed int) error {
	old := *buf
	if old.Size >= int64(elems)*4 {
		return nil
	}
	na, err := m.ctx.Allocate(elems, "kvcache")
	if err != nil {
		return err
	}
	copy(na.Data, old.Data[:committed*s.kvDim])
	if err := m.ctx.Free(old); err != nil {
		return err
	}
	*buf = na

	delta := na.Size - old.Size
	s.bytes += delta
	m.mu.Lock()
	m.capacityBytes += delta
	m.mu.Unlock()
	return nil
}

// EnsureCapacity grows the slot until it can hold length positions.
func (m *Manager) EnsureCapacity(s *Slot, length int) error {
	if length > m.maxLen {
		return fmt.Errorf("kvcache: length %d beyond position limit %d: %w", length, m.maxLen, ErrCapacityExceeded)
	}
	if length <= s.capacity {
		return nil
	}
	return m.Grow(s, length-s.capacity)
}

// Release frees every per-layer buffer of a slot exactly once.
func (m *Manager) Release(s *Slot) error {
	if s == nil || s.released {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.slots[s.seqID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("kvcache: slot %d not managed", s.seqID)
	}
	delete(m.slots, s.seqID)
	m.capacityBytes -= s.bytes
	m.usedBytes -= int64(s.CurrentLength()*2*s.kvDim*s.layers) * 4
	m.mu.Unlock()

	if err := m.releaseBuffers(s); err != nil {
		return err
	}
	metrics.KVCacheSlotsActive.Dec()
	metrics.KVCacheReleases.Inc()
	m.publishStats()
	return nil
}

func (m *Manager) releaseBuffers(s *Slot) error {
	var firstErr error
	for l := 0; l < s.layers; l++ {
		if s.keys[l] != nil {
			if err := m.ctx.Free(s.keys[l]); err != nil && firstErr == nil {
				firstErr = err
			}
			s.keys[l] = nil
		}
		if s.values[l] != nil {
			if err := m.ctx.Free(s.values[l]); err != nil && firstErr == nil {
				firstErr = err
			}
			s.values[l] = nil
		}
	}
	s.released = true
	return firstErr
}

func (m *Manager) publishStats() {
	m.mu.Lock()
	capacity, used := m.capacityBytes, m.usedBytes
	m.mu.Unlock()
	metrics.RecordKVCacheStats(capacity, used)
}

// ActiveSlots reports live slots. Safe to call from any goroutine.
func (m *Manager) ActiveSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// CapacityBytes reports reserved cache bytes across live slots. Safe
// to call from any goroutine.
func (m *Manager) CapacityBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacityBytes
}

// BytesFor estimates the cache bytes a sequence of the given length
// would reserve, for admission decisions.
func (m *Manager) BytesFor(length int) int64 {
	capacity := m.pagesFor(length) * m.pageSize
	if capacity > m.maxLen {
		capacity = m.maxLen
	}
	return int64(m.layers*2*capacity*m.kvDim) * 4
}
