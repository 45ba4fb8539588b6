package device

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-arbalest/internal/logger"
	"github.com/23skdu/longbow-arbalest/internal/metrics"
)

// AllocationID indexes an outstanding allocation inside one Context.
// IDs are never reused within a context's lifetime, so a stale handle
// is always detectable.
type AllocationID uint64

// Allocation is one live buffer on a device.
type Allocation struct {
	ID     AllocationID
	Device int
	Size   int64 // bytes
	Tag    string
	Data   []float32
}

// Context owns one accelerator: its backend stream, its scratch
// workspace, and the arena of outstanding allocations. All mutation
// happens on the control goroutine bound to this device; the internal
// lock only covers brief bookkeeping, never device completion.
type Context struct {
	id      int
	backend Backend
	ceiling int64 // bytes, 0 = unlimited

	mu        sync.Mutex
	nextID    AllocationID
	live      map[AllocationID]*Allocation
	allocated int64

	workspace *Allocation
	log       *logger.Logger
}

// NewContext binds a context to device id on the given backend.
// ceiling bounds outstanding bytes; zero disables the bound.
func NewContext(id int, backend Backend, ceiling int64) *Context {
	return &Context{
		id:      id,
		backend: backend,
		ceiling: ceiling,
		nextID:  1,
		live:    make(map[AllocationID]*Allocation),
		log:     logger.Log.With(fmt.Sprintf("device%d", id)),
	}
}

func (c *Context) ID() int          { return c.id }
func (c *Context) Backend() Backend { return c.backend }

// Allocate reserves storage for elems float32 values. Fails with
// ErrOutOfMemory when the ceiling would be exceeded; the admission
// decision is made against outstanding bytes, not peak.
func (c *Context) Allocate(elems int, tag string) (*Allocation, error) {
	if elems < 0 {
		return nil, fmt.Errorf("device %d: negative allocation of %d elements", c.id, elems)
	}
	size := int64(elems) * 4

	c.mu.Lock()
	if c.ceiling > 0 && c.allocated+size > c.ceiling {
		c.mu.Unlock()
		metrics.RecordAllocatorFailure(c.id, "oom")
		return nil, fmt.Errorf("device %d: %w: %d bytes requested, %d of %d in use (tag %s)",
			c.id, ErrOutOfMemory, size, c.allocated, c.ceiling, tag)
	}
	id := c.nextID
	c.nextID++
	c.allocated += size
	c.mu.Unlock()

	data, err := c.backend.NewBuffer(elems)
	if err != nil {
		c.mu.Lock()
		c.allocated -= size
		c.mu.Unlock()
		metrics.RecordAllocatorFailure(c.id, "backend")
		return nil, fmt.Errorf("device %d: %w: %v", c.id, ErrOutOfMemory, err)
	}

	a := &Allocation{ID: id, Device: c.id, Size: size, Tag: tag, Data: data}
	c.mu.Lock()
	c.live[id] = a
	c.mu.Unlock()

	metrics.RecordAllocation(c.id, size)
	return a, nil
}

// Free releases an allocation. The first call erases the bookkeeping;
// any later call with the same handle fails with ErrInvalidHandle.
func (c *Context) Free(a *Allocation) error {
	if a == nil {
		metrics.RecordAllocatorFailure(c.id, "invalid_handle")
		return fmt.Errorf("device %d: %w: nil allocation", c.id, ErrInvalidHandle)
	}

	c.mu.Lock()
	live, ok := c.live[a.ID]
	if !ok || live != a {
		c.mu.Unlock()
		metrics.RecordAllocatorFailure(c.id, "invalid_handle")
		return fmt.Errorf("device %d: %w: allocation %d (tag %s) not outstanding", c.id, ErrInvalidHandle, a.ID, a.Tag)
	}
	delete(c.live, a.ID)
	c.allocated -= a.Size
	c.mu.Unlock()

	c.backend.ReleaseBuffer(a.Data)
	a.Data = nil
	metrics.RecordFree(c.id, a.Size)
	return nil
}

// ReserveWorkspace sets up the per-device scratch region used by the
// forward pass. Safe to call once per context.
func (c *Context) ReserveWorkspace(elems int) error {
	if c.workspace != nil {
		return fmt.Errorf("device %d: workspace already reserved", c.id)
	}
	ws, err := c.Allocate(elems, "workspace")
	if err != nil {
		return err
	}
	c.workspace = ws
	return nil
}

func (c *Context) Workspace() *Allocation { return c.workspace }

// AllocatedBytes reports outstanding bytes on this device.
func (c *Context) AllocatedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Outstanding reports the number of live allocations.
func (c *Context) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// FreeBudget reports bytes left under the ceiling, or -1 if unbounded.
func (c *Context) FreeBudget() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ceiling == 0 {
		return -1
	}
	return c.ceiling - c.allocated
}

// Cleanup releases every outstanding allocation exactly once and
// resets the counters. After Cleanup the context holds no memory and
// AllocatedBytes is zero.
func (c *Context) Cleanup() {
	c.mu.Lock()
	remaining := make([]*Allocation, 0, len(c.live))
	for _, a := range c.live {
		remaining = append(remaining, a)
	}
	c.live = make(map[AllocationID]*Allocation)
	c.allocated = 0
	c.workspace = nil
	c.mu.Unlock()

	var bytes int64
	for _, a := range remaining {
		c.backend.ReleaseBuffer(a.Data)
		a.Data = nil
		bytes += a.Size
		metrics.RecordFree(c.id, a.Size)
	}
	if len(remaining) > 0 {
		c.log.Debug("released outstanding allocations", "count", len(remaining), "bytes", bytes)
	}
}
