package device

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the
	// device memory ceiling.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrInvalidHandle is returned when freeing an allocation that is
	// not outstanding. It indicates a caller bug, not a transient
	// condition.
	ErrInvalidHandle = errors.New("device: invalid allocation handle")

	// ErrBackendUnavailable is returned by Open for backends this
	// build cannot drive.
	ErrBackendUnavailable = errors.New("device: backend unavailable")
)

// Backend is the capability interface between the engine and whatever
// holds the actual buffers. The allocator and the forward pass depend
// only on this; the implementation is selected once at initialization.
type Backend interface {
	Name() string

	// NewBuffer returns zeroed storage for n float32 elements.
	NewBuffer(n int) ([]float32, error)

	// ReleaseBuffer returns storage obtained from NewBuffer.
	ReleaseBuffer(buf []float32)

	// Synchronize blocks until all work issued against this backend's
	// stream has completed. Buffers handed to the host are valid only
	// after Synchronize returns.
	Synchronize()
}

// HostBackend keeps every buffer in process memory. It is the
// reference implementation and the one exercised by tests; kernel
// issuance is synchronous so Synchronize is a no-op.
type HostBackend struct{}

func NewHostBackend() *HostBackend { return &HostBackend{} }

func (b *HostBackend) Name() string { return "host" }

func (b *HostBackend) NewBuffer(n int) ([]float32, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative buffer size %d", n)
	}
	return make([]float32, n), nil
}

func (b *HostBackend) ReleaseBuffer(buf []float32) {
	// Host buffers are reclaimed by the garbage collector once the
	// allocator drops its reference.
}

func (b *HostBackend) Synchronize() {}

// Open selects a backend by kind. Accelerator kinds resolve only in
// builds that link the corresponding runtime.
func Open(kind string) (Backend, error) {
	switch kind {
	case "host", "cpu", "":
		return NewHostBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q (built without accelerator support)", ErrBackendUnavailable, kind)
	}
}
