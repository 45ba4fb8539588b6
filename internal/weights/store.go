// Package weights holds the device-resident model parameters for one
// rank. Tensors are declared up front with their full shapes and a
// shard axis; Load validates incoming data against the declaration,
// cuts out this rank's shard and pins it on the device. The store is
// immutable after Load.
package weights

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/device"
	"github.com/23skdu/longbow-arbalest/internal/logger"
)

var (
	// ErrShapeMismatch is returned when a tensor's data does not match
	// its declared shape, or a shard axis does not divide evenly.
	ErrShapeMismatch = errors.New("weights: shape mismatch")
	// ErrMissingWeight is returned when a declared tensor is absent
	// from the load set, or Get names an unknown tensor.
	ErrMissingWeight = errors.New("weights: missing weight")
)

// ShardAxis selects how a tensor is split across tensor-parallel ranks.
type ShardAxis int

const (
	// Replicated tensors are copied whole to every rank.
	Replicated ShardAxis = iota
	// ShardRows splits the leading (output) dimension.
	ShardRows
	// ShardCols splits the trailing (input) dimension.
	ShardCols
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Elems returns the element count implied by the shape.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Rows and Cols treat the tensor as a 2D matrix; 1D tensors are a
// single row.
func (t *Tensor) Rows() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) Cols() int { return t.Shape[len(t.Shape)-1] }

// Spec declares one tensor the model requires: full shape plus the
// axis the tensor-parallel plan splits it on.
type Spec struct {
	Name  string
	Shape []int
	Axis  ShardAxis
}

// ModelSpecs builds the full tensor plan for a model. Projections that
// produce head- or intermediate-dimension activations are row-sharded;
// the projections that consume them are column-sharded so a single
// all-reduce restores the full activation. The embedding and output
// head are vocab-sharded; norms are replicated.
func ModelSpecs(m *config.Model) []Spec {
	headDim := m.HeadDim()
	specs := []Spec{
		{Name: "token_embd.weight", Shape: []int{m.VocabSize, m.HiddenSize}, Axis: ShardRows},
		{Name: "output_norm.weight", Shape: []int{m.HiddenSize}, Axis: Replicated},
		{Name: "output.weight", Shape: []int{m.VocabSize, m.HiddenSize}, Axis: ShardRows},
	}
	for i := 0; i < m.Layers; i++ {
		p := fmt.Sprintf("blk.%d.", i)
		specs = append(specs,
			Spec{Name: p + "attn_norm.weight", Shape: []int{m.HiddenSize}, Axis: Replicated},
			Spec{Name: p + "attn_q.weight", Shape: []int{m.Heads * headDim, m.HiddenSize}, Axis: ShardRows},
			Spec{Name: p + "attn_k.weight", Shape: []int{m.KVHeads * headDim, m.HiddenSize}, Axis: ShardRows},
			Spec{Name: p + "attn_v.weight", Shape: []int{m.KVHeads * headDim, m.HiddenSize}, Axis: ShardRows},
			Spec{Name: p + "attn_output.weight", Shape: []int{m.HiddenSize, m.Heads * headDim}, Axis: ShardCols},
			Spec{Name: p + "ffn_norm.weight", Shape: []int{m.HiddenSize}, Axis: Replicated},
			Spec{Name: p + "ffn_gate.weight", Shape: []int{m.IntermediateSize, m.HiddenSize}, Axis: ShardRows},
			Spec{Name: p + "ffn_up.weight", Shape: []int{m.IntermediateSize, m.HiddenSize}, Axis: ShardRows},
			Spec{Name: p + "ffn_down.weight", Shape: []int{m.HiddenSize, m.IntermediateSize}, Axis: ShardCols},
		)
	}
	return specs
}

// Store is one rank's view of the model parameters.
type Store struct {
	ctx    *device.Context
	rank   int
	tpSize int

	specs   map[string]Spec
	tensors map[string]*Tensor
	allocs  map[string]*device.Allocation
	loaded  bool

	log *logger.Logger
}

// NewStore builds an empty store for a rank of a tensor-parallel group.
func NewStore(ctx *device.Context, rank, tpSize int) *Store {
	return &Store{
		ctx:     ctx,
		rank:    rank,
		tpSize:  tpSize,
		specs:   make(map[string]Spec),
		tensors: make(map[string]*Tensor),
		allocs:  make(map[string]*device.Allocation),
		log:     logger.Log.With("weights"),
	}
}

// Load validates every declared tensor against the incoming set, cuts
// this rank's shard and pins it on the device. Either every tensor
// loads or none does.
func (s *Store) Load(specs []Spec, in map[string]*Tensor) error {
	if s.loaded {
		return errors.New("weights: store already loaded")
	}
	for _, spec := range specs {
		src, ok := in[spec.Name]
		if !ok {
			s.unloadAll()
			return fmt.Errorf("%w: %s", ErrMissingWeight, spec.Name)
		}
		if err := s.loadOne(spec, src); err != nil {
			s.unloadAll()
			return err
		}
		s.specs[spec.Name] = spec
	}
	s.loaded = true
	s.log.Info("weights loaded", "tensors", len(specs), "rank", s.rank, "bytes", s.ctx.AllocatedBytes())
	return nil
}

func (s *Store) loadOne(spec Spec, src *Tensor) error {
	if !shapeEqual(spec.Shape, src.Shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, spec.Name, src.Shape, spec.Shape)
	}
	if len(src.Data) != src.Elems() {
		return fmt.Errorf("%w: %s has %d elements, shape %v implies %d", ErrShapeMismatch, spec.Name, len(src.Data), src.Shape, src.Elems())
	}

	rows, cols := src.Rows(), src.Cols()
	var shard *Tensor
	switch spec.Axis {
	case Replicated:
		shard = &Tensor{Name: spec.Name, Shape: append([]int(nil), src.Shape...)}
	case ShardRows:
		if rows%s.tpSize != 0 {
			return fmt.Errorf("%w: %s rows %d not divisible by %d ranks", ErrShapeMismatch, spec.Name, rows, s.tpSize)
		}
		shard = &Tensor{Name: spec.Name, Shape: []int{rows / s.tpSize, cols}}
	case ShardCols:
		if cols%s.tpSize != 0 {
			return fmt.Errorf("%w: %s cols %d not divisible by %d ranks", ErrShapeMismatch, spec.Name, cols, s.tpSize)
		}
		shard = &Tensor{Name: spec.Name, Shape: []int{rows, cols / s.tpSize}}
	default:
		return fmt.Errorf("weights: %s has unknown shard axis %d", spec.Name, spec.Axis)
	}

	alloc, err := s.ctx.Allocate(shard.Elems(), "weights")
	if err != nil {
		return err
	}
	shard.Data = alloc.Data

	switch spec.Axis {
	case Replicated:
		copy(shard.Data, src.Data)
	case ShardRows:
		shardRows := rows / s.tpSize
		copy(shard.Data, src.Data[s.rank*shardRows*cols:(s.rank+1)*shardRows*cols])
	case ShardCols:
		shardCols := cols / s.tpSize
		off := s.rank * shardCols
		for r := 0; r < rows; r++ {
			copy(shard.Data[r*shardCols:(r+1)*shardCols], src.Data[r*cols+off:r*cols+off+shardCols])
		}
	}

	s.tensors[spec.Name] = shard
	s.allocs[spec.Name] = alloc
	return nil
}

// Get returns this rank's shard of a tensor.
func (s *Store) Get(name string) (*Tensor, error) {
	t, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	return t, nil
}

// Validate checks that every tensor in the plan is present with its
// expected shard shape. Used as the post-load integrity check.
func (s *Store) Validate(specs []Spec) error {
	if !s.loaded {
		return errors.New("weights: store not loaded")
	}
	for _, spec := range specs {
		t, ok := s.tensors[spec.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingWeight, spec.Name)
		}
		want := spec.Shape
		switch spec.Axis {
		case ShardRows:
			want = []int{spec.Shape[0] / s.tpSize, spec.Shape[len(spec.Shape)-1]}
		case ShardCols:
			want = []int{spec.Shape[0], spec.Shape[len(spec.Shape)-1] / s.tpSize}
		}
		if !shapeEqual(t.Shape, want) {
			return fmt.Errorf("%w: %s has shard shape %v, want %v", ErrShapeMismatch, spec.Name, t.Shape, want)
		}
	}
	return nil
}

// Loaded reports whether Load completed.
func (s *Store) Loaded() bool { return s.loaded }

// Count reports loaded tensors.
func (s *Store) Count() int { return len(s.tensors) }

// Unload frees every pinned tensor. The store may be loaded again.
func (s *Store) Unload() error {
	s.unloadAll()
	s.loaded = false
	return nil
}

func (s *Store) unloadAll() {
	for name, a := range s.allocs {
		if err := s.ctx.Free(a); err != nil {
			s.log.Warn("free failed during unload", "tensor", name, "error", err)
		}
		delete(s.allocs, name)
		delete(s.tensors, name)
		delete(s.specs, name)
	}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
