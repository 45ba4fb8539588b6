package weights

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// CheckpointSchema is the Arrow schema checkpoints travel in, whether
// over IPC files or Flight: one row per tensor with its name, shape
// and flattened row-major data.
func CheckpointSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// TensorsFromRecord decodes one checkpoint record batch.
func TensorsFromRecord(rec arrow.Record) ([]*Tensor, error) {
	if !rec.Schema().Equal(CheckpointSchema()) {
		return nil, fmt.Errorf("weights: unexpected checkpoint schema %v", rec.Schema())
	}

	names := rec.Column(0).(*array.String)
	shapes := rec.Column(1).(*array.List)
	datas := rec.Column(2).(*array.List)
	shapeVals := shapes.ListValues().(*array.Int64)
	dataVals := datas.ListValues().(*array.Float32)

	out := make([]*Tensor, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		t := &Tensor{Name: names.Value(i)}

		so, se := shapes.ValueOffsets(i)
		for j := so; j < se; j++ {
			t.Shape = append(t.Shape, int(shapeVals.Value(int(j))))
		}

		do, de := datas.ValueOffsets(i)
		t.Data = make([]float32, de-do)
		copy(t.Data, dataVals.Float32Values()[do:de])
		out = append(out, t)
	}
	return out, nil
}

// RecordFromTensors builds one checkpoint record batch. The caller
// owns the returned record and must Release it.
func RecordFromTensors(mem memory.Allocator, tensors []*Tensor) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, CheckpointSchema())
	defer b.Release()

	nameB := b.Field(0).(*array.StringBuilder)
	shapeB := b.Field(1).(*array.ListBuilder)
	shapeV := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := b.Field(2).(*array.ListBuilder)
	dataV := dataB.ValueBuilder().(*array.Float32Builder)

	for _, t := range tensors {
		if len(t.Data) != t.Elems() {
			return nil, fmt.Errorf("%w: %s has %d elements, shape %v implies %d", ErrShapeMismatch, t.Name, len(t.Data), t.Shape, t.Elems())
		}
		nameB.Append(t.Name)
		shapeB.Append(true)
		for _, d := range t.Shape {
			shapeV.Append(int64(d))
		}
		dataB.Append(true)
		dataV.AppendValues(t.Data, nil)
	}
	return b.NewRecord(), nil
}

// WriteCheckpoint streams tensors to w as Arrow IPC.
func WriteCheckpoint(w io.Writer, tensors []*Tensor) error {
	mem := memory.NewGoAllocator()

	rec, err := RecordFromTensors(mem, tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(CheckpointSchema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("weights: write checkpoint: %w", err)
	}
	return wr.Close()
}

// ReadCheckpoint decodes an Arrow IPC tensor stream into host memory.
// The result feeds Store.Load, which owns shape validation against
// the model plan.
func ReadCheckpoint(r io.Reader) (map[string]*Tensor, error) {
	mem := memory.NewGoAllocator()
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("weights: open checkpoint: %w", err)
	}
	defer rdr.Release()

	out := make(map[string]*Tensor)
	for rdr.Next() {
		tensors, err := TensorsFromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		for _, t := range tensors {
			if _, dup := out[t.Name]; dup {
				return nil, fmt.Errorf("weights: duplicate tensor %s in checkpoint", t.Name)
			}
			out[t.Name] = t
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("weights: read checkpoint: %w", err)
	}
	return out, nil
}
