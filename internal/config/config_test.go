package config

import (
	"testing"
	"time"
)

func TestDefaultModel(t *testing.T) {
	m := DefaultModel()

	if m.VocabSize != 152064 {
		t.Errorf("expected VocabSize 152064, got %d", m.VocabSize)
	}
	if m.HiddenSize != 8192 {
		t.Errorf("expected HiddenSize 8192, got %d", m.HiddenSize)
	}
	if m.HeadDim() != 128 {
		t.Errorf("expected HeadDim 128, got %d", m.HeadDim())
	}
	if err := m.Validate(); err != nil {
		t.Errorf("default model should validate: %v", err)
	}
}

func validModel() Model {
	return Model{
		VocabSize:        32,
		HiddenSize:       64,
		IntermediateSize: 128,
		Layers:           4,
		Heads:            8,
		KVHeads:          4,
		MaxPositions:     256,
		NormEps:          1e-6,
		RopeTheta:        10000.0,
	}
}

func TestModelValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		wantErr bool
	}{
		{"valid", func(m *Model) {}, false},
		{"zero vocab", func(m *Model) { m.VocabSize = 0 }, true},
		{"zero hidden", func(m *Model) { m.HiddenSize = 0 }, true},
		{"zero layers", func(m *Model) { m.Layers = 0 }, true},
		{"kv_heads exceeds heads", func(m *Model) { m.KVHeads = 16 }, true},
		{"heads not multiple of kv_heads", func(m *Model) { m.KVHeads = 3 }, true},
		{"fractional head_dim", func(m *Model) { m.Heads = 7 }, true},
		{"zero eps", func(m *Model) { m.NormEps = 0 }, true},
		{"zero rope theta", func(m *Model) { m.RopeTheta = 0 }, true},
		{"zero max positions", func(m *Model) { m.MaxPositions = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validModel()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestEngineValidate(t *testing.T) {
	m := validModel()

	tests := []struct {
		name    string
		mutate  func(*Engine)
		wantErr bool
	}{
		{"valid single device", func(e *Engine) {}, false},
		{"valid tp2", func(e *Engine) { e.Devices = 2; e.TensorParallelSize = 2 }, false},
		{"valid tp2 pp2", func(e *Engine) {
			e.Devices = 4
			e.TensorParallelSize = 2
			e.PipelineParallelSize = 2
		}, false},
		{"devices mismatch", func(e *Engine) { e.Devices = 3; e.TensorParallelSize = 2 }, true},
		{"heads not divisible by tp", func(e *Engine) { e.Devices = 3; e.TensorParallelSize = 3 }, true},
		{"layers not divisible by pp", func(e *Engine) {
			e.Devices = 3
			e.PipelineParallelSize = 3
		}, true},
		{"zero batch size", func(e *Engine) { e.MaxBatchSize = 0 }, true},
		{"zero page size", func(e *Engine) { e.KVPageSize = 0 }, true},
		{"negative ceiling", func(e *Engine) { e.DeviceMemoryCeiling = -1 }, true},
		{"zero collective timeout", func(e *Engine) { e.CollectiveTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DefaultEngine()
			tt.mutate(&e)
			err := e.Validate(&m)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDefaultEngine(t *testing.T) {
	e := DefaultEngine()
	if e.CollectiveTimeout != 30*time.Second {
		t.Errorf("expected 30s collective timeout, got %s", e.CollectiveTimeout)
	}
	if e.KVPageSize != 64 {
		t.Errorf("expected kv page size 64, got %d", e.KVPageSize)
	}
}
