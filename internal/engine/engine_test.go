package engine

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/weights"
)

func tinyModel() config.Model {
	return config.Model{
		VocabSize:        10,
		HiddenSize:       8,
		IntermediateSize: 16,
		Layers:           2,
		Heads:            2,
		KVHeads:          2,
		MaxPositions:     64,
		NormEps:          1e-6,
		RopeTheta:        10000.0,
	}
}

func testEngineConfig(devices, tp, pp int) config.Engine {
	cfg := config.DefaultEngine()
	cfg.Devices = devices
	cfg.TensorParallelSize = tp
	cfg.PipelineParallelSize = pp
	cfg.KVPageSize = 8
	cfg.CollectiveTimeout = 5 * time.Second
	return cfg
}

// testWeights builds a deterministic random checkpoint for the model.
func testWeights(m *config.Model) map[string]*weights.Tensor {
	rng := rand.New(rand.NewSource(99))
	out := make(map[string]*weights.Tensor)
	for _, spec := range weights.ModelSpecs(m) {
		n := 1
		for _, d := range spec.Shape {
			n *= d
		}
		t := &weights.Tensor{Name: spec.Name, Shape: spec.Shape, Data: make([]float32, n)}
		if len(spec.Shape) == 1 {
			for i := range t.Data {
				t.Data[i] = 1.0
			}
		} else {
			for i := range t.Data {
				t.Data[i] = (rng.Float32()*2 - 1) * 0.2
			}
		}
		out[spec.Name] = t
	}
	return out
}

func startEngine(t *testing.T, m config.Model, cfg config.Engine) *Engine {
	t.Helper()
	e, err := New(&m, &cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.LoadWeights(testWeights(&m)); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}

// collect drains a sequence's stream and returns the generated tokens
// plus the terminal event.
func collect(t *testing.T, seq *Sequence) ([]int, Token) {
	t.Helper()
	var tokens []int
	for tok := range seq.Tokens() {
		if tok.Done {
			return tokens, tok
		}
		tokens = append(tokens, tok.ID)
	}
	t.Fatal("stream closed without a terminal event")
	return nil, Token{}
}

func generate(t *testing.T, e *Engine, prompt []int, params SampleParams) ([]int, Token) {
	t.Helper()
	seq, err := e.Submit(prompt, params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return collect(t, seq)
}

func greedy(n int) SampleParams {
	return SampleParams{MaxNewTokens: n, Temperature: 0}
}

func TestGreedyGeneration(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	tokens, done := generate(t, e, []int{1, 2, 3}, greedy(5))
	if len(tokens) != 5 {
		t.Fatalf("generated %d tokens, want 5", len(tokens))
	}
	if done.Reason != FinishLength {
		t.Errorf("finish reason = %s, want %s", done.Reason, FinishLength)
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= 10 {
			t.Errorf("token %d outside vocabulary", tok)
		}
	}
}

func TestGreedyGenerationIsDeterministic(t *testing.T) {
	a := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))
	b := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	got1, _ := generate(t, a, []int{1, 2, 3}, greedy(5))
	got2, _ := generate(t, b, []int{1, 2, 3}, greedy(5))
	if len(got1) != len(got2) {
		t.Fatalf("lengths differ: %v vs %v", got1, got2)
	}
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Fatalf("position %d differs: %v vs %v", i, got1, got2)
		}
	}
}

func TestTensorParallelMatchesSingleDevice(t *testing.T) {
	single := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))
	sharded := startEngine(t, tinyModel(), testEngineConfig(2, 2, 1))

	prompt := []int{1, 2, 3}
	want, _ := generate(t, single, prompt, greedy(5))
	got, _ := generate(t, sharded, prompt, greedy(5))

	if len(got) != len(want) {
		t.Fatalf("lengths differ: tp=2 %v vs tp=1 %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d differs: tp=2 %v vs tp=1 %v", i, got, want)
		}
	}
}

func TestPipelineParallelMatchesSingleDevice(t *testing.T) {
	single := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))
	staged := startEngine(t, tinyModel(), testEngineConfig(2, 1, 2))

	prompt := []int{4, 5}
	want, _ := generate(t, single, prompt, greedy(6))
	got, _ := generate(t, staged, prompt, greedy(6))

	if len(got) != len(want) {
		t.Fatalf("lengths differ: pp=2 %v vs pp=1 %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d differs: pp=2 %v vs pp=1 %v", i, got, want)
		}
	}
}

func TestMaxNewTokensZero(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	tokens, done := generate(t, e, []int{1}, SampleParams{MaxNewTokens: 0})
	if len(tokens) != 0 {
		t.Errorf("generated %v, want nothing", tokens)
	}
	if done.Reason != FinishLength {
		t.Errorf("finish reason = %s, want %s", done.Reason, FinishLength)
	}
}

func TestStopTokenEndsGeneration(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	// Learn what greedy emits first, then stop on it.
	probe, _ := generate(t, e, []int{1, 2, 3}, greedy(1))
	if len(probe) != 1 {
		t.Fatalf("probe generated %d tokens", len(probe))
	}

	params := greedy(10)
	params.StopTokens = []int{probe[0]}
	tokens, done := generate(t, e, []int{1, 2, 3}, params)
	if len(tokens) != 1 || tokens[0] != probe[0] {
		t.Errorf("generated %v, want exactly [%d]", tokens, probe[0])
	}
	if done.Reason != FinishStopToken {
		t.Errorf("finish reason = %s, want %s", done.Reason, FinishStopToken)
	}
}

func TestGenerationStopsAtPositionLimit(t *testing.T) {
	m := tinyModel()
	m.MaxPositions = 8
	e := startEngine(t, m, testEngineConfig(1, 1, 1))

	tokens, done := generate(t, e, []int{1, 2, 3}, greedy(100))
	if len(tokens) == 0 || len(tokens)+3 > 8 {
		t.Errorf("generated %d tokens with position limit 8 and prompt 3", len(tokens))
	}
	if done.Reason != FinishLength {
		t.Errorf("finish reason = %s, want %s", done.Reason, FinishLength)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	if _, err := e.Submit(nil, greedy(5)); err == nil {
		t.Error("empty prompt accepted")
	}
	if _, err := e.Submit([]int{42}, greedy(5)); err == nil {
		t.Error("out-of-vocabulary token accepted")
	}
	long := make([]int, 64)
	if _, err := e.Submit(long, greedy(5)); err == nil {
		t.Error("prompt at position limit accepted")
	}
	if _, err := e.Submit([]int{1}, SampleParams{MaxNewTokens: -1}); err == nil {
		t.Error("negative MaxNewTokens accepted")
	}
}

func TestSubmitBeforeLoadFails(t *testing.T) {
	m := tinyModel()
	cfg := testEngineConfig(1, 1, 1)
	e, err := New(&m, &cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Submit([]int{1}, greedy(1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit = %v, want ErrNotRunning", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := e.Submit([]int{1}, greedy(1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit after Initialize = %v, want ErrNotRunning", err)
	}
	e.Shutdown()
}

func TestCancellation(t *testing.T) {
	m := tinyModel()
	m.MaxPositions = 4096
	e := startEngine(t, m, testEngineConfig(1, 1, 1))

	seq, err := e.Submit([]int{1}, greedy(4000))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	seq.Cancel()

	tokens, done := collect(t, seq)
	if done.Reason != FinishCancelled {
		t.Fatalf("finish reason = %s, want %s", done.Reason, FinishCancelled)
	}
	if len(tokens) >= 4000 {
		t.Error("cancellation did not interrupt generation")
	}
}

func TestConcurrentSequencesMatchIsolatedRuns(t *testing.T) {
	solo := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))
	batched := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	prompts := [][]int{{1, 2}, {3, 4, 5}, {6}}
	want := make([][]int, len(prompts))
	for i, p := range prompts {
		want[i], _ = generate(t, solo, p, greedy(4))
	}

	seqs := make([]*Sequence, len(prompts))
	for i, p := range prompts {
		seq, err := batched.Submit(p, greedy(4))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		seqs[i] = seq
	}
	for i, seq := range seqs {
		got, done := collect(t, seq)
		if done.Reason != FinishLength {
			t.Errorf("sequence %d finish reason = %s", i, done.Reason)
		}
		if len(got) != len(want[i]) {
			t.Fatalf("sequence %d: got %v, want %v", i, got, want[i])
		}
		for j := range got {
			if got[j] != want[i][j] {
				t.Fatalf("sequence %d position %d: got %v, want %v", i, j, got, want[i])
			}
		}
	}
}

func TestStatsAndShutdown(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	st := e.Stats()
	if st.State != "running" {
		t.Errorf("state = %s, want running", st.State)
	}
	if len(st.AllocatedBytes) != 1 || st.AllocatedBytes[0] == 0 {
		t.Errorf("allocated bytes = %v, want weights resident", st.AllocatedBytes)
	}

	generate(t, e, []int{1}, greedy(3))
	if got := e.Stats().TokensGenerated; got != 3 {
		t.Errorf("tokens generated = %d, want 3", got)
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if st := e.Stats(); st.State != "shutdown" {
		t.Errorf("state after shutdown = %s", st.State)
	}
	if got := e.Stats().AllocatedBytes[0]; got != 0 {
		t.Errorf("allocated bytes after shutdown = %d, want 0", got)
	}
	if _, err := e.Submit([]int{1}, greedy(1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit after shutdown = %v, want ErrNotRunning", err)
	}
}

func TestKVSlotsReleasedAfterFinish(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	generate(t, e, []int{1, 2, 3}, greedy(4))
	// The release rides the next step command; run another request to
	// flush it.
	generate(t, e, []int{4}, greedy(2))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.Stats().KVSlots <= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("kv slots = %d, want <= 1 outstanding", e.Stats().KVSlots)
}

// Stats serves the monitoring endpoints, so it must be callable from
// any goroutine while the worker is mid-step. Run under -race.
func TestStatsSafeDuringGeneration(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				st := e.Stats()
				if st.KVSlots < 0 {
					return
				}
			}
		}
	}()

	for i := 0; i < 5; i++ {
		generate(t, e, []int{1, 2, 3}, greedy(8))
	}
	close(stop)
	wg.Wait()
}

func TestAllocatorReturnsToBaseline(t *testing.T) {
	e := startEngine(t, tinyModel(), testEngineConfig(1, 1, 1))
	kv := e.workers[0].kv

	baseline := e.Stats().AllocatedBytes[0]
	generate(t, e, []int{1, 2, 3}, greedy(4))
	// The first slot's release rides the second request's step
	// commands, so after the second finishes only its own slot is live.
	generate(t, e, []int{4}, greedy(2))

	if got := e.Stats().KVSlots; got != 1 {
		t.Fatalf("kv slots = %d, want 1 outstanding", got)
	}
	if got, want := e.Stats().AllocatedBytes[0]-baseline, kv.BytesFor(3); got != want {
		t.Errorf("bytes above baseline = %d, want %d for the one live slot", got, want)
	}
}
