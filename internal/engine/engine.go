// Package engine drives multi-device text generation: it owns the
// device topology, shards weights across it, and runs the continuous
// batching loop that turns submitted prompts into token streams.
//
// Execution is SPMD: one worker goroutine per device rank executes the
// same step commands in the same order, meeting at collectives. Ranks
// are laid out stage-major, globalRank = stage*tpSize + tpRank.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-arbalest/internal/collective"
	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/device"
	"github.com/23skdu/longbow-arbalest/internal/kvcache"
	"github.com/23skdu/longbow-arbalest/internal/logger"
	"github.com/23skdu/longbow-arbalest/internal/metrics"
	"github.com/23skdu/longbow-arbalest/internal/weights"
)

var (
	// ErrNotRunning is returned by Submit before weights are loaded or
	// after shutdown.
	ErrNotRunning = errors.New("engine: not running")
	// ErrEngineFailed is returned after an unrecoverable fault, such
	// as a collective timeout.
	ErrEngineFailed = errors.New("engine: failed")
)

type engineState int32

const (
	stateNew engineState = iota
	stateInitialized
	stateRunning
	stateFailed
	stateShutdown
)

func (s engineState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	case stateFailed:
		return "failed"
	case stateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Stats is a point-in-time snapshot of engine health.
type Stats struct {
	State            string
	Devices          int
	TensorParallel   int
	PipelineParallel int
	ActiveSequences  int64
	TokensGenerated  int64
	AllocatedBytes   []int64
	KVSlots          int
}

// Engine is the top-level generation runtime.
type Engine struct {
	model *config.Model
	cfg   *config.Engine
	log   *logger.Logger

	mu      sync.Mutex
	state   engineState
	failErr error

	backend  device.Backend
	ctxs     []*device.Context
	workers  []*worker
	global   *collective.World
	tpWorlds []*collective.World // one per pipeline stage

	sched    *scheduler
	submitCh chan *Sequence
	stopCh   chan struct{}
	driverWG sync.WaitGroup
	workerWG sync.WaitGroup

	nextSeqID atomic.Uint64
	activeSeq atomic.Int64
	tokens    atomic.Int64
}

// New validates the configuration pair and returns an unstarted
// engine. Initialize and LoadWeights must follow before Submit.
func New(model *config.Model, cfg *config.Engine) (*Engine, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}
	return &Engine{
		model:    model,
		cfg:      cfg,
		log:      logger.Log.With("engine"),
		sched:    newScheduler(cfg.MaxBatchSize),
		submitCh: make(chan *Sequence, cfg.MaxBatchSize),
		stopCh:   make(chan struct{}),
	}, nil
}

// Initialize opens the device backend and builds one memory context,
// KV manager and collective seat per rank.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateNew {
		return fmt.Errorf("engine: initialize in state %s", e.state)
	}

	backend, err := device.Open(e.cfg.Backend)
	if err != nil {
		return err
	}
	e.backend = backend

	tp, pp := e.cfg.TensorParallelSize, e.cfg.PipelineParallelSize
	devices := e.cfg.Devices
	e.global = collective.NewWorld(devices, e.cfg.CollectiveTimeout)
	for stage := 0; stage < pp; stage++ {
		e.tpWorlds = append(e.tpWorlds, collective.NewWorld(tp, e.cfg.CollectiveTimeout))
	}

	// Scratch sized for the largest single activation a rank holds.
	wsElems := e.model.HiddenSize
	if n := e.model.IntermediateSize / tp; n > wsElems {
		wsElems = n
	}
	if n := e.model.VocabSize / tp; n > wsElems {
		wsElems = n
	}

	layersPerStage := e.model.Layers / pp
	for rank := 0; rank < devices; rank++ {
		stage, tpRank := rank/tp, rank%tp
		ctx := device.NewContext(rank, backend, e.cfg.DeviceMemoryCeiling)
		if err := ctx.ReserveWorkspace(wsElems); err != nil {
			for _, c := range e.ctxs {
				c.Cleanup()
			}
			ctx.Cleanup()
			return err
		}
		e.ctxs = append(e.ctxs, ctx)
		e.workers = append(e.workers, &worker{
			globalRank: rank,
			tpRank:     tpRank,
			stage:      stage,
			engCfg:     e.cfg,
			ctx:        ctx,
			kv: kvcache.NewManager(ctx, layersPerStage, e.model.KVHeads/tp,
				e.model.HeadDim(), e.cfg.KVPageSize, e.model.MaxPositions),
			global: e.global,
			slots:  make(map[uint64]*kvcache.Slot),
			cmds:   make(chan *stepCmd, 1),
			log:    logger.Log.With(fmt.Sprintf("worker-%d", rank)),
		})
	}

	metrics.RecordTopology(devices, tp, pp)
	e.state = stateInitialized
	e.log.Info("initialized", "backend", backend.Name(), "devices", devices, "tp", tp, "pp", pp)
	return nil
}

// LoadWeights shards the checkpoint across ranks, validates every
// shard, warms the forward path with a throwaway token and starts the
// generation loop.
func (e *Engine) LoadWeights(in map[string]*weights.Tensor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateInitialized {
		return fmt.Errorf("engine: load weights in state %s", e.state)
	}

	tp, pp := e.cfg.TensorParallelSize, e.cfg.PipelineParallelSize
	for _, w := range e.workers {
		specs := stageSpecs(e.model, w.stage, pp)
		store := weights.NewStore(w.ctx, w.tpRank, tp)
		if err := store.Load(specs, in); err != nil {
			metrics.RecordEngineError("load")
			return fmt.Errorf("rank %d: %w", w.globalRank, err)
		}
		if err := store.Validate(specs); err != nil {
			metrics.RecordEngineError("load")
			return fmt.Errorf("rank %d: %w", w.globalRank, err)
		}
		fwd, err := newForwardPass(e.model, store, e.tpWorlds[w.stage], w.tpRank, tp, w.stage, pp)
		if err != nil {
			metrics.RecordEngineError("load")
			return fmt.Errorf("rank %d: %w", w.globalRank, err)
		}
		w.fwd = fwd
	}

	for _, w := range e.workers {
		e.workerWG.Add(1)
		go func(w *worker) {
			defer e.workerWG.Done()
			w.run()
		}(w)
	}

	if err := e.warmup(); err != nil {
		return err
	}

	e.driverWG.Add(1)
	go func() {
		defer e.driverWG.Done()
		e.driver()
	}()

	e.state = stateRunning
	e.log.Info("weights loaded", "tensors", len(in))
	return nil
}

// warmup pushes a single token through every stage so first-request
// latency does not pay for lazy paths, then drops the scratch slot.
func (e *Engine) warmup() error {
	reply := make(chan stepReply, 1)
	cmd := &stepCmd{
		jobs:    []seqJob{{id: 0, tokens: []int{0}, startPos: 0}},
		release: []uint64{0},
		reply:   reply,
	}
	for _, w := range e.workers {
		w.cmds <- cmd
	}
	r := <-reply
	if r.err != nil {
		return fmt.Errorf("engine: warmup: %w", r.err)
	}
	if len(r.rejected) > 0 {
		return fmt.Errorf("engine: warmup: %w", device.ErrOutOfMemory)
	}
	return nil
}

// Submit queues a prompt for generation and returns the sequence whose
// Tokens channel streams the result.
func (e *Engine) Submit(prompt []int, params SampleParams) (*Sequence, error) {
	e.mu.Lock()
	state, failErr := e.state, e.failErr
	e.mu.Unlock()
	switch state {
	case stateRunning:
	case stateFailed:
		return nil, fmt.Errorf("%w: %v", ErrEngineFailed, failErr)
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, state)
	}

	if len(prompt) == 0 {
		return nil, errors.New("engine: empty prompt")
	}
	if len(prompt) >= e.model.MaxPositions {
		return nil, fmt.Errorf("engine: prompt length %d exceeds position limit %d", len(prompt), e.model.MaxPositions)
	}
	for _, t := range prompt {
		if t < 0 || t >= e.model.VocabSize {
			return nil, fmt.Errorf("engine: prompt token %d outside vocabulary [0,%d)", t, e.model.VocabSize)
		}
	}
	if params.MaxNewTokens < 0 {
		return nil, fmt.Errorf("engine: negative MaxNewTokens %d", params.MaxNewTokens)
	}

	if len(params.StopTokens) == 0 {
		params.StopTokens = e.model.StopTokens
	}
	seq := newSequence(e.nextSeqID.Add(1), prompt, params)
	metrics.SequencesActive.Inc()

	// Zero new tokens is a valid request that produces nothing.
	if params.MaxNewTokens == 0 {
		seq.finish(FinishLength, nil)
		return seq, nil
	}

	e.activeSeq.Add(1)
	select {
	case e.submitCh <- seq:
		return seq, nil
	case <-e.stopCh:
		e.activeSeq.Add(-1)
		return nil, ErrNotRunning
	}
}

// Stats snapshots engine health for the monitoring surface.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	st := Stats{
		State:            state.String(),
		Devices:          e.cfg.Devices,
		TensorParallel:   e.cfg.TensorParallelSize,
		PipelineParallel: e.cfg.PipelineParallelSize,
		ActiveSequences:  e.activeSeq.Load(),
		TokensGenerated:  e.tokens.Load(),
	}
	for _, ctx := range e.ctxs {
		st.AllocatedBytes = append(st.AllocatedBytes, ctx.AllocatedBytes())
	}
	for _, w := range e.workers {
		st.KVSlots += w.kv.ActiveSlots()
	}
	return st
}

// Shutdown stops the loop, terminates outstanding sequences as
// cancelled and releases every device resource. Idempotent.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.state == stateShutdown {
		e.mu.Unlock()
		return nil
	}
	prev := e.state
	e.state = stateShutdown
	e.mu.Unlock()

	if prev == stateRunning || prev == stateFailed {
		close(e.stopCh)
		e.driverWG.Wait()
	}
	// Anything that slipped into the submit queue after the driver
	// stopped still owes its caller a terminal event.
	for {
		select {
		case seq := <-e.submitCh:
			seq.finish(FinishCancelled, nil)
			e.activeSeq.Add(-1)
			continue
		default:
		}
		break
	}
	for _, w := range e.workers {
		close(w.cmds)
	}
	e.workerWG.Wait()
	for _, ctx := range e.ctxs {
		ctx.Cleanup()
	}
	e.log.Info("shutdown complete")
	return nil
}

// admit accepts a new prompt only if every rank can hold its initial
// KV reservation within its remaining memory budget.
func (e *Engine) admit(seq *Sequence) bool {
	for _, w := range e.workers {
		free := w.ctx.FreeBudget()
		if free >= 0 && w.kv.BytesFor(len(seq.prompt)) > free {
			return false
		}
	}
	return true
}

func (e *Engine) driver() {
	var release []uint64
	for {
		if e.sched.pending() == 0 {
			select {
			case seq := <-e.submitCh:
				e.accept(seq)
			case <-e.stopCh:
				e.drainOnStop(release)
				return
			}
		}
	drain:
		for {
			select {
			case seq := <-e.submitCh:
				e.accept(seq)
			case <-e.stopCh:
				e.drainOnStop(release)
				return
			default:
				break drain
			}
		}

		e.reapCancelled(&release)

		now := time.Now()
		batch := e.sched.nextBatch(now, e.admit)
		if len(batch) == 0 {
			if len(release) > 0 {
				e.dispatch(&stepCmd{release: release, reply: make(chan stepReply, 1)})
				release = nil
			}
			if e.sched.pending() > 0 {
				// Everything is in backoff; let timers run down.
				time.Sleep(2 * time.Millisecond)
			}
			continue
		}

		cmd := &stepCmd{
			jobs:    make([]seqJob, 0, len(batch)),
			release: release,
			reply:   make(chan stepReply, 1),
		}
		release = nil
		for _, seq := range batch {
			job := seqJob{
				id:      seq.id,
				sample:  true,
				sampler: seq.sampler,
				history: seq.history(),
			}
			if seq.state == StatePrefill {
				job.tokens = seq.prompt
				job.startPos = 0
			} else {
				job.tokens = []int{seq.generated[len(seq.generated)-1]}
				job.startPos = seq.length() - 1
			}
			cmd.jobs = append(cmd.jobs, job)
		}

		start := time.Now()
		reply := e.dispatch(cmd)
		if reply.err != nil {
			e.fail(reply.err)
			return
		}

		sampled := 0
		for _, seq := range batch {
			if reply.rejected[seq.id] {
				if seq.state == StatePrefill {
					e.sched.demote(seq, now)
				} else {
					e.sched.backoff(seq, now)
				}
				continue
			}
			tok, ok := reply.tokens[seq.id]
			if !ok {
				e.fail(fmt.Errorf("engine: no sample for sequence %d", seq.id))
				return
			}
			if seq.state == StatePrefill {
				e.sched.promote(seq)
			}
			seq.emit(tok)
			sampled++
			e.tokens.Add(1)

			switch {
			case seq.isStop(tok):
				e.finishSeq(seq, FinishStopToken, nil, &release)
			case len(seq.generated) >= seq.params.MaxNewTokens:
				e.finishSeq(seq, FinishLength, nil, &release)
			case seq.length() >= e.model.MaxPositions:
				e.finishSeq(seq, FinishLength, nil, &release)
			}
		}
		metrics.RecordStep(sampled, time.Since(start))
	}
}

// dispatch hands one command to every worker and waits for rank 0's
// reply.
func (e *Engine) dispatch(cmd *stepCmd) stepReply {
	for _, w := range e.workers {
		w.cmds <- cmd
	}
	return <-cmd.reply
}

func (e *Engine) accept(seq *Sequence) {
	e.mu.Lock()
	failed := e.state == stateFailed
	failErr := e.failErr
	e.mu.Unlock()
	if failed {
		seq.finish(FinishError, fmt.Errorf("%w: %v", ErrEngineFailed, failErr))
		e.activeSeq.Add(-1)
		return
	}
	e.sched.enqueue(seq)
}

func (e *Engine) reapCancelled(release *[]uint64) {
	for _, seq := range append(append([]*Sequence(nil), e.sched.active...), e.sched.waiting...) {
		if seq.cancelled() && seq.state != StateFinished {
			e.finishSeq(seq, FinishCancelled, nil, release)
		}
	}
}

func (e *Engine) finishSeq(seq *Sequence, reason FinishReason, err error, release *[]uint64) {
	e.sched.remove(seq)
	seq.finish(reason, err)
	e.activeSeq.Add(-1)
	*release = append(*release, seq.id)
}

// fail terminates every outstanding sequence after an unrecoverable
// fault. The engine stays up only to report the error.
func (e *Engine) fail(err error) {
	e.log.Error("engine failed", "error", err)
	metrics.RecordEngineError("fatal")

	e.mu.Lock()
	e.state = stateFailed
	e.failErr = err
	e.mu.Unlock()

	var release []uint64
	for _, seq := range append(append([]*Sequence(nil), e.sched.active...), e.sched.waiting...) {
		e.finishSeq(seq, FinishError, err, &release)
	}
	for {
		select {
		case seq := <-e.submitCh:
			seq.finish(FinishError, err)
			e.activeSeq.Add(-1)
		default:
			return
		}
	}
}

func (e *Engine) drainOnStop(release []uint64) {
	var rel []uint64
	rel = append(rel, release...)
	for _, seq := range append(append([]*Sequence(nil), e.sched.active...), e.sched.waiting...) {
		e.finishSeq(seq, FinishCancelled, nil, &rel)
	}
	for {
		select {
		case seq := <-e.submitCh:
			seq.finish(FinishCancelled, nil)
			e.activeSeq.Add(-1)
		default:
			// Workers release remaining slots when their channels
			// close; no final command needed.
			return
		}
	}
}
