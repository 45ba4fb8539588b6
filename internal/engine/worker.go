package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-arbalest/internal/collective"
	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/device"
	"github.com/23skdu/longbow-arbalest/internal/kvcache"
	"github.com/23skdu/longbow-arbalest/internal/logger"
)

// seqJob is one sequence's share of a step: the tokens to feed and
// where they land. The sampling rank additionally uses the sampler and
// history; other ranks ignore them.
type seqJob struct {
	id       uint64
	tokens   []int
	startPos int
	sample   bool
	sampler  *Sampler
	history  []int
}

// stepCmd fans out to every worker. All workers receive the identical
// command and walk its jobs in the same order, so their collectives
// line up.
type stepCmd struct {
	jobs []seqJob
	// slots to drop after the jobs run
	release []uint64
	// reply is served by global rank 0 only
	reply chan stepReply
}

type stepReply struct {
	// sampled token per sequence that asked for one
	tokens map[uint64]int
	// sequences whose KV reservation failed on some rank this step
	rejected map[uint64]bool
	err      error
}

// worker owns one device rank: its memory context, weight shard, KV
// slots and place in the collective worlds. It executes step commands
// in lockstep with its peers.
type worker struct {
	globalRank int
	tpRank     int
	stage      int

	engCfg *config.Engine
	ctx    *device.Context
	kv     *kvcache.Manager
	fwd    *forwardPass
	global *collective.World

	slots map[uint64]*kvcache.Slot

	cmds chan *stepCmd
	log  *logger.Logger
}

func (w *worker) run() {
	for cmd := range w.cmds {
		reply := w.step(cmd)
		if cmd.reply != nil && w.globalRank == 0 {
			cmd.reply <- reply
		}
	}
	// Channel closed: tear down whatever is still resident.
	for _, slot := range w.slots {
		if err := w.kv.Release(slot); err != nil {
			w.log.Warn("release during shutdown failed", "error", err)
		}
	}
	w.slots = nil
}

func (w *worker) step(cmd *stepCmd) stepReply {
	reply := stepReply{
		tokens:   make(map[uint64]int),
		rejected: make(map[uint64]bool),
	}

	if len(cmd.jobs) > 0 {
		admitted, err := w.reserveForStep(cmd.jobs)
		if err != nil {
			reply.err = err
		} else {
			for i := range cmd.jobs {
				job := &cmd.jobs[i]
				if !admitted[i] {
					reply.rejected[job.id] = true
					continue
				}
				tok, err := w.runJob(job)
				if err != nil {
					reply.err = fmt.Errorf("sequence %d: %w", job.id, err)
					break
				}
				if job.sample {
					reply.tokens[job.id] = tok
				}
			}
		}
	}

	for _, id := range cmd.release {
		if slot, ok := w.slots[id]; ok {
			if err := w.kv.Release(slot); err != nil {
				w.log.Warn("slot release failed", "sequence", id, "error", err)
			}
			delete(w.slots, id)
		}
	}
	return reply
}

// reserveForStep secures KV capacity for every job, then agrees with
// the other ranks on which sequences every rank managed to fit. A
// sequence runs this step only if all ranks reserved for it; a rank
// that reserved for a rejected sequence rolls its fresh slot back.
func (w *worker) reserveForStep(jobs []seqJob) ([]bool, error) {
	ok := make([]float32, len(jobs))
	fresh := make([]bool, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		need := job.startPos + len(job.tokens)

		slot, exists := w.slots[job.id]
		var err error
		if !exists {
			slot, err = w.kv.Reserve(job.id, need)
			if err == nil {
				w.slots[job.id] = slot
				fresh[i] = true
			}
		} else {
			err = w.kv.EnsureCapacity(slot, need)
		}
		switch {
		case err == nil:
			ok[i] = 1
		case errors.Is(err, device.ErrOutOfMemory) || errors.Is(err, kvcache.ErrCapacityExceeded):
			w.log.Warn("kv reservation failed", "sequence", job.id, "need", need, "error", err)
		default:
			return nil, err
		}
	}

	if w.global.Size() > 1 {
		if err := w.global.AllReduce(w.globalRank, ok); err != nil {
			return nil, err
		}
	}

	admitted := make([]bool, len(jobs))
	size := float32(w.global.Size())
	for i := range jobs {
		admitted[i] = ok[i] == size
		if !admitted[i] && fresh[i] {
			// Our reservation succeeded but a peer's did not.
			if slot, okSlot := w.slots[jobs[i].id]; okSlot {
				if err := w.kv.Release(slot); err != nil {
					return nil, err
				}
				delete(w.slots, jobs[i].id)
			}
		}
	}
	return admitted, nil
}

// runJob feeds the job's tokens through this rank's stage. Stage 0
// embeds; later stages receive the running hidden state from their
// predecessor. The final token's logits are sampled on the last
// stage's first tensor rank and broadcast to everyone.
func (w *worker) runJob(job *seqJob) (int, error) {
	slot := w.slots[job.id]
	stages := w.fwd.stages
	tpSize := w.fwd.tpSize

	var logits []float32
	for i, token := range job.tokens {
		pos := job.startPos + i

		var hidden []float64
		var err error
		if w.stage == 0 {
			hidden, err = w.fwd.embedToken(token)
			if err != nil {
				return 0, err
			}
		} else {
			prev := (w.stage-1)*tpSize + w.tpRank
			buf, err := w.global.Recv(w.globalRank, prev)
			if err != nil {
				return 0, err
			}
			hidden = make([]float64, len(buf))
			for j, v := range buf {
				hidden[j] = float64(v)
			}
		}

		if err := w.fwd.runLayers(hidden, slot, w.kv, pos); err != nil {
			return 0, err
		}

		if w.stage < stages-1 {
			next := (w.stage+1)*tpSize + w.tpRank
			if err := w.global.Send(w.globalRank, next, toF32(hidden)); err != nil {
				return 0, err
			}
			continue
		}

		// Logits are only needed where a sample follows.
		if job.sample && i == len(job.tokens)-1 {
			logits, err = w.fwd.logits(hidden)
			if err != nil {
				return 0, err
			}
		}
	}

	if !job.sample {
		return 0, nil
	}

	samplingRank := (stages - 1) * tpSize
	tok := []float32{0}
	if w.globalRank == samplingRank {
		tok[0] = float32(job.sampler.Sample(logits, job.history))
	}
	if w.global.Size() > 1 {
		if err := w.global.Broadcast(w.globalRank, samplingRank, tok); err != nil {
			return 0, err
		}
	}
	return int(tok[0]), nil
}
