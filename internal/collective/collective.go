// Package collective synchronizes the per-device worker goroutines of
// one engine. All ranks run the same program, so they issue the same
// collectives in the same order; the world matches up the Nth call
// from every rank, combines the contributions once and hands every
// rank the result.
//
// A rank that fails to arrive within the configured timeout poisons
// the world permanently. There is no partial success: after a timeout
// every subsequent call on any rank fails, and the engine must tear
// the group down.
package collective

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-arbalest/internal/logger"
	"github.com/23skdu/longbow-arbalest/internal/metrics"
)

// ErrTimeout is returned once a collective times out. The error is
// sticky: the world stays poisoned for all ranks.
var ErrTimeout = errors.New("collective: timeout")

type round struct {
	op      string
	mu      sync.Mutex
	inputs  [][]float32
	arrived int
	done    chan struct{}
	outputs [][]float32
}

// World is the rendezvous point for a fixed set of ranks in one
// process. Safe for concurrent use by its member goroutines.
type World struct {
	size    int
	timeout time.Duration
	log     *logger.Logger

	mu       sync.Mutex
	poisoned bool
	cur      *round

	// mail[to][from] carries point-to-point payloads for the
	// pipeline-stage hand-off.
	mail [][]chan []float32
}

// NewWorld creates a world of size ranks. timeout bounds every
// collective and point-to-point wait.
func NewWorld(size int, timeout time.Duration) *World {
	mail := make([][]chan []float32, size)
	for to := range mail {
		mail[to] = make([]chan []float32, size)
		for from := range mail[to] {
			mail[to][from] = make(chan []float32, 1)
		}
	}
	return &World{
		size:    size,
		timeout: timeout,
		log:     logger.Log.With("collective"),
		mail:    mail,
	}
}

// Size reports the number of ranks.
func (w *World) Size() int { return w.size }

func (w *World) poison(op string, rank int) error {
	w.mu.Lock()
	if !w.poisoned {
		w.poisoned = true
		w.log.Error("collective timed out, poisoning world", "op", op, "rank", rank, "timeout", w.timeout)
	}
	w.mu.Unlock()
	metrics.CollectiveTimeouts.Inc()
	return fmt.Errorf("%s on rank %d after %v: %w", op, rank, w.timeout, ErrTimeout)
}

// join enters the current round with this rank's contribution. The
// last rank to arrive runs combine over the inputs in rank order and
// wakes everyone. combine returns one output slice per rank.
func (w *World) join(op string, rank int, input []float32, combine func([][]float32) [][]float32) ([]float32, error) {
	if rank < 0 || rank >= w.size {
		return nil, fmt.Errorf("collective: rank %d out of range [0,%d)", rank, w.size)
	}

	w.mu.Lock()
	if w.poisoned {
		w.mu.Unlock()
		return nil, fmt.Errorf("%s on rank %d: world poisoned: %w", op, rank, ErrTimeout)
	}
	if w.cur == nil {
		w.cur = &round{
			op:     op,
			inputs: make([][]float32, w.size),
			done:   make(chan struct{}),
		}
	}
	r := w.cur
	w.mu.Unlock()

	if r.op != op {
		// Ranks diverged: they must issue the same collectives in the
		// same order.
		return nil, fmt.Errorf("collective: rank %d called %s while round is %s", rank, op, r.op)
	}

	r.mu.Lock()
	r.inputs[rank] = input
	r.arrived++
	last := r.arrived == w.size
	if last {
		r.outputs = combine(r.inputs)
	}
	r.mu.Unlock()

	if last {
		// Detach before waking so the next collective starts clean.
		w.mu.Lock()
		w.cur = nil
		w.mu.Unlock()
		close(r.done)
	}

	start := time.Now()
	select {
	case <-r.done:
		metrics.RecordCollective(op, time.Since(start))
		return r.outputs[rank], nil
	case <-time.After(w.timeout):
		return nil, w.poison(op, rank)
	}
}

// AllReduce sums buf elementwise across all ranks and writes the sum
// back into every rank's buf.
func (w *World) AllReduce(rank int, buf []float32) error {
	out, err := w.join("all_reduce", rank, buf, func(inputs [][]float32) [][]float32 {
		sum := make([]float32, len(inputs[0]))
		for _, in := range inputs {
			for i, v := range in {
				sum[i] += v
			}
		}
		outs := make([][]float32, len(inputs))
		for i := range outs {
			outs[i] = sum
		}
		return outs
	})
	if err != nil {
		return err
	}
	copy(buf, out)
	return nil
}

// AllGather concatenates every rank's contribution in rank order and
// returns the full slice to all ranks.
func (w *World) AllGather(rank int, in []float32) ([]float32, error) {
	out, err := w.join("all_gather", rank, in, func(inputs [][]float32) [][]float32 {
		total := 0
		for _, in := range inputs {
			total += len(in)
		}
		full := make([]float32, 0, total)
		for _, in := range inputs {
			full = append(full, in...)
		}
		outs := make([][]float32, len(inputs))
		for i := range outs {
			outs[i] = full
		}
		return outs
	})
	if err != nil {
		return nil, err
	}
	// Callers share the gathered slice read-only within the step.
	return out, nil
}

// Broadcast copies root's buf into every rank's buf.
func (w *World) Broadcast(rank, root int, buf []float32) error {
	if root < 0 || root >= w.size {
		return fmt.Errorf("collective: broadcast root %d out of range [0,%d)", root, w.size)
	}
	out, err := w.join("broadcast", rank, buf, func(inputs [][]float32) [][]float32 {
		outs := make([][]float32, len(inputs))
		for i := range outs {
			outs[i] = inputs[root]
		}
		return outs
	})
	if err != nil {
		return err
	}
	if rank != root {
		copy(buf, out)
	}
	return nil
}

// Barrier blocks until every rank has entered it.
func (w *World) Barrier(rank int) error {
	_, err := w.join("barrier", rank, nil, func(inputs [][]float32) [][]float32 {
		return make([][]float32, len(inputs))
	})
	return err
}

// Send hands data to one receiving rank. Used for the pipeline stage
// hand-off; the payload is copied so the sender may reuse its buffer.
func (w *World) Send(from, to int, data []float32) error {
	if err := w.checkRankPair(from, to); err != nil {
		return err
	}
	payload := make([]float32, len(data))
	copy(payload, data)

	start := time.Now()
	select {
	case w.mail[to][from] <- payload:
		metrics.RecordCollective("send", time.Since(start))
		return nil
	case <-time.After(w.timeout):
		return w.poison("send", from)
	}
}

// Recv blocks until the matching Send from the given rank arrives.
func (w *World) Recv(to, from int) ([]float32, error) {
	if err := w.checkRankPair(from, to); err != nil {
		return nil, err
	}

	start := time.Now()
	select {
	case payload := <-w.mail[to][from]:
		metrics.RecordCollective("recv", time.Since(start))
		return payload, nil
	case <-time.After(w.timeout):
		return nil, w.poison("recv", to)
	}
}

func (w *World) checkRankPair(from, to int) error {
	w.mu.Lock()
	poisoned := w.poisoned
	w.mu.Unlock()
	if poisoned {
		return fmt.Errorf("collective: world poisoned: %w", ErrTimeout)
	}
	if from < 0 || from >= w.size || to < 0 || to >= w.size {
		return fmt.Errorf("collective: rank pair (%d,%d) out of range [0,%d)", from, to, w.size)
	}
	if from == to {
		return fmt.Errorf("collective: rank %d cannot send to itself", from)
	}
	return nil
}
