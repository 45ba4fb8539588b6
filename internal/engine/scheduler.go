package engine

import (
	"time"

	"github.com/23skdu/longbow-arbalest/internal/metrics"
)

// Decode-first batching: sequences already holding KV keep making
// progress before new prompts are admitted, so a burst of arrivals
// cannot stall in-flight generations. Within each class order is FIFO.
type scheduler struct {
	maxBatch int
	waiting  []*Sequence // queued, not yet prefilled
	active   []*Sequence // decoding
}

func newScheduler(maxBatch int) *scheduler {
	return &scheduler{maxBatch: maxBatch}
}

func (sc *scheduler) enqueue(seq *Sequence) {
	seq.state = StateQueued
	sc.waiting = append(sc.waiting, seq)
}

func (sc *scheduler) pending() int { return len(sc.waiting) + len(sc.active) }

// backoff delays a sequence after a failed KV reservation so the next
// batch is not immediately rejected again. The delay grows with
// consecutive failures, capped at a second.
func (sc *scheduler) backoff(seq *Sequence, now time.Time) {
	seq.retries++
	delay := time.Duration(seq.retries) * 10 * time.Millisecond
	if delay > time.Second {
		delay = time.Second
	}
	seq.backoffUntil = now.Add(delay)
	metrics.BatchAdmissionRejects.Inc()
}

// demote returns a rejected prefill to the front of the waiting queue
// so FIFO order holds once memory frees up.
func (sc *scheduler) demote(seq *Sequence, now time.Time) {
	seq.state = StateQueued
	sc.backoff(seq, now)
	sc.waiting = append([]*Sequence{seq}, sc.waiting...)
}

// remove drops a finished sequence from whichever queue holds it.
func (sc *scheduler) remove(seq *Sequence) {
	for i, s := range sc.active {
		if s == seq {
			sc.active = append(sc.active[:i], sc.active[i+1:]...)
			return
		}
	}
	for i, s := range sc.waiting {
		if s == seq {
			sc.waiting = append(sc.waiting[:i], sc.waiting[i+1:]...)
			return
		}
	}
}

// nextBatch selects up to maxBatch sequences: every ready decode
// first, then waiting prompts in arrival order as long as admit
// accepts their memory demand. Admitted prompts move to Prefill;
// promotion to the active list happens after their prefill step
// succeeds.
func (sc *scheduler) nextBatch(now time.Time, admit func(*Sequence) bool) []*Sequence {
	batch := make([]*Sequence, 0, sc.maxBatch)
	decodes := 0

	for _, seq := range sc.active {
		if len(batch) == sc.maxBatch {
			break
		}
		if seq.backoffUntil.After(now) {
			continue
		}
		batch = append(batch, seq)
		decodes++
	}

	admittedPrefills := 0
	for len(batch) < sc.maxBatch && admittedPrefills < len(sc.waiting) {
		seq := sc.waiting[admittedPrefills]
		if seq.backoffUntil.After(now) || !admit(seq) {
			break // FIFO: never admit past a blocked head
		}
		seq.state = StatePrefill
		batch = append(batch, seq)
		admittedPrefills++
	}
	sc.waiting = sc.waiting[admittedPrefills:]

	if len(batch) > 0 {
		metrics.RecordBatch(len(batch)-decodes, decodes)
	}
	return batch
}

// promote confirms a prefilled sequence into the decoding class.
func (sc *scheduler) promote(seq *Sequence) {
	seq.state = StateDecoding
	seq.retries = 0
	sc.active = append(sc.active, seq)
}
