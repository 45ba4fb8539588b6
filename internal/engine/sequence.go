package engine

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-arbalest/internal/metrics"
)

// FinishReason records why a sequence stopped generating.
type FinishReason string

const (
	FinishStopToken FinishReason = "stop_token"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// SequenceState tracks a sequence through the generation loop.
type SequenceState int

const (
	StateQueued SequenceState = iota
	StatePrefill
	StateDecoding
	StateFinished
)

func (s SequenceState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePrefill:
		return "prefill"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Token is one streamed generation result. Done marks the final event;
// a Done token carries the finish reason and no token ID.
type Token struct {
	ID     int
	Done   bool
	Reason FinishReason
	Err    error
}

// SampleParams control decoding for one request.
type SampleParams struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	TopK         int
	RepPenalty   float64
	Seed         int64
	StopTokens   []int
}

// DefaultSampleParams returns the engine's stock decoding settings.
func DefaultSampleParams() SampleParams {
	return SampleParams{
		MaxNewTokens: 512,
		Temperature:  0.7,
		TopP:         0.9,
	}
}

// Sequence is one generation request moving through the engine. Its
// state is mutated only by the driver goroutine; callers interact via
// Tokens and Cancel.
type Sequence struct {
	id     uint64
	prompt []int
	params SampleParams

	state     SequenceState
	generated []int
	sampler   *Sampler

	out        chan Token
	cancel     chan struct{}
	cancelOnce sync.Once

	queuedAt     time.Time
	backoffUntil time.Time
	retries      int
}

func newSequence(id uint64, prompt []int, params SampleParams) *Sequence {
	return &Sequence{
		id:       id,
		prompt:   append([]int(nil), prompt...),
		params:   params,
		sampler:  NewSampler(params),
		out:      make(chan Token, params.MaxNewTokens+1),
		cancel:   make(chan struct{}),
		queuedAt: time.Now(),
	}
}

// ID returns the engine-assigned sequence ID.
func (s *Sequence) ID() uint64 { return s.id }

// Tokens streams generated tokens. The channel closes after the Done
// event.
func (s *Sequence) Tokens() <-chan Token { return s.out }

// Cancel requests termination. The sequence finishes with
// FinishCancelled at the next step boundary; already-generated tokens
// remain delivered.
func (s *Sequence) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *Sequence) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

// length is the token count including generated output, which is what
// KV capacity is sized against.
func (s *Sequence) length() int { return len(s.prompt) + len(s.generated) }

// history feeds the repetition penalty.
func (s *Sequence) history() []int {
	h := make([]int, 0, s.length())
	h = append(h, s.prompt...)
	h = append(h, s.generated...)
	return h
}

func (s *Sequence) isStop(token int) bool {
	for _, t := range s.params.StopTokens {
		if t == token {
			return true
		}
	}
	return false
}

// emit delivers one generated token. The out channel is sized for
// MaxNewTokens so this never blocks the driver.
func (s *Sequence) emit(token int) {
	s.generated = append(s.generated, token)
	s.out <- Token{ID: token}
}

// finish moves the sequence to its terminal state exactly once.
func (s *Sequence) finish(reason FinishReason, err error) {
	if s.state == StateFinished {
		return
	}
	s.state = StateFinished
	s.out <- Token{Done: true, Reason: reason, Err: err}
	close(s.out)
	metrics.RecordSequenceFinished(string(reason))
}
