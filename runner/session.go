package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/chenwanqq/llava-go/api"
	"github.com/chenwanqq/llava-go/kvcache"
	"github.com/chenwanqq/llava-go/logutil"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/model/input"
	"github.com/chenwanqq/llava-go/sample"
)

// ErrDecodeStep wraps a decoder forward failure. The session terminates and
// keeps the tokens generated so far; the caller decides whether to retry the
// whole request.
var ErrDecodeStep = errors.New("decode step failed")

type State int

const (
	StateCreated State = iota
	StatePrefilled
	StateDecoding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePrefilled:
		return "prefilled"
	case StateDecoding:
		return "decoding"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session drives one generation: a single prefill over the combined sequence
// followed by incremental decode steps against the session's cache. The cache
// belongs to this session until Close and must not be touched by anyone else
// while a step is in flight.
type Session struct {
	dec     model.TextDecoder
	cache   kvcache.Cache
	sampler sample.Sampler

	stop         []int32
	maxNewTokens int

	state      State
	lastLogits []float32
	nextPos    int32
	tokens     []int32
	doneReason api.DoneReason
	failure    error
}

// SessionParams configure one generation run.
type SessionParams struct {
	Sampler sample.Sampler

	// Stop token ids. Selecting any of them ends generation; the stop
	// token itself is included in the returned tokens.
	Stop []int32

	// MaxNewTokens is the step budget. Zero or negative means no limit.
	MaxNewTokens int
}

func NewSession(dec model.TextDecoder, cache kvcache.Cache, params SessionParams) *Session {
	sampler := params.Sampler
	if sampler == nil {
		sampler = sample.Greedy()
	}

	return &Session{
		dec:          dec,
		cache:        cache,
		sampler:      sampler,
		stop:         params.Stop,
		maxNewTokens: params.MaxNewTokens,
		state:        StateCreated,
	}
}

func (s *Session) State() State { return s.state }

// Tokens returns the tokens generated so far. Valid in every state,
// including after a decode failure.
func (s *Session) Tokens() []int32 { return s.tokens }

func (s *Session) DoneReason() api.DoneReason { return s.doneReason }

// Err returns the failure that terminated the session, if any.
func (s *Session) Err() error { return s.failure }

// Close releases the session's hold. The cache itself is owned by the slot
// that lent it and survives for prefix reuse.
func (s *Session) Close() {
	if s.state != StateTerminated {
		s.terminate(api.DoneReasonConnectionClosed, nil)
	}
}

func (s *Session) terminate(reason api.DoneReason, err error) {
	s.state = StateTerminated
	s.doneReason = reason
	s.failure = err
}

// Prefill runs one forward pass over the whole combined sequence, populating
// the cache for every position, and keeps the final position's logits for
// the first decode step.
func (s *Session) Prefill(ctx context.Context, seq CombinedSequence) error {
	if s.state != StateCreated {
		return fmt.Errorf("prefill in state %s", s.state)
	}
	if seq.Len() == 0 {
		return errors.New("prefill with an empty sequence")
	}

	batch := input.Batch{Embeddings: seq.Embeddings, Positions: seq.Positions}

	logits, err := s.dec.Forward(ctx, batch, s.cache)
	if err != nil {
		s.terminate(api.DoneReasonError, fmt.Errorf("%w: %v", ErrDecodeStep, err))
		return s.failure
	}

	s.lastLogits = logits
	s.nextPos = seq.Positions[seq.Len()-1] + 1
	s.state = StatePrefilled
	return nil
}

// Step selects the next token and, unless that token ends generation, runs
// one incremental forward pass extending the cache by exactly one position.
//
// The returned bool reports termination. The selected token is returned even
// on the terminating step, so a stop token is part of the output. Step checks
// ctx once at entry; cancellation never interrupts a step midway.
func (s *Session) Step(ctx context.Context) (int32, bool, error) {
	switch s.state {
	case StatePrefilled, StateDecoding:
	case StateTerminated:
		return -1, true, fmt.Errorf("step after termination (%s)", s.doneReason)
	default:
		return -1, true, fmt.Errorf("step in state %s", s.state)
	}

	if err := ctx.Err(); err != nil {
		s.terminate(api.DoneReasonConnectionClosed, err)
		return -1, true, err
	}

	token, err := s.sampler.Sample(s.lastLogits)
	if err != nil {
		s.terminate(api.DoneReasonError, fmt.Errorf("sampling: %w", err))
		return -1, true, s.failure
	}

	s.tokens = append(s.tokens, token)
	logutil.Trace("selected token", "token", token, "position", s.nextPos)

	if slices.Contains(s.stop, token) {
		s.terminate(api.DoneReasonStop, nil)
		return token, true, nil
	}

	if s.maxNewTokens > 0 && len(s.tokens) >= s.maxNewTokens {
		s.terminate(api.DoneReasonLength, nil)
		return token, true, nil
	}

	rows, err := s.dec.Embed([]int32{token})
	if err != nil {
		s.terminate(api.DoneReasonError, fmt.Errorf("%w: embedding token %d: %v", ErrDecodeStep, token, err))
		return token, true, s.failure
	}

	batch := input.Batch{Embeddings: rows, Positions: []int32{s.nextPos}}

	logits, err := s.dec.Forward(ctx, batch, s.cache)
	if err != nil {
		s.terminate(api.DoneReasonError, fmt.Errorf("%w: %v", ErrDecodeStep, err))
		return token, true, s.failure
	}

	s.lastLogits = logits
	s.nextPos++
	s.state = StateDecoding
	return token, false, nil
}
