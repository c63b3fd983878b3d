// Package bridge re-frames a Copilot completion stream into a Messages event
// stream, one call at a time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
	codecanthropic "github.com/tjfontaine/copilot-messages-gateway/internal/codec/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// State is the lifecycle of one bridged call.
type State int

const (
	StateOpening State = iota
	StateStreaming
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Backend opens completion streams.
type Backend interface {
	StreamCompletion(ctx context.Context, token string, req *copilot.CompletionRequest) (<-chan copilot.StreamResult, error)
}

// TokenSource yields a credential that is valid right now, refreshing it if
// needed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request is one streaming call.
type Request struct {
	Completion  *copilot.CompletionRequest
	Model       string
	InputTokens int
	// CountTokens estimates output usage when the backend reports none.
	CountTokens func(text string) int
	// OnDone, if set, runs with the final summary just before the event
	// channel is closed.
	OnDone func(Summary)
}

// Summary describes a finished call. It is only meaningful once the event
// channel has been closed.
type Summary struct {
	State        State
	StopReason   string
	InputTokens  int
	OutputTokens int
	Events       int
	Err          error
}

// Stream is a running call. Events is closed exactly once.
type Stream struct {
	Events <-chan codecanthropic.Event

	events  chan codecanthropic.Event
	state   State
	summary Summary
}

// Summary returns the outcome of the call. Call it only after Events has been
// drained.
func (s *Stream) Summary() Summary {
	return s.summary
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// Bridge runs streaming calls.
type Bridge struct {
	backend Backend
	tokens  TokenSource
	logger  *slog.Logger
}

// New creates a bridge.
func New(backend Backend, tokens TokenSource, opts ...Option) *Bridge {
	b := &Bridge{
		backend: backend,
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts a streaming call. The returned stream always yields at least one
// event unless ctx is cancelled first: either a well-formed message sequence
// or an error event. A failure to open the backend stream produces a single
// error event.
func (b *Bridge) Run(ctx context.Context, req *Request) *Stream {
	events := make(chan codecanthropic.Event)
	s := &Stream{
		Events: events,
		events: events,
		state:  StateOpening,
	}
	go b.run(ctx, req, s)
	return s
}

func (b *Bridge) run(ctx context.Context, req *Request, s *Stream) {
	defer close(s.events)
	defer func() {
		s.summary.State = s.state
		if req.OnDone != nil {
			req.OnDone(s.summary)
		}
	}()

	s.summary.InputTokens = req.InputTokens

	token, err := b.tokens.Token(ctx)
	if err != nil {
		b.fail(ctx, s, err)
		return
	}

	results, err := b.backend.StreamCompletion(ctx, token, req.Completion)
	if err != nil {
		b.fail(ctx, s, domain.ErrBackendConnectFailed(err))
		return
	}

	state := codecanthropic.NewStreamState(req.Model, req.InputTokens)
	state.CountTokens = req.CountTokens
	b.transition(s, StateStreaming)

	for {
		var (
			r  copilot.StreamResult
			ok bool
		)
		select {
		case <-ctx.Done():
			b.cancelled(ctx, s, state)
			return
		case r, ok = <-results:
		}

		switch {
		case !ok:
			if ctx.Err() != nil {
				b.cancelled(ctx, s, state)
				return
			}
			b.fail(ctx, s, domain.ErrBackendConnectFailed(io.ErrUnexpectedEOF))
			b.record(s, state)
			return

		case r.Err != nil:
			b.fail(ctx, s, domain.ErrBackendConnectFailed(r.Err))
			b.record(s, state)
			return

		case r.Done:
			b.transition(s, StateClosing)
			if state.HasPartial() {
				err := domain.ErrBackendProtocol(errors.New("stream ended inside an incomplete fragment"))
				b.logger.Warn("backend fragment dropped", "error", err)
				state.PartialJSON = nil
				if !b.fragmentError(ctx, s, state, err) {
					b.cancelled(ctx, s, state)
					return
				}
			}
			for _, ev := range codecanthropic.Finish(state) {
				if !b.emit(ctx, s, ev) {
					b.cancelled(ctx, s, state)
					return
				}
			}
			b.transition(s, StateClosed)
			b.record(s, state)
			return

		default:
			chunk, err := codecanthropic.DecodeChunk(state, r.Data)
			if err != nil {
				// A malformed fragment costs one error event, not the stream.
				b.logger.Warn("malformed backend fragment", "error", err)
				if !b.fragmentError(ctx, s, state, err) {
					b.cancelled(ctx, s, state)
					return
				}
			}
			for _, ev := range codecanthropic.FromBackendDelta(chunk, state) {
				if !b.emit(ctx, s, ev) {
					b.cancelled(ctx, s, state)
					return
				}
			}
		}
	}
}

func (b *Bridge) transition(s *Stream, next State) {
	b.logger.Debug("stream state", "from", s.state.String(), "to", next.String())
	s.state = next
}

// fail moves to Errored and emits one error event.
func (b *Bridge) fail(ctx context.Context, s *Stream, err error) {
	b.logger.Error("stream failed", "state", s.state.String(), "error", err)
	b.transition(s, StateErrored)
	s.summary.Err = err
	b.emit(ctx, s, codecanthropic.ErrorEvent(err))
}

// fragmentError emits one protocol error event for a bad fragment. The
// message head goes out first so the error never precedes message_start.
func (b *Bridge) fragmentError(ctx context.Context, s *Stream, state *codecanthropic.StreamState, err error) bool {
	for _, ev := range codecanthropic.Open(state) {
		if !b.emit(ctx, s, ev) {
			return false
		}
	}
	return b.emit(ctx, s, codecanthropic.ErrorEvent(err))
}

// cancelled ends the call once ctx is done. A caller that went away closes
// the stream; a deadline is a failure the consumer still has to be told
// about, so the summary carries it and the state is Errored.
func (b *Bridge) cancelled(ctx context.Context, s *Stream, state *codecanthropic.StreamState) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := domain.ErrBackendConnectFailed(fmt.Errorf("stream deadline exceeded: %w", ctx.Err())).
			WithStatusCode(http.StatusGatewayTimeout)
		b.logger.Warn("stream deadline exceeded", "state", s.state.String())
		s.summary.Err = err
		b.transition(s, StateErrored)
		b.record(s, state)
		return
	}
	b.logger.Debug("stream cancelled by caller", "state", s.state.String())
	s.summary.Err = ctx.Err()
	b.transition(s, StateClosed)
	b.record(s, state)
}

func (b *Bridge) record(s *Stream, state *codecanthropic.StreamState) {
	s.summary.StopReason = state.StopReason
	if s.summary.StopReason == "" && state.Terminal {
		s.summary.StopReason = anthropicapi.StopReasonEndTurn
	}
	s.summary.OutputTokens = state.Usage()
}

func (b *Bridge) emit(ctx context.Context, s *Stream, ev codecanthropic.Event) bool {
	select {
	case s.events <- ev:
		s.summary.Events++
		return true
	case <-ctx.Done():
		return false
	}
}
