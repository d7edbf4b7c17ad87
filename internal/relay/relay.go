// Package relay forwards one streaming completion from the completion
// service to a client, gated by the caller's session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/sse"
	"github.com/luma-therapy/luma/backend/internal/upstream"
)

// DefaultTimeout bounds a whole pass.
const DefaultTimeout = 30 * time.Second

// Resolver resolves a session. Errors are *auth.AuthError.
type Resolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (*auth.Session, error)
}

// Upstream opens streaming completions.
type Upstream interface {
	OpenStream(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
}

// Observer is told about pass lifecycle events.
type Observer interface {
	PassStarted(transport string)
	FirstFrame(transport string, elapsed time.Duration)
	PassFinished(transport, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PassStarted(string) {}

func (nopObserver) FirstFrame(string, time.Duration) {}

func (nopObserver) PassFinished(string, string, time.Duration) {}

// Options configures a Relay.
type Options struct {
	Timeout  time.Duration
	Observer Observer
}

// Relay runs passes. It is safe for concurrent use; each pass owns its sink
// and upstream connection.
type Relay struct {
	resolver Resolver
	upstream Upstream
	timeout  time.Duration
	observer Observer
	now      func() time.Time
}

// New creates a relay.
func New(resolver Resolver, up Upstream, opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Relay{
		resolver: resolver,
		upstream: up,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		now:      time.Now,
	}
}

// Pass is one inbound relay request.
type Pass struct {
	Credentials auth.Credentials
	// Body is the raw request body, expected to hold {"messages": [...]}.
	Body []byte
	// Transport labels metrics and logs ("sse", "ws").
	Transport string
	// OnSession runs after authentication, before anything is written.
	OnSession func(*auth.Session)
}

type run struct {
	relay   *Relay
	pass    Pass
	writer  *frameWriter
	log     *zerolog.Logger
	state   State
	started time.Time
	first   bool
}

// Run executes one pass. Exactly one terminal frame is written unless the
// client went away, and the sink is closed exactly once on every path.
func (r *Relay) Run(ctx context.Context, pass Pass, sink Sink) (relayErr *Error) {
	p := &run{
		relay:   r,
		pass:    pass,
		writer:  newFrameWriter(sink),
		log:     logging.FromContext(ctx),
		started: r.now(),
	}
	r.observer.PassStarted(pass.Transport)

	defer func() {
		if rec := recover(); rec != nil {
			relayErr = p.fail(KindInternal, MsgInternal, fmt.Errorf("panic: %v", rec))
		}
		p.transition(StateClosed)
		if err := p.writer.close(); err != nil {
			p.log.Debug().Err(err).Msg("relay sink close")
		}

		elapsed := r.now().Sub(p.started)
		r.observer.PassFinished(pass.Transport, Outcome(relayErr), elapsed)

		event := p.log.Info()
		if relayErr != nil {
			event = p.log.Warn().Err(relayErr)
		}
		event.Str("transport", pass.Transport).
			Str("outcome", Outcome(relayErr)).
			Int("frames", p.writer.written).
			Dur("duration", elapsed).
			Msg("relay pass finished")
	}()

	return p.execute(ctx)
}

func (p *run) execute(ctx context.Context) *Error {
	p.transition(StateAuthenticating)
	session, err := p.relay.resolver.Resolve(ctx, p.pass.Credentials)
	if err != nil || session == nil {
		return p.fail(KindUnauthenticated, MsgUnauthorized, err)
	}
	if p.pass.OnSession != nil {
		p.pass.OnSession(session)
	}
	logger := p.log.With().Str("user_id", session.UserID).Logger()
	p.log = &logger

	p.transition(StateDispatching)
	messages, err := ParseMessages(p.pass.Body)
	if err != nil {
		return p.fail(KindInvalidInput, MsgInvalidFormat, err)
	}

	passCtx, cancel := context.WithTimeout(ctx, p.relay.timeout)
	defer cancel()

	stream, err := p.relay.upstream.OpenStream(passCtx, upstream.Request{
		Messages: messages,
		UserID:   session.UserID,
	})
	if err != nil {
		return p.upstreamFailure(ctx, passCtx, err)
	}
	defer stream.Close()

	p.transition(StateStreaming)
	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if !p.writer.terminated {
				// The stream ended without a terminal record.
				if err := p.writer.terminal(chat.Frame{Done: true}); err != nil {
					return p.clientGone(err)
				}
			}
			return nil
		}
		if err != nil {
			if errors.Is(err, sse.ErrMalformed) || errors.Is(err, sse.ErrRecordTooLarge) {
				if ctxErr := p.deadline(ctx, passCtx); ctxErr != nil {
					return ctxErr
				}
				return p.fail(KindUpstream, MsgMalformed, err)
			}
			return p.upstreamFailure(ctx, passCtx, err)
		}

		if ctxErr := p.deadline(ctx, passCtx); ctxErr != nil {
			return ctxErr
		}

		terminal := rec.Frame.Terminal()
		if err := p.writer.forward(rec.Raw, terminal); err != nil {
			return p.clientGone(err)
		}
		if rec.HasData && !p.first {
			p.first = true
			p.relay.observer.FirstFrame(p.pass.Transport, p.relay.now().Sub(p.started))
		}

		if terminal {
			if rec.Frame.Error != "" {
				return &Error{Kind: KindUpstream, State: p.state, Message: rec.Frame.Error}
			}
			return nil
		}
	}
}

// deadline reports a timeout or disconnect that happened while waiting on
// the upstream, so nothing is written past the deadline.
func (p *run) deadline(ctx, passCtx context.Context) *Error {
	if ctx.Err() != nil {
		return p.clientGone(ctx.Err())
	}
	if passCtx.Err() != nil {
		return p.fail(KindTimeout, MsgTimeout, passCtx.Err())
	}
	return nil
}

func (p *run) upstreamFailure(ctx, passCtx context.Context, err error) *Error {
	if ctxErr := p.deadline(ctx, passCtx); ctxErr != nil {
		ctxErr.Err = err
		return ctxErr
	}

	msg := MsgStreamFailed
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && statusErr.Detail != "" {
		msg = statusErr.Detail
	}
	return p.fail(KindUpstream, msg, err)
}

// fail writes the terminal error frame, unless one already went out.
func (p *run) fail(kind Kind, msg string, err error) *Error {
	relayErr := &Error{Kind: kind, State: p.state, Message: msg, Err: err}
	if werr := p.writer.terminal(chat.Frame{Error: msg}); werr != nil && !errors.Is(werr, errTerminated) {
		p.log.Debug().Err(werr).Msg("relay error frame not delivered")
	}
	return relayErr
}

// clientGone ends the pass without writing.
func (p *run) clientGone(err error) *Error {
	return &Error{Kind: KindClientGone, State: p.state, Message: "client disconnected", Err: err}
}

func (p *run) transition(to State) {
	if to < p.state {
		panic(fmt.Sprintf("relay: illegal transition %s -> %s", p.state, to))
	}
	p.log.Debug().Str("from", p.state.String()).Str("to", to.String()).Msg("relay state")
	p.state = to
}

type messagesBody struct {
	Messages *[]json.RawMessage `json:"messages"`
}

type wireMessage struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// ErrInvalidMessages is returned for a body without a usable message list.
var ErrInvalidMessages = errors.New("invalid messages")

// ParseMessages validates {"messages": [...]}: a non-empty array of
// {role: user|assistant, content: string} objects, in order.
func ParseMessages(body []byte) ([]chat.Turn, error) {
	var parsed messagesBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessages, err)
	}
	if parsed.Messages == nil || len(*parsed.Messages) == 0 {
		return nil, fmt.Errorf("%w: missing or empty", ErrInvalidMessages)
	}

	turns := make([]chat.Turn, 0, len(*parsed.Messages))
	for i, raw := range *parsed.Messages {
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrInvalidMessages, i, err)
		}
		if msg.Role == nil || msg.Content == nil {
			return nil, fmt.Errorf("%w: message %d: role and content required", ErrInvalidMessages, i)
		}
		role := chat.Role(*msg.Role)
		if role != chat.RoleUser && role != chat.RoleAssistant {
			return nil, fmt.Errorf("%w: message %d: role %q", ErrInvalidMessages, i, role)
		}
		turns = append(turns, chat.Turn{Role: role, Content: *msg.Content})
	}
	return turns, nil
}
