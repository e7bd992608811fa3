package kb

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateStreaming
	StateFinalizing
	StatePersisted
	StateFailed
)

// MessageStore is the persistence collaborator. CreateAssistantMessage is
// called exactly once per session; sources is nil when nothing was cited.
type MessageStore interface {
	CreateAssistantMessage(ctx context.Context, conversationID, content string, sources []Source) (uint64, error)
}

const (
	emptyAnswerPlaceholder = "(no answer)"
	transportFailureNotice = "\n\n[The answer was interrupted by a connection error.]"

	defaultFinalizeWait = 10 * time.Second
)

// SessionOptions tune one streaming turn.
type SessionOptions struct {
	// FinalizeWait bounds how long finalize waits for in-flight source
	// resolution before persisting with best-known partial sources.
	FinalizeWait time.Duration

	// PersistOnCancel persists the partial answer when the caller cancels
	// mid-stream. Default is to discard the turn.
	PersistOnCancel bool

	// OnDelta / OnSources surface incremental state to an observer. Both are
	// invoked from the session goroutine and may be nil.
	OnDelta   func(fragment string)
	OnSources func(sources []Source)
}

// Session owns one assistant turn from first byte to persisted message.
type Session struct {
	conversationID string
	resolver       *Resolver
	store          MessageStore
	opts           SessionOptions

	state     SessionState
	text      strings.Builder
	sources   []Source
	resolved  chan []Source
	persisted bool
	ctx       context.Context
}

// Result is the outcome of a finalized session.
type Result struct {
	MessageID   uint64
	Content     string
	Sources     []Source
	Interrupted bool
}

func NewSession(conversationID string, resolver *Resolver, store MessageStore, opts SessionOptions) *Session {
	if opts.FinalizeWait <= 0 {
		opts.FinalizeWait = defaultFinalizeWait
	}
	return &Session{
		conversationID: conversationID,
		resolver:       resolver,
		store:          store,
		opts:           opts,
		state:          StateIdle,
	}
}

func (s *Session) State() SessionState { return s.state }

// Run pumps the stream body through the decoder until the sentinel, end of
// body, or a read error, then finalizes and persists exactly once. A
// transport failure mid-stream still persists the partial answer with a
// failure notice appended; only cancellation (absent PersistOnCancel) or a
// persistence failure leaves no message behind.
func (s *Session) Run(ctx context.Context, body io.Reader) (*Result, error) {
	s.ctx = ctx
	s.state = StateStreaming

	dec := &FrameDecoder{}
	buf := make([]byte, 4096)
	var readErr error

	for !dec.Done() {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		n, err := body.Read(buf)
		if n > 0 {
			for _, payload := range dec.Feed(buf[:n]) {
				s.apply(payload)
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}
	if !dec.Done() && readErr == nil {
		for _, payload := range dec.Flush() {
			s.apply(payload)
		}
	}

	if ctx.Err() != nil && !s.opts.PersistOnCancel {
		s.state = StateFailed
		return nil, ctx.Err()
	}

	return s.finalize(readErr)
}

// apply folds one frame into session state. Malformed payloads parse to an
// empty delta and fall through as no-ops.
func (s *Session) apply(payload string) {
	d := ParseDelta(payload)
	if d.Content != "" {
		s.text.WriteString(d.Content)
		if s.opts.OnDelta != nil {
			s.opts.OnDelta(d.Content)
		}
	}
	if d.HasSources {
		s.sources = d.Sources
		s.kickResolve(d.Sources)
	}
}

// kickResolve starts resolving a reference batch without blocking frame
// consumption. A later batch replaces the channel; the stale result is
// dropped on the floor (buffered send, no goroutine leak).
func (s *Session) kickResolve(batch []Source) {
	ch := make(chan []Source, 1)
	s.resolved = ch
	snapshot := append([]Source(nil), batch...)
	go func() {
		ch <- s.resolver.ResolveAll(s.ctx, snapshot)
	}()
}

func (s *Session) finalize(readErr error) (*Result, error) {
	s.state = StateFinalizing

	if s.resolved != nil {
		select {
		case batch := <-s.resolved:
			s.sources = batch
			if s.opts.OnSources != nil {
				s.opts.OnSources(batch)
			}
		case <-time.After(s.opts.FinalizeWait):
			// Persist with best-known partial sources rather than block.
		}
	}

	content := s.text.String()
	if content == "" {
		content = emptyAnswerPlaceholder
	} else {
		content = NormalizeCitations(content, len(s.sources))
	}
	if readErr != nil {
		content += transportFailureNotice
	}

	if s.persisted {
		return nil, fmt.Errorf("session for conversation %s already persisted", s.conversationID)
	}

	// The durable write must survive request-scope cancellation that races
	// with a clean stream end.
	id, err := s.store.CreateAssistantMessage(context.WithoutCancel(s.ctx), s.conversationID, content, s.sources)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	s.persisted = true
	s.state = StatePersisted

	return &Result{
		MessageID:   id,
		Content:     content,
		Sources:     s.sources,
		Interrupted: readErr != nil,
	}, nil
}
