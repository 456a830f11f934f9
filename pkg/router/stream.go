package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
	readChunkSize = 4096
)

// Stream yields content fragments of a streaming completion in arrival
// order. It is not safe for concurrent use.
type Stream struct {
	router   *Router
	provider *Provider
	ctx      context.Context
	body     io.ReadCloser
	cancel   context.CancelFunc
	logger   zerolog.Logger
	start    time.Time

	pending []byte
	queue   []string
	current string
	done    bool
	closed  bool
	err     error
}

// ChatStream opens a streaming completion. Failover happens only while
// establishing the stream; once headers arrive the provider is fixed.
func (r *Router) ChatStream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*Stream, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.router", "router.chat_stream", attribute.Int("messages", len(messages)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		p, err := r.selectProvider(lastErr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		logger.Info().Int("attempt", attempt).Str("provider", p.ID).Str("model", p.ModelName).Msg("Opening stream")

		s, err := r.openStream(ctx, p, messages, tools)
		if err == nil {
			s.logger = logger.With().Str("provider", p.ID).Logger()
			span.SetAttributes(attribute.String("provider", p.ID), attribute.Int("attempts", attempt))
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Error().Int("attempt", attempt).Str("provider", p.ID).Err(err).Msg("Failed to open stream")
		r.demote(p, err)
		lastErr = err
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("giving up after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Router) openStream(ctx context.Context, p *Provider, messages []llm.Message, tools []llm.Tool) (*Stream, error) {
	start := time.Now()
	streamCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(r.cfg.RequestTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(err error) (*Stream, error) {
		timer.Stop()
		cancel()
		observability.RecordRouterCall(p.ID, "stream", "error", time.Since(start))
		return nil, err
	}

	req, err := r.newRequest(streamCtx, p, messages, tools, true)
	if err != nil {
		return fail(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if timedOut.Load() {
			return fail(fmt.Errorf("%w (%s) from provider %s", ErrRequestTimeout, r.cfg.RequestTimeout, p.ID))
		}
		return fail(fmt.Errorf("provider %s: %w", p.ID, err))
	}
	if !timer.Stop() {
		resp.Body.Close()
		return fail(fmt.Errorf("%w (%s) from provider %s", ErrRequestTimeout, r.cfg.RequestTimeout, p.ID))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(p, resp)
		resp.Body.Close()
		return fail(err)
	}

	return &Stream{
		router:   r,
		provider: p,
		ctx:      ctx,
		body:     resp.Body,
		cancel:   cancel,
		start:    start,
	}, nil
}

// Next advances to the next content fragment. It returns false at the end
// of the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.done || s.err != nil || s.closed {
			s.finish()
			return false
		}
		s.fill()
	}
}

// Current returns the fragment produced by the last successful Next.
func (s *Stream) Current() string {
	return s.current
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.body.Close()
}

func (s *Stream) fill() {
	buf := make([]byte, readChunkSize)
	n, err := s.body.Read(buf)
	if n > 0 {
		s.pending = append(s.pending, buf[:n]...)
		s.drainLines()
	}
	if err == nil {
		return
	}

	if errors.Is(err, io.EOF) {
		// A final line without a trailing newline still counts.
		if len(s.pending) > 0 {
			line := s.pending
			s.pending = nil
			s.handleLine(line)
		}
		s.done = true
		return
	}

	if s.ctx.Err() != nil {
		s.err = s.ctx.Err()
		return
	}
	s.err = fmt.Errorf("provider %s: stream interrupted: %w", s.provider.ID, err)
	s.router.demote(s.provider, s.err)
}

func (s *Stream) drainLines() {
	for !s.done {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return
		}
		line := s.pending[:idx]
		s.pending = s.pending[idx+1:]
		s.handleLine(line)
	}
}

func (s *Stream) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte(sseDataPrefix)) {
		return
	}

	payload := bytes.TrimSpace(trimmed[len(sseDataPrefix):])
	if string(payload) == sseDone {
		s.done = true
		return
	}
	if !gjson.ValidBytes(payload) {
		s.logger.Debug().Int("bytes", len(payload)).Msg("Discarding malformed stream frame")
		return
	}

	content := gjson.GetBytes(payload, "choices.0.delta.content")
	if content.Type == gjson.String && content.Str != "" {
		s.queue = append(s.queue, content.Str)
	}
}

func (s *Stream) finish() {
	if s.closed {
		return
	}
	outcome := "success"
	if s.err != nil {
		outcome = "error"
	}
	observability.RecordRouterCall(s.provider.ID, "stream", outcome, time.Since(s.start))
	s.Close()
}

// Collect drains the stream into a single string.
func (s *Stream) Collect() (string, error) {
	defer s.Close()

	var b bytes.Buffer
	for s.Next() {
		b.WriteString(s.Current())
	}
	return b.String(), s.Err()
}
