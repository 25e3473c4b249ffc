package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO serves a single Session over a newline-delimited stream of JSON-RPC envelopes, such
// as stdin/stdout of a child process. Replies and server-initiated notifications share the
// writer, one envelope per line.
//
// Unlike SSEServer there is no endpoint to discover: the Session is usable as soon as Serve
// runs. Lines that are not valid envelopes are logged and dropped without a reply.
type StdIO struct {
	reader     io.Reader
	writer     io.Writer
	dispatcher *Dispatcher
	logger     *slog.Logger

	session *Session
	writeMu sync.Mutex
}

// StdIOOption represents the options for StdIO.
type StdIOOption func(*StdIO)

type stdIONotifier struct {
	s *StdIO
}

type stdIOLine struct {
	line string
	err  error
}

// NewStdIO creates a StdIO that reads requests from reader and writes replies to writer.
func NewStdIO(reader io.Reader, writer io.Writer, dispatcher *Dispatcher, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:     reader,
		writer:     writer,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.session = newSession(uuid.New().String(), "", stdIONotifier{s: s})
	return s
}

// WithStdIOLogger sets the logger for StdIO.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "stdio"),
		)
	}
}

// Session returns the Session served by s.
func (s *StdIO) Session() *Session { return s.session }

// Serve reads envelopes until the reader is exhausted, ctx is done or the Session was shut
// down, and dispatches each of them concurrently. It waits for in-flight calls before it
// returns and leaves the Session closed.
func (s *StdIO) Serve(ctx context.Context) error {
	defer s.session.ForceClose()

	lines := make(chan stdIOLine)
	go s.readLines(lines)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		var l stdIOLine
		select {
		case <-ctx.Done():
			s.session.ForceClose()
			return ctx.Err()
		case <-s.session.CloseRequested():
			return nil
		case l = <-lines:
		}

		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", l.err)
		}
		if l.line == "" {
			continue
		}

		env, err := Decode([]byte(l.line))
		if err != nil {
			s.logger.Warn("dropping malformed envelope",
				slog.String("err", err.Error()),
				slog.Bool("validJSON", json.Valid([]byte(l.line))))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()

			resp, ok := s.dispatcher.Handle(ctx, env, s.session)
			if !ok {
				return
			}
			s.writeEnvelope(resp)
			s.session.ResponseDelivered(resp.ID)
		}()
	}
}

func (s *StdIO) readLines(lines chan<- stdIOLine) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			select {
			case lines <- stdIOLine{err: err}:
			case <-s.session.Done():
			}
			return
		}

		select {
		case lines <- stdIOLine{line: strings.TrimSpace(line)}:
		case <-s.session.Done():
			return
		}
	}
}

func (s *StdIO) writeEnvelope(env Envelope) {
	if err := s.write(env); err != nil {
		s.logger.Error("failed to write envelope", slog.String("err", err.Error()))
	}
}

func (s *StdIO) write(env Envelope) error {
	bs, err := Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	// Append newline to maintain message framing protocol
	bs = append(bs, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(bs); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (n stdIONotifier) Send(ctx context.Context, env Envelope) error {
	if env.Kind() != KindNotification {
		return fmt.Errorf("%w: only notifications can be pushed, got %s", ErrMalformedEnvelope, env.Kind())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.s.write(env)
}
