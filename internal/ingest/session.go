package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/bankserver/internal/ir"
)

// Terminal strings.
const (
	Prompt       = "> "
	InvalidReply = "Please enter a valid request."
)

// Submitter accepts requests. Implemented by *engine.Server.
type Submitter interface {
	Submit(req ir.Request) (int64, error)
}

// SessionStats counts what a session did with its input lines.
type SessionStats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Invalid  int `json:"invalid"`
}

// Session reads commands from in and writes replies to out.
type Session struct {
	sub    Submitter
	in     io.Reader
	out    io.Writer
	log    *slog.Logger
	prompt bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithoutPrompt suppresses the "> " prompt. Used for piped input.
func WithoutPrompt() SessionOption {
	return func(s *Session) { s.prompt = false }
}

// WithSessionLogger sets the diagnostic logger. Default: slog.Default().
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// NewSession creates a session submitting to sub.
func NewSession(sub Submitter, in io.Reader, out io.Writer, opts ...SessionOption) *Session {
	s := &Session{
		sub:    sub,
		in:     in,
		out:    out,
		log:    slog.Default(),
		prompt: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes lines until END, end of input, or ctx is cancelled.
//
// Replies:
//
//	< ID <seq>                 request accepted
//	< REJECTED <reason>        request failed validation, nothing queued
//	Please enter a valid request.
//
// Lines longer than MaxLineLength get the invalid reply. Run returns a
// non-nil error only for I/O failures, cancellation, or when the submitter
// stops accepting requests.
func (s *Session) Run(ctx context.Context) (SessionStats, error) {
	var stats SessionStats
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines := readLines(readCtx, s.in)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if s.prompt {
			if _, err := io.WriteString(s.out, Prompt); err != nil {
				return stats, fmt.Errorf("write prompt: %w", err)
			}
		}

		var (
			ln inputLine
			ok bool
		)
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case ln, ok = <-lines:
		}
		if !ok {
			s.log.Debug("end of input")
			return stats, nil
		}
		if ln.err != nil {
			return stats, fmt.Errorf("read input: %w", ln.err)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if ln.tooLong {
			stats.Invalid++
			s.log.Debug("invalid input", "error", "line too long", "max", MaxLineLength)
			if err := s.reply(InvalidReply); err != nil {
				return stats, err
			}
			continue
		}

		cmd, err := Parse(ln.text)
		if err != nil {
			stats.Invalid++
			s.log.Debug("invalid input", "line", ln.text, "error", err)
			if err := s.reply(InvalidReply); err != nil {
				return stats, err
			}
			continue
		}
		if cmd.End {
			return stats, nil
		}

		seq, err := s.sub.Submit(cmd.Request)
		var ve *ir.ValidationError
		switch {
		case errors.As(err, &ve):
			stats.Rejected++
			if err := s.reply("< REJECTED " + ve.Error()); err != nil {
				return stats, err
			}
		case err != nil:
			// A queue closed by shutdown is cancellation, not a failure.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			return stats, fmt.Errorf("submit %s: %w", cmd.Request, err)
		default:
			stats.Accepted++
			if err := s.reply(fmt.Sprintf("< ID %d", seq)); err != nil {
				return stats, err
			}
		}
	}
}

func (s *Session) reply(line string) error {
	if _, err := fmt.Fprintln(s.out, line); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
