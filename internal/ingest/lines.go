package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// MaxLineLength is the longest command line accepted, excluding the line
// terminator. Longer lines are discarded and reported as invalid.
const MaxLineLength = 1000

// inputLine is one line read from the session input.
type inputLine struct {
	text    string
	tooLong bool
	err     error
}

// readLines reads r line by line on its own goroutine so the session can
// stop waiting when ctx ends. The channel is closed at end of input or after
// a read error has been delivered.
//
// A blocked Read on r cannot be interrupted; the goroutine exits on the next
// line or when r is closed.
func readLines(ctx context.Context, r io.Reader) <-chan inputLine {
	ch := make(chan inputLine)
	go func() {
		defer close(ch)
		br := bufio.NewReaderSize(r, MaxLineLength+2)
		for {
			ln, err := readLine(br)
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case ch <- ln:
			case <-ctx.Done():
				return
			}
			if ln.err != nil {
				return
			}
		}
	}()
	return ch
}

// readLine returns the next line without its terminator. Bytes past
// MaxLineLength are drained and dropped so the next call starts on a fresh
// line. Returns io.EOF only when no bytes remain.
func readLine(br *bufio.Reader) (inputLine, error) {
	var (
		buf     []byte
		tooLong bool
		read    bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if read {
					return inputLine{text: string(buf), tooLong: tooLong}, nil
				}
				return inputLine{}, io.EOF
			}
			return inputLine{err: err}, nil
		}
		read = true
		if !tooLong {
			if len(buf)+len(chunk) > MaxLineLength {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return inputLine{text: string(buf), tooLong: tooLong}, nil
		}
	}
}
