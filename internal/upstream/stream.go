package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vision-gateway/internal/perf"
)

// MaxLineBytes caps one upstream line. Chat-completion frames are small; a
// longer line means the upstream is misbehaving.
const MaxLineBytes = 1 << 20

// ErrLineTooLong ends a stream whose current line exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("upstream line exceeds maximum length")

// Stream is a lazy iterator over the lines of one upstream response body.
// Reads unblock as soon as the caller's context is cancelled or the attempt
// deadline passes.
type Stream struct {
	StatusCode int
	Header     http.Header

	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	body    io.ReadCloser
	reader  *bufio.Reader

	line    string
	pending error
	err     error
	done    bool
	closed  bool
}

func newStream(parent, ctx context.Context, cancel context.CancelFunc, timeout time.Duration, resp *http.Response) *Stream {
	return &Stream{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		parent:     parent,
		ctx:        ctx,
		cancel:     cancel,
		timeout:    timeout,
		body:       resp.Body,
		reader:     perf.AcquireBufioReader(resp.Body),
	}
}

// Next advances to the next line, reporting false at end of body or on error.
func (s *Stream) Next() bool {
	if s.done || s.closed {
		return false
	}
	if s.pending != nil {
		s.finish(s.pending)
		return false
	}
	line, err := s.readLine()
	if err == ErrLineTooLong {
		s.finish(err)
		return false
	}
	if err != nil {
		if line != "" {
			s.line = strings.TrimRight(line, "\r\n")
			s.pending = err
			return true
		}
		s.finish(err)
		return false
	}
	s.line = strings.TrimRight(line, "\r\n")
	return true
}

// readLine reads up to and including the next newline, giving up once the
// line grows past MaxLineBytes.
func (s *Stream) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := s.reader.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineBytes {
			return "", ErrLineTooLong
		}
		buf = append(buf, frag...)
		if err != bufio.ErrBufferFull {
			return string(buf), err
		}
	}
}

// Text returns the current line without its terminator.
func (s *Stream) Text() string {
	return s.line
}

// Err returns the classified read error, or nil after a clean end of body.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the connection and the attempt deadline. It is idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	s.cancel()
	perf.ReleaseBufioReader(s.reader)
	s.reader = nil
	return err
}

func (s *Stream) finish(err error) {
	s.done = true
	if err == io.EOF {
		return
	}
	switch {
	case s.parent.Err() != nil:
		s.err = s.parent.Err()
	case isTimeout(err) || s.ctx.Err() == context.DeadlineExceeded:
		s.err = &TimeoutError{Timeout: s.timeout, Err: err}
	default:
		s.err = fmt.Errorf("read upstream stream: %w", err)
	}
}
