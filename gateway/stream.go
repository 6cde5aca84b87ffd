package gateway

import (
	"context"
	"errors"
	"io"
	"sync"

	"voicegate/core"
)

// DefaultChunkSize bounds a single Next read.
const DefaultChunkSize = 32 << 10

// AudioStream is a finite, non-restartable sequence of audio chunks read
// from an upstream response body as they arrive. Close releases the upstream
// connection and is safe to call more than once.
type AudioStream struct {
	ctx    context.Context
	body   io.ReadCloser
	cancel context.CancelFunc
	buf    []byte

	received int64
	pending  error

	closeOnce sync.Once
}

// NewAudioStream wraps body. ctx is the context the upstream request was
// made with; cancel, if non-nil, is called on Close.
func NewAudioStream(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc, chunkSize int) *AudioStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &AudioStream{
		ctx:    ctx,
		body:   body,
		cancel: cancel,
		buf:    make([]byte, chunkSize),
	}
}

// Next returns the next chunk. It returns io.EOF once the upstream body is
// exhausted and a *core.StreamAbort if the stream broke first. The returned
// slice is only valid until the following call.
func (s *AudioStream) Next() ([]byte, error) {
	if s.pending != nil {
		return nil, s.pending
	}
	for {
		n, err := s.body.Read(s.buf)
		if err != nil {
			s.pending = s.classify(err)
		}
		if n > 0 {
			s.received += int64(n)
			return s.buf[:n], nil
		}
		if s.pending != nil {
			return nil, s.pending
		}
	}
}

// Received is the number of bytes read from upstream so far.
func (s *AudioStream) Received() int64 {
	return s.received
}

func (s *AudioStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}

func (s *AudioStream) classify(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	switch {
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		return &core.StreamAbort{Cause: core.AbortUpstreamTimeout, Err: err}
	case errors.Is(s.ctx.Err(), context.Canceled):
		return &core.StreamAbort{Cause: core.AbortClientGone, Err: err}
	default:
		return &core.StreamAbort{Cause: core.AbortUpstreamBroken, Err: err}
	}
}
