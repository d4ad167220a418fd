package mcp

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

// defaultMaxFrameBytes bounds a single inbound frame: one line on the stdio
// transport, one SSE event on the HTTP transport.
const defaultMaxFrameBytes = 10 * 1024 * 1024

// Transport exchanges opaque JSON-RPC frames with one remote endpoint. It has
// no protocol knowledge beyond framing. Send is safe for concurrent use;
// Receive is called only by the connection's read loop. Close is idempotent
// and unblocks a pending Receive.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// errFrameTooLarge is returned by readLineBounded; the transport decorates it
// with server context before surfacing.
var errFrameTooLarge = errors.Mark(errors.New("frame exceeds size limit"), ErrResourceLimit)

// readLineBounded reads one newline-terminated frame of at most max bytes.
// An oversized line is consumed and discarded chunk by chunk, so at no point
// is more than max+bufferSize of it held in memory.
func readLineBounded(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > max {
			if err == nil || errors.Is(err, bufio.ErrBufferFull) {
				discardLine(r)
			}
			return nil, errFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// discardLine drains the remainder of the current line without retaining it.
func discardLine(r *bufio.Reader) {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil || !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// tailBuffer retains the last max bytes written to it. Used to keep a
// diagnostic tail of a subprocess's stderr without unbounded growth.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
