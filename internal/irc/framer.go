package irc

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/dalnet/dunamis/internal/observability"
)

const readChunk = 4096

// Framer splits a byte stream into protocol lines. Lines end at '\n' with an
// optional '\r' before it. Lines longer than the limit are dropped whole, and
// framing resumes after their terminator. A Framer belongs to one connection.
type Framer struct {
	r       io.Reader
	max     int
	buf     []byte
	chunk   []byte
	err     error
	discard bool // inside an overlong line

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewFramer reads from r. maxLen is the longest accepted line, terminator excluded.
func NewFramer(r io.Reader, maxLen int, logger *slog.Logger, metrics *observability.Metrics) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{
		r:       r,
		max:     maxLen,
		chunk:   make([]byte, readChunk),
		logger:  logger,
		metrics: metrics,
	}
}

// ReadLine returns the next non-empty line without its terminator. A partial
// line left when the stream ends is discarded and the read error returned.
func (f *Framer) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(f.buf, '\n'); i >= 0 {
			line := f.buf[:i]
			f.buf = f.buf[i+1:]

			if f.discard {
				f.discard = false
				continue
			}
			line = bytes.TrimSuffix(line, []byte{'\r'})
			if len(line) == 0 {
				continue
			}
			if len(line) > f.max {
				f.drop(len(line))
				continue
			}
			f.metrics.LineRead()
			out := make([]byte, len(line))
			copy(out, line)
			return out, nil
		}

		// no terminator buffered; bound the partial line
		if f.discard {
			f.buf = f.buf[:0]
		} else if len(f.buf) > f.max+1 {
			f.drop(len(f.buf))
			f.discard = true
			f.buf = f.buf[:0]
		}

		if f.err != nil {
			return nil, f.err
		}
		f.fill()
	}
}

func (f *Framer) fill() {
	// compact before growing
	if len(f.buf) == 0 {
		f.buf = f.buf[:0:0]
	}
	n, err := f.r.Read(f.chunk)
	f.buf = append(f.buf, f.chunk[:n]...)
	if err != nil {
		f.err = err
	}
}

func (f *Framer) drop(n int) {
	f.logger.Warn("dropping overlong line", "length_at_least", n, "max", f.max)
	f.metrics.LineDropped()
}
