package executor

import (
	"bytes"

	"github.com/cuemby/burrow/pkg/types"
)

// cappedBuffer is an io.Writer that keeps at most max bytes and drops
// the rest. Writes never fail; overflow is recorded so the truncation
// marker can be appended once.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured stream, with the truncation marker
// appended when anything was dropped.
func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + types.TruncationMarker
	}
	return b.buf.String()
}
