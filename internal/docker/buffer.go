package docker

import "bytes"

// boundedBuffer is an io.Writer that never fails and never holds more than
// max bytes. With keepTail it keeps the most recent bytes, otherwise the
// first ones. A max of zero or less means unbounded.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	keepTail  bool
	truncated bool
}

func newBoundedBuffer(max int, keepTail bool) *boundedBuffer {
	return &boundedBuffer{max: max, keepTail: keepTail}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max <= 0 {
		b.buf.Write(p)
		return n, nil
	}

	if !b.keepTail {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
		b.buf.Write(p)
		return n, nil
	}

	if len(p) >= b.max {
		b.truncated = b.truncated || b.buf.Len() > 0 || len(p) > b.max
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.max:])
		return n, nil
	}
	if over := b.buf.Len() + len(p) - b.max; over > 0 {
		b.buf.Next(over)
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

func (b *boundedBuffer) Truncated() bool { return b.truncated }
