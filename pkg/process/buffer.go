package process

import (
	"sync"
	"unicode/utf8"
)

const (
	// DefaultBufferLimit is the size at which a session buffer is trimmed.
	DefaultBufferLimit = 100 * 1024
	// DefaultBufferRetain is what remains after a trim.
	DefaultBufferRetain = 50 * 1024
)

// outputBuffer is a drop-oldest byte buffer shared by a process's stdout
// and stderr. Once it grows past limit it is cut back to the newest retain
// bytes.
type outputBuffer struct {
	mu     sync.Mutex
	data   []byte
	limit  int
	retain int
}

func newOutputBuffer(limit, retain int) *outputBuffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	if retain <= 0 || retain > limit {
		retain = limit / 2
	}
	return &outputBuffer{limit: limit, retain: retain}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		start := len(b.data) - b.retain
		// do not start in the middle of a UTF-8 sequence
		for i := 0; i < utf8.UTFMax && start < len(b.data) && !utf8.RuneStart(b.data[start]); i++ {
			start++
		}
		kept := make([]byte, len(b.data)-start, b.limit+1)
		copy(kept, b.data[start:])
		b.data = kept
	}
	return len(p), nil
}

func (b *outputBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *outputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
