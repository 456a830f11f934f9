package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBuffer(t *testing.T) {
	t.Run("should keep everything under the limit", func(t *testing.T) {
		b := newOutputBuffer(100, 50)
		b.WriteString("hello ")
		b.WriteString("world")
		assert.Equal(t, "hello world", b.String())
	})

	t.Run("should drop the oldest bytes past the limit", func(t *testing.T) {
		b := newOutputBuffer(100, 50)
		b.WriteString(strings.Repeat("a", 90))
		b.WriteString(strings.Repeat("b", 20))

		assert.Equal(t, 50, b.Len())
		assert.Equal(t, strings.Repeat("a", 30)+strings.Repeat("b", 20), b.String())
	})

	t.Run("should use the default bounds", func(t *testing.T) {
		b := newOutputBuffer(0, 0)
		b.WriteString(strings.Repeat("x", DefaultBufferLimit))
		assert.Equal(t, DefaultBufferLimit, b.Len())

		b.WriteString("y")
		assert.Equal(t, DefaultBufferRetain, b.Len())
		assert.True(t, strings.HasSuffix(b.String(), "xy"))
	})

	t.Run("should not split a multi-byte rune", func(t *testing.T) {
		b := newOutputBuffer(10, 5)
		b.WriteString("aaaaaaaa")
		b.WriteString("éé")

		assert.Equal(t, "éé", b.String()[len(b.String())-4:])
		assert.True(t, strings.HasPrefix(b.String(), "a") || strings.HasPrefix(b.String(), "é"))
	})
}
