package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinBytes(t *testing.T) {
	t.Run("single slice", func(t *testing.T) {
		got := JoinBytes([]byte("foo"))
		assert.Equal(t, []byte("foo"), got)
	})

	t.Run("multiple slices concatenated", func(t *testing.T) {
		got := JoinBytes([]byte("foo"), []byte("|"), []byte("baz"))
		assert.Equal(t, []byte("foo|baz"), got)
	})

	t.Run("empty slices", func(t *testing.T) {
		got := JoinBytes([]byte{}, []byte("a"), nil)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("no args returns empty", func(t *testing.T) {
		got := JoinBytes()
		assert.Empty(t, got)
	})

	t.Run("result does not alias inputs", func(t *testing.T) {
		src := []byte("abc")
		got := JoinBytes(src)
		got[0] = 'x'
		assert.Equal(t, []byte("abc"), src)
	})
}

func TestNextLine(t *testing.T) {
	t.Run("no terminator", func(t *testing.T) {
		line, n := NextLine([]byte(`{"action":`))
		assert.Nil(t, line)
		assert.Zero(t, n)
	})

	t.Run("single line", func(t *testing.T) {
		line, n := NextLine([]byte("hello\n"))
		assert.Equal(t, []byte("hello"), line)
		assert.Equal(t, 6, n)
	})

	t.Run("strips carriage return", func(t *testing.T) {
		line, n := NextLine([]byte("hello\r\nworld"))
		assert.Equal(t, []byte("hello"), line)
		assert.Equal(t, 7, n)
	})

	t.Run("empty line", func(t *testing.T) {
		line, n := NextLine([]byte("\nrest"))
		assert.Empty(t, line)
		assert.Equal(t, 1, n)
	})

	t.Run("consecutive lines", func(t *testing.T) {
		buf := []byte("a\nbb\nccc")
		var lines []string
		for {
			line, n := NextLine(buf)
			if n == 0 {
				break
			}
			lines = append(lines, string(line))
			buf = buf[n:]
		}
		assert.Equal(t, []string{"a", "bb"}, lines)
		assert.Equal(t, []byte("ccc"), buf)
	})
}
