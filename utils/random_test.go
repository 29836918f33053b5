package utils

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(20)
	require.NoError(t, err)
	assert.Len(t, a, 20)

	b, err := RandomBytes(20)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	empty, err := RandomBytes(0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRandomInt(t *testing.T) {
	t.Run("stays in range", func(t *testing.T) {
		seen := make(map[int]bool)
		for i := 0; i < 1000; i++ {
			n, err := RandomInt(3, 7)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 3)
			assert.LessOrEqual(t, n, 7)
			seen[n] = true
		}
		assert.Len(t, seen, 5)
	})

	t.Run("single value range", func(t *testing.T) {
		n, err := RandomInt(9, 9)
		require.NoError(t, err)
		assert.Equal(t, 9, n)
	})

	t.Run("empty range", func(t *testing.T) {
		_, err := RandomInt(2, 1)
		assert.Error(t, err)
	})
}

func TestRandomWords(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]{4,6}(-[a-z]{4,6}){3}$`)
	for i := 0; i < 50; i++ {
		got, err := RandomWords(4, 4, 6)
		require.NoError(t, err)
		assert.Regexp(t, pattern, got)
	}
}
