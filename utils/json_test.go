package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLine(t *testing.T) {
	t.Run("terminated by newline", func(t *testing.T) {
		got, err := MarshalLine(map[string]any{"success": true})
		require.NoError(t, err)
		assert.Equal(t, "{\"success\":true}\n", string(got))
	})

	t.Run("does not escape html", func(t *testing.T) {
		got, err := MarshalLine(map[string]string{"url": "https://x/?a=1&b=<2>"})
		require.NoError(t, err)
		assert.Equal(t, "{\"url\":\"https://x/?a=1&b=<2>\"}\n", string(got))
	})

	t.Run("unsupported value", func(t *testing.T) {
		_, err := MarshalLine(make(chan int))
		assert.Error(t, err)
	})
}

func TestIsJsonObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"empty object", `{}`, true},
		{"object", `{"action":"get_products"}`, true},
		{"array", `[1,2]`, false},
		{"string", `"x"`, false},
		{"null", `null`, false},
		{"truncated", `{"a":`, false},
		{"empty input", ``, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsJsonObject([]byte(tc.in)))
		})
	}
}

func TestPointer(t *testing.T) {
	p := Pointer(5)
	require.NotNil(t, p)
	assert.Equal(t, 5, *p)

	*p = 6
	q := Pointer(5)
	assert.Equal(t, 5, *q)
}
