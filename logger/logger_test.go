package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestNew(t *testing.T) {
	t.Run("writes json with service and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Options{Service: "licensesrv", Level: zerolog.InfoLevel, Output: &buf})
		require.NoError(t, err)

		l.Info("connection accepted", Field{Key: "conn_id", Value: 7})
		l.Debug("hidden")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "licensesrv", lines[0]["service"])
		assert.Equal(t, "connection accepted", lines[0]["message"])
		assert.Equal(t, "info", lines[0]["level"])
		assert.EqualValues(t, 7, lines[0]["conn_id"])
		assert.Contains(t, lines[0], "time")
	})

	t.Run("With attaches fields", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Options{Service: "s", Level: zerolog.DebugLevel, Output: &buf})
		require.NoError(t, err)

		child := l.With(Field{Key: "component", Value: "engine"})
		child.Warn("slow", Field{Key: "ms", Value: 12})
		l.Error("plain")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "engine", lines[0]["component"])
		assert.NotContains(t, lines[1], "component")
	})

	t.Run("writes to log dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "logs")
		var buf bytes.Buffer
		l, err := New(Options{Service: "filetest", Level: zerolog.InfoLevel, Dir: dir, Output: &buf})
		require.NoError(t, err)

		l.Info("to file")
		require.NoError(t, l.Close())
		require.NoError(t, l.Close())

		name := filepath.Join(dir, "filetest_"+time.Now().Format(time.DateOnly)+".log")
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
		assert.Contains(t, buf.String(), "to file")
	})
}

func TestEnabled(t *testing.T) {
	l, err := New(Options{Level: zerolog.WarnLevel, Output: &bytes.Buffer{}})
	require.NoError(t, err)

	assert.False(t, l.Enabled(zerolog.DebugLevel))
	assert.False(t, l.Enabled(zerolog.InfoLevel))
	assert.True(t, l.Enabled(zerolog.WarnLevel))
	assert.True(t, l.Enabled(zerolog.ErrorLevel))
	assert.False(t, NewNopLogger().Enabled(zerolog.ErrorLevel))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"INFO":     zerolog.InfoLevel,
		" warn ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	}

	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("rotates on date change", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("svc", dir)
		require.NoError(t, err)
		defer w.Close()

		day := time.Date(2024, 1, 1, 23, 59, 0, 0, time.Local)
		w.now = func() time.Time { return day }

		_, err = w.Write([]byte("one\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2024-01-01.log"), w.CurrentLogFile())

		day = day.Add(2 * time.Minute)
		_, err = w.Write([]byte("two\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2024-01-02.log"), w.CurrentLogFile())

		data, err := os.ReadFile(filepath.Join(dir, "svc_2024-01-01.log"))
		require.NoError(t, err)
		assert.Equal(t, "one\n", string(data))
	})

	t.Run("write after close fails", func(t *testing.T) {
		w, err := NewDailyFileWriter("svc", t.TempDir())
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = w.Write([]byte("x"))
		assert.ErrorIs(t, err, errWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := NewDailyFileWriter("svc", filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}
