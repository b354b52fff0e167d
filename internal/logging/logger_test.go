package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	scanner := bufio.NewScanner(&buf)
	_ = scanner
	var out bytes.Buffer
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	return out.String()
}

func TestLoggerRespectsLevel(t *testing.T) {
	out := captureStdout(t, func() {
		l := New("df", Warn)
		l.output = os.Stdout
		l.Info("should not appear")
		l.Warn("should appear")
	})
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLoggerEmitsValidJSON(t *testing.T) {
	out := captureStdout(t, func() {
		l := New("kb", Debug)
		l.output = os.Stdout
		l.Info("stored", "key", "session:s1:chat:frame:1", "version", 1)
	})

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(out[:len(out)-1]), &entry))
	assert.Equal(t, "kb", entry.Component)
	assert.Equal(t, Info, entry.Level)
	assert.Equal(t, "stored", entry.Message)
	assert.Equal(t, "session:s1:chat:frame:1", entry.Fields["key"])
}

func TestErrIncludesErrorField(t *testing.T) {
	out := captureStdout(t, func() {
		l := New("kb", Debug)
		l.output = os.Stdout
		l.Err("store failed", assertErr{"conflict"}, "key", "k")
	})

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(out[:len(out)-1]), &entry))
	assert.Equal(t, "conflict", entry.Fields["error"])
	assert.NotEmpty(t, entry.File)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
