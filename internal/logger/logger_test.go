package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"fatal", FatalLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("test", Options{Level: WarnLevel, Writer: &buf})
	require.NoError(t, err)

	log.Debug("hidden %d", 1)
	log.Info("hidden %d", 2)
	log.Warn("shown %d", 3)
	log.Error("shown %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]  [test] shown 3")
	assert.Contains(t, out, "[ERROR] [test] shown 4")

	log.SetLevel(DebugLevel)
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] [test] now visible")
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	log, err := New("filetest", Options{Dir: dir, Level: InfoLevel, Writer: &buf})
	require.NoError(t, err)

	log.Info("to both")
	require.NoError(t, log.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "filetest_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "to both"))
	assert.Contains(t, buf.String(), "to both")
}
