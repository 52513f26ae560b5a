package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		debug     bool
		checkFunc func(t *testing.T, output string)
	}{
		{
			name:   "text logger info level",
			config: Config{Level: "info", Format: "text"},
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, "level=INFO")
				assert.Contains(t, output, `msg="test message"`)
				assert.Contains(t, output, "component=reconciler")
			},
		},
		{
			name:   "json logger debug level",
			config: Config{Level: "debug", Format: "json"},
			debug:  true,
			checkFunc: func(t *testing.T, output string) {
				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(output), &entry))
				assert.Equal(t, "DEBUG", entry["level"])
				assert.Equal(t, "test message", entry["msg"])
				assert.Equal(t, "reconciler", entry["component"])
			},
		},
		{
			name:   "debug suppressed at warn level",
			config: Config{Level: "warn", Format: "text"},
			debug:  true,
			checkFunc: func(t *testing.T, output string) {
				assert.Empty(t, output)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := WithComponent(NewLogger(tt.config, &buf), "reconciler")
			if tt.debug {
				l.Debug("test message")
			} else {
				l.Info("test message")
			}
			tt.checkFunc(t, buf.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l := NewLogger(Config{Level: "info", Output: "file", File: path}, nil)
	l.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
