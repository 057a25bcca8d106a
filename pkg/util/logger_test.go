package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerBadLevel(t *testing.T) {
	_, err := NewLoggerWithConfig("relay", LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLoggerFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "burrow.log")
	l, err := NewLoggerWithConfig("relay", LogConfig{Level: "warn", File: file, MaxSize: 1})
	require.NoError(t, err)

	l.Infof("hidden %d", 1)
	l.Warnf("tunnel %s gone", "api")
	_ = l.Sync()

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[relay] tunnel api gone")
	assert.NotContains(t, string(b), "hidden")
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Errorf("nothing %s", "happens")
	assert.NoError(t, l.Sync())
}
