package log

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestNewGologLogger(t *testing.T) {
	glogger := golog.New()

	logger := NewGologLogger(glogger)

	assert.NotNil(t, logger)
	assert.Equal(t, LogLevelInfo, logger.GetLevel())
}

func TestGologLogger_LevelControl(t *testing.T) {
	glogger := golog.New()
	logger := NewGologLogger(glogger)

	logger.SetLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())

	logger.SetLevel(LogLevelError)
	assert.Equal(t, LogLevelError, logger.GetLevel())

	logger.SetLevel(LogLevelNone)
	assert.Equal(t, LogLevelNone, logger.GetLevel())
}

func TestGologLogger_Formatting(t *testing.T) {
	var buf bytes.Buffer
	glogger := golog.New()
	glogger.SetOutput(&buf)

	logger := NewGologLogger(glogger)
	logger.Info("checkpoint %s saved at seq %d", "cp-1", 7)

	assert.Contains(t, buf.String(), "checkpoint cp-1 saved at seq 7")
}

func TestGologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	glogger := golog.New()
	glogger.SetOutput(&buf)

	logger := NewGologLogger(glogger)
	logger.SetLevel(LogLevelError)

	logger.Debug("filtered debug")
	logger.Info("filtered info")
	logger.Warn("filtered warn")
	logger.Error("kept error")

	out := buf.String()
	assert.NotContains(t, out, "filtered debug")
	assert.NotContains(t, out, "filtered info")
	assert.NotContains(t, out, "filtered warn")
	assert.Contains(t, out, "kept error")
}

func TestGologLogger_CustomGologInstance(t *testing.T) {
	// A golog instance configured by the caller keeps its own settings;
	// our level control works independently on top of it.
	glogger := golog.New()
	glogger.SetLevel("error")
	glogger.SetPrefix("[CUSTOM] ")

	logger := NewGologLogger(glogger)
	assert.NotNil(t, logger)

	logger.SetLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())
}
