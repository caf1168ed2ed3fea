package gwlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bmizerany/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGWLog(t *testing.T) {
	SetSource("gwlog_test")
	SetLevel(DebugLevel)

	assert.Equal(t, DebugLevel, StringToLevel("debug"))
	assert.Equal(t, InfoLevel, StringToLevel("info"))
	assert.Equal(t, WarnLevel, StringToLevel("warning"))
	assert.Equal(t, ErrorLevel, StringToLevel("error"))
	assert.Equal(t, PanicLevel, StringToLevel("panic"))
	assert.Equal(t, FatalLevel, StringToLevel("fatal"))

	Debugf("this is a debug %d", 1)
	Infof("this is an info %d", 2)
	Warnf("this is a warning %d", 3)
	TraceError("this is a trace error %d", 4)
	func() {
		defer func() {
			_ = recover()
		}()
		Panicf("this is a panic %d", 4)
	}()
}

func TestSetOutputAndLevel(t *testing.T) {
	prev := GetOutput()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(prev)

	SetLevel(InfoLevel)
	defer SetLevel(DebugLevel)
	Debugf("SHOULD NOT SEE THIS!")
	Infof("visible %d", 7)

	out := buf.String()
	assert.T(t, !strings.Contains(out, "SHOULD NOT SEE THIS"), "debug message leaked")
	assert.Tf(t, strings.Contains(out, "visible 7"), "info message missing: %q", out)
	assert.Equal(t, InfoLevel, GetLevel())
}

func TestReplaceCoreObserver(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ReplaceCore(core)
	defer SetOutput(GetOutput())

	Infof("dropped")
	Warnf("kept %s", "warning")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept warning", logs.All()[0].Message)
}
