package gwlog

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"encoding/json"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DebugLevel level
	DebugLevel Level = Level(zap.DebugLevel)
	// InfoLevel level
	InfoLevel Level = Level(zap.InfoLevel)
	// WarnLevel level
	WarnLevel Level = Level(zap.WarnLevel)
	// ErrorLevel level
	ErrorLevel Level = Level(zap.ErrorLevel)
	// PanicLevel level
	PanicLevel Level = Level(zap.PanicLevel)
	// FatalLevel level
	FatalLevel Level = Level(zap.FatalLevel)

	// Debugf logs formatted debug message
	Debugf logFormatFunc
	// Infof logs formatted info message
	Infof logFormatFunc
	// Warnf logs formatted warn message
	Warnf logFormatFunc
	// Errorf logs formatted error message
	Errorf logFormatFunc
	Panicf logFormatFunc
	Fatalf logFormatFunc
	Fatal  func(args ...interface{})
	Panic  func(args ...interface{})
)

type logFormatFunc func(format string, args ...interface{})

// Level is type of log levels
type Level zapcore.Level

var (
	lock         sync.Mutex
	cfg          zap.Config
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	logger       *zap.Logger
	sugar        *zap.SugaredLogger
	source       string
	outputWriter io.Writer = os.Stderr
)

func init() {
	var err error
	cfgJson := []byte(`{
		"level": "debug",
		"outputPaths": ["stderr"],
		"errorOutputPaths": ["stderr"],
		"encoding": "console",
		"encoderConfig": {
			"messageKey": "message",
			"levelKey": "level",
			"timeKey": "time",
			"levelEncoder": "lowercase",
			"timeEncoder": "iso8601"
		}
	}`)

	if err = json.Unmarshal(cfgJson, &cfg); err != nil {
		panic(err)
	}
	cfg.Level = atomicLevel

	logger, err = cfg.Build()
	if err != nil {
		panic(err)
	}
	setSugar(logger.Sugar())
}

// SetSource sets the component name (cellserver, test, ...) of gwlog module
func SetSource(comp string) {
	lock.Lock()
	defer lock.Unlock()
	source = comp
	setSugar(logger.With(zap.String("source", comp)).Sugar())
}

func setSugar(sugar_ *zap.SugaredLogger) {
	sugar = sugar_
	Debugf = sugar.Debugf
	Infof = sugar.Infof
	Warnf = sugar.Warnf
	Errorf = sugar.Errorf
	Panicf = sugar.Panicf
	Panic = sugar.Panic
	Fatalf = sugar.Fatalf
	Fatal = sugar.Fatal
}

// SetLevel sets the log level
func SetLevel(lv Level) {
	atomicLevel.SetLevel(zapcore.Level(lv))
}

// GetLevel returns the current log level
func GetLevel() Level {
	return Level(atomicLevel.Level())
}

// TraceError prints the stack and error
func TraceError(format string, args ...interface{}) {
	Errorf(format+"\n%s", append(args, debug.Stack())...)
}

// SetOutput redirects all log output to the writer
func SetOutput(out io.Writer) {
	encoder := zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	ReplaceCore(zapcore.NewCore(encoder, zapcore.AddSync(out), atomicLevel))
	lock.Lock()
	outputWriter = out
	lock.Unlock()
}

// GetOutput returns the output writer
func GetOutput() io.Writer {
	lock.Lock()
	defer lock.Unlock()
	return outputWriter
}

// ReplaceCore replaces the underlying zap core, keeping the configured source field
func ReplaceCore(core zapcore.Core) {
	lock.Lock()
	defer lock.Unlock()
	logger = zap.New(core)
	l := logger
	if source != "" {
		l = l.With(zap.String("source", source))
	}
	setSugar(l.Sugar())
}

// StringToLevel converts string to Levels
func StringToLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "panic":
		return PanicLevel
	case "fatal":
		return FatalLevel
	}
	Errorf("StringToLevel: unknown level: %s", s)
	return DebugLevel
}
