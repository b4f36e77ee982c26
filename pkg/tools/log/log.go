package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func newConfig(outputs []string) zap.Config {
	return zap.Config{
		Encoding:         "json",
		Level:            level,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
}

// SetLevel changes the level of the global logger, e.g. "debug"
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

// UseStderr rebuilds the global logger so that it writes to stderr only.
// Worker processes call it before anything else, their stdout is not theirs to use.
func UseStderr() {
	replace(newConfig([]string{"stderr"}))
}

func replace(cfg zap.Config) {
	logger, err := cfg.Build()
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	zap.ReplaceGlobals(logger)
}

func init() {
	replace(newConfig([]string{"stdout"}))
}
