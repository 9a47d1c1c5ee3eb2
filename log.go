package cipherlink

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a console logger at level ("debug", "info", "warn" or
// "error") writing to stderr and, if file is not empty, to a size-rotated file.
func NewLogger(level, file string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, prefixError(ErrBadConfig, "log level %q", level)
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)

	writes := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if file != "" {
		writes = append(writes, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		NameKey:     "name",
		EncodeLevel: zapcore.CapitalLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.NewMultiWriteSyncer(writes...), atomicLevel)

	return zap.New(core), nil
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
