package utils

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log  *zap.Logger
	once sync.Once
)

// InitLogger initializes the global logger instance. Entries go to stdout
// and, when logFile is set, to a size-rotated file.
func InitLogger(debug bool, logFile string) *zap.Logger {
	once.Do(func() {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if debug {
			level.SetLevel(zapcore.DebugLevel)
		}

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.StacktraceKey = "stacktrace"
		encoder := zapcore.NewJSONEncoder(encoderConfig)

		sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
		if logFile != "" {
			sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}))
		}

		core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
		log = zap.New(core,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		)
	})

	return log
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if log == nil {
		return InitLogger(false, "")
	}
	return log
}

// CleanupLogger flushes any buffered log entries
func CleanupLogger() {
	if log != nil {
		_ = log.Sync()
	}
}
