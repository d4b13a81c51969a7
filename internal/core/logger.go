package core

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// atomicLevel backs the global logger so the level can change after Init.
var atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// Init initializes zap's global logger
// After calling this, we use zap.L() directly.
func Init(pretty bool) error {
	var config zap.Config

	if pretty {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = atomicLevel

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// SetLevel changes the level of the global logger built by Init.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atomicLevel.SetLevel(parsed)
	return nil
}

// LogStateTransition logs a lifecycle state change of a subject (an attempt, a dialog, ...)
func LogStateTransition(subject string, from, to string) {
	zap.L().Debug("State changed",
		zap.String("subject", subject),
		zap.String("old_state", from),
		zap.String("new_state", to))
}

// LogAttemptOutcome logs the end of a reload attempt using zap's global logger
func LogAttemptOutcome(attemptID string, duration float64, err error) {
	fields := []zap.Field{
		zap.String("attempt_id", attemptID),
		zap.Float64("duration_seconds", duration),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		zap.L().Error("Injection failed", fields...)
		return
	}

	zap.L().Info("Injection successful", fields...)
}

// LogPanicRecovery logs a value recovered from a panic together with the stack.
func LogPanicRecovery(component string, r any) {
	zap.L().Error("Panic recovered",
		zap.String("component", component),
		zap.Any("panic_value", r),
		zap.ByteString("stack", debug.Stack()))
}

// LogDeferredError runs fn and logs its error, if any. Meant for defer statements
// where the error cannot be returned.
func LogDeferredError(fn func() error) {
	if err := fn(); err != nil {
		zap.L().Error("Deferred error", zap.Error(err), zap.Stack("stacktrace"))
	}
}
