// logger.go routes the logging of every slowmo package through go-belt.

// Package logger provides the logging helpers used across slowmo. The
// logger itself comes from the context (see go-belt's logger.CtxWithLogger).
package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debugf(ctx, format, args...)
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Infof(ctx, format, args...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	logger.Warnf(ctx, format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	logger.Errorf(ctx, format, args...)
}

func Error(ctx context.Context, values ...any) {
	logger.Error(ctx, values...)
}

// Panic logs and panics; used by the debug assertions.
func Panic(ctx context.Context, values ...any) {
	logger.Panic(ctx, values...)
}
