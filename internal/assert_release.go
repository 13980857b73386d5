//go:build !debug_assert
// +build !debug_assert

package internal

import (
	"context"

	"github.com/xaionaro-go/slowmo/logger"
)

func assertFailed(ctx context.Context, extraArgs ...any) {
	logger.Error(ctx, append([]any{"assertion failed: "}, extraArgs...)...)
}
