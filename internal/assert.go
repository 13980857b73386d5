// Package internal contains helpers shared by the packages of this module.
package internal

import (
	"context"
)

// Assert reports a broken internal invariant. It panics in builds with the
// debug_assert tag and only logs otherwise, so that the capture pipeline
// keeps running.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) bool {
	if mustBeTrue {
		return true
	}

	assertFailed(ctx, extraArgs...)
	return false
}
