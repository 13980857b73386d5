// lock.go implements the single lock of the engine and the condition the
// workers and the waiters block on.

package slowmo

import (
	"context"
	"time"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// lockCtx makes the lock immune to the cancellation of the caller context:
// the lock must always be taken back after a wait.
func (u *Usecase) lockCtx(ctx context.Context) context.Context {
	ctx = xcontext.DetachDone(ctx)
	ctx = xsync.WithNoLogging(ctx, true)
	return xsync.WithEnableDeadlock(ctx, false)
}

func (u *Usecase) lock(ctx context.Context) {
	u.locker.ManualLock(u.lockCtx(ctx))
}

func (u *Usecase) unlock(ctx context.Context) {
	u.locker.ManualUnlock(u.lockCtx(ctx))
}

// broadcastLocked wakes up everybody blocked in waitLocked.
func (u *Usecase) broadcastLocked() {
	close(*xatomic.SwapPointer(&u.changeChan, ptr(make(chan struct{}))))
}

// waitLocked releases the lock until the next broadcast or until ctx is
// done, and takes the lock back before returning.
func (u *Usecase) waitLocked(ctx context.Context) error {
	ch := *xatomic.LoadPointer(&u.changeChan)
	u.unlock(ctx)
	defer u.lock(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// waitUntilLocked waits until cond is true; timeout <= 0 means no timeout.
func (u *Usecase) waitUntilLocked(
	ctx context.Context,
	timeout time.Duration,
	cond func() bool,
) error {
	if timeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}
	for !cond() {
		if err := u.waitLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// unlocked runs fn with the lock released.
func (u *Usecase) unlocked(ctx context.Context, fn func()) {
	u.unlock(ctx)
	defer u.lock(ctx)
	fn()
}
