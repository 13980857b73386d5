// service.go implements a software frame interpolation service.

// Package softfrc is an accelerator.Service running on the CPU: it blends
// neighbouring frames to multiply the frame rate. It is slow, but it
// behaves like the hardware service, including its asynchronous callbacks,
// its flushes and its death.
package softfrc

import (
	"context"
	"fmt"
	"image"

	"github.com/xaionaro-go/slowmo/accelerator"
	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// ImageStore gives access to the pixels behind buffer handles.
type ImageStore interface {
	Image(ctx context.Context, h buffer.Handle) (*image.RGBA, error)
}

type Service struct {
	Images ImageStore

	// FailInputs is the amount of the upcoming input queueing attempts to
	// refuse, for fault injection.
	FailInputs atomic.Int32

	SessionsOpened atomic.Uint64

	locker   xsync.Mutex
	sessions []*Session
}

var _ accelerator.Service = (*Service)(nil)

func New(images ImageStore) *Service {
	return &Service{
		Images: images,
	}
}

func (svc *Service) NewSession(ctx context.Context) (accelerator.Session, error) {
	if svc.Images == nil {
		return nil, fmt.Errorf("no image store")
	}
	s := newSession(svc)
	svc.locker.Do(ctx, func() {
		svc.sessions = append(svc.sessions, s)
	})
	svc.SessionsOpened.Inc()
	return s, nil
}

// consumeInputFailure returns true if the current input queueing attempt
// has to be refused.
func (svc *Service) consumeInputFailure() bool {
	for {
		left := svc.FailInputs.Load()
		if left <= 0 {
			return false
		}
		if svc.FailInputs.CompareAndSwap(left, left-1) {
			return true
		}
	}
}

func (svc *Service) forget(ctx context.Context, s *Session) {
	svc.locker.Do(ctx, func() {
		for idx, candidate := range svc.sessions {
			if candidate == s {
				svc.sessions = append(svc.sessions[:idx], svc.sessions[idx+1:]...)
				return
			}
		}
	})
}

// Kill simulates the death of the service: every live session loses what
// it was given and reports the death.
func (svc *Service) Kill(ctx context.Context) {
	logger.Warnf(ctx, "killing the interpolation service")
	sessions := xsync.DoR1(ctx, &svc.locker, func() []*Session {
		result := svc.sessions
		svc.sessions = nil
		return result
	})
	for _, s := range sessions {
		s.die(ctx)
	}
}
