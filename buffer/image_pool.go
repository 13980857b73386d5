// image_pool.go implements Pool on top of in-memory RGBA images.

package buffer

import (
	"context"
	"image"
	"sync"

	"github.com/xaionaro-go/xsync"
)

type imageEntry struct {
	Image    *image.RGBA
	RefCount uint
	Internal bool
}

// ImagePool is a Pool backed by *image.RGBA. Buffers handed out by
// GetBuffer count towards the limit; buffers made by Allocate (the ones
// a client would own) do not.
type ImagePool struct {
	locker     xsync.Mutex
	bounds     image.Rectangle
	limit      int
	inUse      int
	allocCount uint64
	nextHandle Handle
	entries    map[Handle]*imageEntry
	storage    sync.Pool
}

var _ Pool = (*ImagePool)(nil)

func NewImagePool(width, height, limit int) *ImagePool {
	p := &ImagePool{
		bounds:  image.Rect(0, 0, width, height),
		limit:   limit,
		entries: map[Handle]*imageEntry{},
	}
	p.storage.New = func() any {
		p.allocCount++
		return image.NewRGBA(p.bounds)
	}
	return p
}

func (p *ImagePool) Bounds() image.Rectangle {
	return p.bounds
}

func (p *ImagePool) newEntryLocked(internal bool) Handle {
	p.nextHandle++
	p.entries[p.nextHandle] = &imageEntry{
		Image:    p.storage.Get().(*image.RGBA),
		RefCount: 1,
		Internal: internal,
	}
	if internal {
		p.inUse++
	}
	return p.nextHandle
}

func (p *ImagePool) GetBuffer(ctx context.Context) (Handle, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &p.locker, func() (Handle, error) {
		if p.limit > 0 && p.inUse >= p.limit {
			return HandleNil, ErrExhausted{Limit: p.limit}
		}
		return p.newEntryLocked(true), nil
	})
}

// Allocate returns a buffer that does not count towards the limit.
func (p *ImagePool) Allocate(ctx context.Context) Handle {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() Handle {
		return p.newEntryLocked(false)
	})
}

func (p *ImagePool) AddReference(ctx context.Context, h Handle) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() error {
		e, ok := p.entries[h]
		if !ok {
			return ErrUnknownHandle{Handle: h}
		}
		e.RefCount++
		return nil
	})
}

func (p *ImagePool) Release(ctx context.Context, h Handle) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() error {
		e, ok := p.entries[h]
		if !ok {
			return ErrUnknownHandle{Handle: h}
		}
		e.RefCount--
		if e.RefCount > 0 {
			return nil
		}
		delete(p.entries, h)
		if e.Internal {
			p.inUse--
		}
		clear(e.Image.Pix)
		p.storage.Put(e.Image)
		return nil
	})
}

func (p *ImagePool) CopyBuffer(ctx context.Context, src, dst Handle) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() error {
		s, ok := p.entries[src]
		if !ok {
			return ErrUnknownHandle{Handle: src}
		}
		d, ok := p.entries[dst]
		if !ok {
			return ErrUnknownHandle{Handle: dst}
		}
		if s.Image.Rect != d.Image.Rect {
			return ErrGeometryMismatch{Src: s.Image.Rect.String(), Dst: d.Image.Rect.String()}
		}
		copy(d.Image.Pix, s.Image.Pix)
		return nil
	})
}

// Image returns the pixels behind the handle. The caller must hold a
// reference to the buffer while using the image.
func (p *ImagePool) Image(ctx context.Context, h Handle) (*image.RGBA, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &p.locker, func() (*image.RGBA, error) {
		e, ok := p.entries[h]
		if !ok {
			return nil, ErrUnknownHandle{Handle: h}
		}
		return e.Image, nil
	})
}

// InUse returns the amount of buffers obtained through GetBuffer that are
// not released yet.
func (p *ImagePool) InUse(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() int {
		return p.inUse
	})
}

// Outstanding returns the amount of live buffers of any kind.
func (p *ImagePool) Outstanding(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() int {
		return len(p.entries)
	})
}

// AllocatedBytes returns how much pixel memory was allocated so far.
func (p *ImagePool) AllocatedBytes(ctx context.Context) uint64 {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &p.locker, func() uint64 {
		return p.allocCount * uint64(4*p.bounds.Dx()*p.bounds.Dy())
	})
}
