package metadata

import (
	"context"

	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/types"
)

// Handle owns exactly one reference to a metadata object. It is meant to
// be moved (see Take) rather than copied; Release drops the reference
// and is safe to call any number of times.
type Handle struct {
	store Store
	ref   Ref
}

func NewHandle(store Store, ref Ref) Handle {
	if ref.IsNil() {
		return Handle{}
	}
	return Handle{store: store, ref: ref}
}

// Acquire gets a fresh metadata object for the frame from the store.
func Acquire(
	ctx context.Context,
	store Store,
	clientID ClientID,
	frameNumber types.FrameNumber,
) (Handle, error) {
	ref, err := store.Get(ctx, clientID, frameNumber)
	if err != nil {
		return Handle{}, err
	}
	return NewHandle(store, ref), nil
}

func (h *Handle) IsValid() bool {
	return h != nil && !h.ref.IsNil()
}

func (h *Handle) Ref() Ref {
	if h == nil {
		return RefNil
	}
	return h.ref
}

func (h *Handle) Store() Store {
	if h == nil {
		return nil
	}
	return h.store
}

// Take moves the reference out of the handle.
func (h *Handle) Take() Handle {
	r := *h
	*h = Handle{}
	return r
}

// Clone returns a new handle with its own reference to the same object.
func (h *Handle) Clone(ctx context.Context) (Handle, error) {
	if !h.IsValid() {
		return Handle{}, nil
	}
	if err := h.store.AddReference(ctx, h.ref); err != nil {
		return Handle{}, err
	}
	return Handle{store: h.store, ref: h.ref}, nil
}

func (h *Handle) Release(ctx context.Context) {
	if !h.IsValid() {
		return
	}
	r := h.Take()
	if err := r.store.Release(ctx, r.ref); err != nil {
		logger.Errorf(ctx, "unable to release metadata %d: %v", r.ref, err)
	}
}

// CopyFrom copies the content of src into the object owned by the handle.
func (h *Handle) CopyFrom(ctx context.Context, src Ref) error {
	if !h.IsValid() {
		return ErrUnknownRef{Ref: RefNil}
	}
	return h.store.Copy(ctx, h.ref, src)
}

func (h *Handle) SetTag(ctx context.Context, tag Tag, value any) error {
	if !h.IsValid() {
		return ErrUnknownRef{Ref: RefNil}
	}
	return h.store.SetTag(ctx, h.ref, tag, value)
}
