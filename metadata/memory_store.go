// memory_store.go implements an in-memory reference-counted Store.

package metadata

import (
	"context"
	"maps"

	"github.com/xaionaro-go/slowmo/types"
	"github.com/xaionaro-go/xsync"
)

type memoryEntry struct {
	ClientID    ClientID
	FrameNumber types.FrameNumber
	RefCount    uint
	Tags        map[Tag]any
}

// MemoryStore is a Store keeping everything in a map; it is used by the
// simulators and the tests.
type MemoryStore struct {
	locker       xsync.Mutex
	nextRef      Ref
	nextClientID ClientID
	clients      map[ClientID]struct{}
	entries      map[Ref]*memoryEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: map[ClientID]struct{}{},
		entries: map[Ref]*memoryEntry{},
	}
}

func (s *MemoryStore) RegisterClient(ctx context.Context) (ClientID, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &s.locker, func() (ClientID, error) {
		s.nextClientID++
		s.clients[s.nextClientID] = struct{}{}
		return s.nextClientID, nil
	})
}

func (s *MemoryStore) UnregisterClient(ctx context.Context, clientID ClientID) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		if _, ok := s.clients[clientID]; !ok {
			return ErrUnknownClient{ClientID: clientID}
		}
		delete(s.clients, clientID)
		return nil
	})
}

func (s *MemoryStore) Get(
	ctx context.Context,
	clientID ClientID,
	frameNumber types.FrameNumber,
) (Ref, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &s.locker, func() (Ref, error) {
		if _, ok := s.clients[clientID]; !ok {
			return RefNil, ErrUnknownClient{ClientID: clientID}
		}
		s.nextRef++
		s.entries[s.nextRef] = &memoryEntry{
			ClientID:    clientID,
			FrameNumber: frameNumber,
			RefCount:    1,
			Tags:        map[Tag]any{},
		}
		return s.nextRef, nil
	})
}

func (s *MemoryStore) AddReference(ctx context.Context, ref Ref) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		e, ok := s.entries[ref]
		if !ok {
			return ErrUnknownRef{Ref: ref}
		}
		e.RefCount++
		return nil
	})
}

func (s *MemoryStore) Release(ctx context.Context, ref Ref) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		e, ok := s.entries[ref]
		if !ok {
			return ErrUnknownRef{Ref: ref}
		}
		e.RefCount--
		if e.RefCount == 0 {
			delete(s.entries, ref)
		}
		return nil
	})
}

func (s *MemoryStore) Copy(ctx context.Context, dst, src Ref) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		d, ok := s.entries[dst]
		if !ok {
			return ErrUnknownRef{Ref: dst}
		}
		sr, ok := s.entries[src]
		if !ok {
			return ErrUnknownRef{Ref: src}
		}
		d.Tags = maps.Clone(sr.Tags)
		return nil
	})
}

func (s *MemoryStore) SetTag(ctx context.Context, ref Ref, tag Tag, value any) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		e, ok := s.entries[ref]
		if !ok {
			return ErrUnknownRef{Ref: ref}
		}
		e.Tags[tag] = value
		return nil
	})
}

func (s *MemoryStore) GetTag(ctx context.Context, ref Ref, tag Tag) (any, bool, error) {
	s.locker.ManualLock(ctx)
	defer s.locker.ManualUnlock(ctx)
	e, ok := s.entries[ref]
	if !ok {
		return nil, false, ErrUnknownRef{Ref: ref}
	}
	v, ok := e.Tags[tag]
	return v, ok, nil
}

// Outstanding returns the amount of metadata objects that are still
// referenced.
func (s *MemoryStore) Outstanding(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() int {
		return len(s.entries)
	})
}
