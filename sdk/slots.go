package speechos

import (
	"fmt"
	"sync"

	"github.com/speechos/speechos-go/pkg/core"
)

// RequestKind identifies the single pending slot a response message resolves.
type RequestKind string

const (
	KindTranscript    RequestKind = "transcript"
	KindEditedText    RequestKind = "edited-text"
	KindCommandResult RequestKind = "command-result"
	KindTrackReady    RequestKind = "track-ready"
)

// slotRegistry holds at most one outstanding deferred per request kind.
// Opening a kind that already has a pending slot is a programming error;
// slots are never silently orphaned.
type slotRegistry struct {
	mu    sync.Mutex
	slots map[RequestKind]*Deferred[any]
}

func newSlotRegistry() *slotRegistry {
	return &slotRegistry{slots: make(map[RequestKind]*Deferred[any])}
}

// open creates the pending slot for kind. It fails if one is already pending.
func (r *slotRegistry) open(kind RequestKind) (*Deferred[any], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.slots[kind]; ok && !existing.IsSettled() {
		return nil, &core.Error{
			Type:    core.ErrInvalidRequest,
			Code:    core.CodeSlotOccupied,
			Message: fmt.Sprintf("a %s request is already pending", kind),
		}
	}
	d := NewDeferred[any]()
	r.slots[kind] = d
	return d, nil
}

// resolve settles the pending slot for kind, if any. Returns false when no
// slot was pending.
func (r *slotRegistry) resolve(kind RequestKind, value any) bool {
	d := r.take(kind)
	if d == nil {
		return false
	}
	return d.Resolve(value)
}

// reject settles the pending slot for kind with err, if any.
func (r *slotRegistry) reject(kind RequestKind, err error) bool {
	d := r.take(kind)
	if d == nil {
		return false
	}
	return d.Reject(err)
}

// rejectAll rejects every pending slot with err. Safe to call repeatedly.
func (r *slotRegistry) rejectAll(err error) {
	r.mu.Lock()
	pending := make([]*Deferred[any], 0, len(r.slots))
	for kind, d := range r.slots {
		pending = append(pending, d)
		delete(r.slots, kind)
	}
	r.mu.Unlock()

	for _, d := range pending {
		d.Reject(err)
	}
}

// take removes and returns the pending slot for kind, or nil.
func (r *slotRegistry) take(kind RequestKind) *Deferred[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.slots[kind]
	if !ok {
		return nil
	}
	delete(r.slots, kind)
	return d
}
