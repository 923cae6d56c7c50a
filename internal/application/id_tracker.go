package application

import "github.com/bnema/paychat/internal/domain"

// IDTracker is the set of message ids already handed to content processing.
// It only grows until Reset.
type IDTracker struct {
	seen map[domain.MessageID]struct{}
}

func NewIDTracker() *IDTracker {
	return &IDTracker{seen: make(map[domain.MessageID]struct{})}
}

func (t *IDTracker) MarkSeen(id domain.MessageID) {
	t.seen[id] = struct{}{}
}

func (t *IDTracker) HasSeen(id domain.MessageID) bool {
	_, ok := t.seen[id]
	return ok
}

func (t *IDTracker) Len() int {
	return len(t.seen)
}

func (t *IDTracker) Reset() {
	t.seen = make(map[domain.MessageID]struct{})
}
