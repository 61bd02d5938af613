// Package signal carries "something changed" hints from the issue store to observers.
package signal

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindIssueCreated       Kind = "issue_created"
	KindIssueUpdated       Kind = "issue_updated"
	KindIssueAssigned      Kind = "issue_assigned"
	KindAttachmentUploaded Kind = "attachment_uploaded"
	KindCommentCreated     Kind = "comment_created"
)

// Event is published once per emitted notification.
type Event struct {
	Kind           Kind      `json:"kind"`
	IssueID        int       `json:"issue_id"`
	NotificationID int       `json:"notification_id"`
	At             time.Time `json:"at"`
}

// Publisher accepts events. Publish must not block on slow observers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. Events that do not fit
// in the buffer are dropped for that subscriber. cancel closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}
