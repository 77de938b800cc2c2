package events

import (
	"sync"
	"time"

	"adgen/server/internal/model"

	"github.com/google/uuid"
)

// Hub fans session events out to SSE subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan model.SessionEvent
	seq  map[string]int64
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[string]chan model.SessionEvent{},
		seq:  map[string]int64{},
		now:  time.Now,
	}
}

func (h *Hub) Subscribe(sessionID string, buf int) (string, <-chan model.SessionEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = map[string]chan model.SessionEvent{}
	}
	ch := make(chan model.SessionEvent, buf)
	h.subs[sessionID][subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		sessionSubs, ok := h.subs[sessionID]
		if !ok {
			return
		}
		c, ok := sessionSubs[subID]
		if !ok {
			return
		}
		delete(sessionSubs, subID)
		close(c)
		if len(sessionSubs) == 0 {
			delete(h.subs, sessionID)
		}
	}
	return subID, ch, unsubscribe
}

// Emit stamps an event with id, per-session sequence and timestamp, then publishes it.
func (h *Hub) Emit(sessionID string, typ model.EventType, payload map[string]any) model.SessionEvent {
	h.mu.Lock()
	h.seq[sessionID]++
	seq := h.seq[sessionID]
	h.mu.Unlock()

	evt := model.SessionEvent{
		EventID:   uuid.NewString(),
		Seq:       seq,
		SessionID: sessionID,
		Type:      typ,
		TS:        h.now().UTC(),
		Payload:   payload,
	}
	h.Publish(sessionID, evt)
	return evt
}

func (h *Hub) Publish(sessionID string, evt model.SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessionSubs, ok := h.subs[sessionID]
	if !ok {
		return
	}
	for _, ch := range sessionSubs {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscribers to keep the pipeline non-blocking.
		}
	}
}

// Forget drops the sequence counter of a deleted session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.seq, sessionID)
	h.mu.Unlock()
}
