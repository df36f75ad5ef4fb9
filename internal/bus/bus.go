// Package bus is the in-process event fan-out connecting workers to IPC
// subscribers.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/kronklabs/kronk/pkg/models"
)

// Event is one published notification.
type Event struct {
	Name      string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription receives events matching its filter. Events arrive on C in
// publish order. A subscription that falls behind loses events rather than
// blocking publishers; Lagged reports how many were dropped.
type Subscription struct {
	C chan Event

	id     uint64
	filter map[string]bool

	mu     sync.Mutex
	lagged int
}

// Lagged returns how many events were dropped because C was full.
func (s *Subscription) Lagged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *Subscription) wants(name string) bool {
	return len(s.filter) == 0 || s.filter[name]
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers for the named events. An empty list subscribes to
// everything. Buffer is the channel depth; values below 1 get a default.
func (b *Bus) Subscribe(events []string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	if len(events) > 0 {
		sub.filter = make(map[string]bool, len(events))
		for _, e := range events {
			sub.filter[e] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

// Publish delivers the event to all matching subscriptions without blocking.
func (b *Bus) Publish(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			sub.mu.Lock()
			sub.lagged++
			sub.mu.Unlock()
		}
	}
}

// SubscriberCount reports how many subscriptions would receive the event.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.wants(name) {
			n++
		}
	}
	return n
}

// confirm request plumbing

type confirmRequest struct {
	reply chan bool
}

// Confirmer routes interactive approval requests to a connected client and
// back. Used by the shell tool before executing a command.
type Confirmer struct {
	bus *Bus

	mu      sync.Mutex
	pending map[string]*confirmRequest
}

// NewConfirmer returns a confirmer publishing on the given bus.
func NewConfirmer(b *Bus) *Confirmer {
	return &Confirmer{bus: b, pending: make(map[string]*confirmRequest)}
}

// EventConfirm is the event name confirmation prompts are published under.
const EventConfirm = "shell:confirm"

// Request publishes a confirmation prompt and blocks until a client resolves
// it or ctx expires. It returns false immediately when nothing is listening.
func (c *Confirmer) Request(ctx context.Context, payload map[string]any) bool {
	if c.bus.SubscriberCount(EventConfirm) == 0 {
		return false
	}

	id := models.NewID()
	req := &confirmRequest{reply: make(chan bool, 1)}
	c.mu.Lock()
	c.pending[id] = req
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["confirmId"] = id
	c.bus.Publish(EventConfirm, payload)

	select {
	case approved := <-req.reply:
		return approved
	case <-ctx.Done():
		return false
	}
}

// Resolve answers a pending prompt. Unknown or already-resolved ids report
// false.
func (c *Confirmer) Resolve(id string, approved bool) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	req.reply <- approved
	return true
}
