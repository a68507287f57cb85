// Package events fans debit events out to in-process consumers. The ledger
// publishes after its transaction commits; the burn-rate tracker consumes.
package events

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

const (
	DefaultBufferSize       = 256
	DefaultSubscriberBuffer = 64
)

// DebitEvent describes one committed ledger debit.
type DebitEvent struct {
	Owner      owner.Ref
	AgentID    snowflake.ID
	DebitID    snowflake.ID
	Amount     decimal.Decimal
	OccurredAt time.Time
}

type Hub struct {
	mu               sync.RWMutex
	buffer           []DebitEvent
	subs             map[uint64]chan DebitEvent
	nextID           uint64
	bufferSize       int
	subscriberBuffer int
}

type Subscription struct {
	hub  *Hub
	id   uint64
	ch   chan DebitEvent
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs:             make(map[uint64]chan DebitEvent),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish delivers the event to every subscriber without blocking the
// publisher. A subscriber that cannot keep up misses events; the burn-rate
// tracker tolerates that, the durable consumption rows do not depend on it.
// Sends stay under the lock so Close cannot close a channel mid-send; they
// never block, so holding it is cheap.
func (h *Hub) Publish(event DebitEvent) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer = append(h.buffer, event)
	if len(h.buffer) > h.bufferSize {
		h.buffer = h.buffer[len(h.buffer)-h.bufferSize:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a consumer and replays the buffered tail so a late
// starter does not miss recent debits.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan DebitEvent, h.subscriberBuffer)
	h.subs[id] = ch
	replay := make([]DebitEvent, len(h.buffer))
	copy(replay, h.buffer)
	h.mu.Unlock()

	for _, event := range replay {
		select {
		case ch <- event:
		default:
		}
	}

	return &Subscription{hub: h, id: id, ch: ch}
}

func (s *Subscription) Events() <-chan DebitEvent { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}
