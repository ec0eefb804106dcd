package provider

import (
	"sync"

	"github.com/nightscape/knowledge/internal/types"
)

// DefaultBroadcastBuffer bounds each subscriber's batch channel.
const DefaultBroadcastBuffer = 64

// Broadcaster fans typed change batches out to any number of subscribers.
// Senders never block on a slow consumer: a full subscriber drops the batch,
// counts the loss and is handed a lag notification so it can resync.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[*BroadcastSub[T]]struct{}
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: map[*BroadcastSub[T]]struct{}{}}
}

// BroadcastSub is one subscriber's receiving end.
type BroadcastSub[T any] struct {
	owner  *Broadcaster[T]
	ch     chan []types.Change[T]
	lagged chan uint64
	lost   uint64
	closed bool
}

// Subscribe registers a subscriber with the given buffer (0 selects
// DefaultBroadcastBuffer).
func (b *Broadcaster[T]) Subscribe(buffer int) *BroadcastSub[T] {
	if buffer <= 0 {
		buffer = DefaultBroadcastBuffer
	}
	s := &BroadcastSub[T]{
		owner:  b,
		ch:     make(chan []types.Change[T], buffer),
		lagged: make(chan uint64, 1),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Send delivers a batch to every subscriber, best effort.
func (b *Broadcaster[T]) Send(batch []types.Change[T]) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- batch:
		default:
			s.lost += uint64(len(batch))
			select {
			case s.lagged <- s.lost:
			default:
			}
		}
	}
}

// Close terminates every subscriber channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
			close(s.lagged)
		}
	}
	b.subs = map[*BroadcastSub[T]]struct{}{}
}

// Changes returns the subscriber's batch channel; it closes when the
// broadcaster closes or the subscriber unsubscribes.
func (s *BroadcastSub[T]) Changes() <-chan []types.Change[T] { return s.ch }

// Lagged signals dropped batches; the received value is the cumulative loss.
func (s *BroadcastSub[T]) Lagged() <-chan uint64 { return s.lagged }

// Unsubscribe detaches the subscriber.
func (s *BroadcastSub[T]) Unsubscribe() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if _, ok := s.owner.subs[s]; !ok {
		return
	}
	delete(s.owner.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
		close(s.lagged)
	}
}
