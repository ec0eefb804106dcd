package storage

import (
	"github.com/nightscape/knowledge/internal/types"
)

// DefaultSubscriptionBuffer is the bound of a subscription's batch channel.
const DefaultSubscriptionBuffer = 1024

// Subscription is a live feed of raw row-change batches, one batch per
// committed transaction. The handle must be kept for the lifetime of the
// stream and closed when done; an unclosed subscription pins backend
// resources.
//
// Producers never block on a slow consumer: when the channel is full the
// batch is dropped, the loss is counted, and a StreamLagged status is
// delivered so the consumer can trigger a resync.
type Subscription struct {
	backend *Backend
	ch      chan []types.RowChange
	status  chan error
	lost    uint64
	done    chan struct{}
}

// Changes returns the batch channel. It is closed when the subscription or
// the backend closes.
func (s *Subscription) Changes() <-chan []types.RowChange { return s.ch }

// Status delivers non-fatal stream conditions, currently only
// *types.StreamLagged.
func (s *Subscription) Status() <-chan error { return s.status }

// Close detaches the subscription from the backend and closes its channels.
func (s *Subscription) Close() {
	s.backend.unsubscribe(s)
}

func (s *Subscription) deliver(batch []types.RowChange) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- batch:
		if s.lost > 0 {
			lost := s.lost
			s.lost = 0
			select {
			case s.status <- &types.StreamLagged{Lost: lost}:
			default:
			}
		}
	default:
		s.lost += uint64(len(batch))
		select {
		case s.status <- &types.StreamLagged{Lost: s.lost}:
		default:
		}
	}
}
