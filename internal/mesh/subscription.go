package mesh

import (
	"time"

	"github.com/grace-platform/core/pkg/metrics"
)

// DefaultQueueCap is the default per-subscription bounded queue size
// (spec.md §4.3).
const DefaultQueueCap = 1024

// Event is what a subscriber receives: one delivery of a published record.
type Event struct {
	Topic   string
	Seq     uint64
	TS      time.Time
	Payload []byte
}

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	QueueCap           int
	SlowConsumerPolicy SlowConsumerPolicy
}

// Subscription is a live registration against a topic pattern. Delivery to
// a single Subscription is strictly serial; a dedicated goroutine per
// Subscription drains its own queue so one slow subscriber never blocks
// deliveries to any other (Invariant S1).
type Subscription struct {
	ID      string
	Pattern string
	Policy  SlowConsumerPolicy

	queue *boundedQueue
	out   chan *Event
	mesh  *Mesh

	disconnectedCh chan struct{}
}

func newSubscription(id, pattern string, opts SubscribeOptions, mesh *Mesh) *Subscription {
	cap := opts.QueueCap
	if cap <= 0 {
		cap = DefaultQueueCap
	}
	sub := &Subscription{
		ID:             id,
		Pattern:        pattern,
		Policy:         opts.SlowConsumerPolicy,
		queue:          newBoundedQueue(cap),
		out:            make(chan *Event),
		mesh:           mesh,
		disconnectedCh: make(chan struct{}),
	}
	go sub.deliverLoop()
	return sub
}

// deliverLoop pops events off the subscription's own queue and forwards
// them, one at a time, to the subscriber's channel.
func (s *Subscription) deliverLoop() {
	defer close(s.out)
	for {
		ev, ok := s.queue.pop()
		if !ok {
			return
		}
		s.out <- ev
		metrics.RecordMeshDelivery(s.ID, nil)
	}
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan *Event {
	return s.out
}

// enqueue delivers ev per the subscription's slow_consumer_policy. It
// returns true if the queue was full under PolicyDisconnect, signaling the
// caller (Mesh.Publish) to tear this subscription down.
func (s *Subscription) enqueue(ev *Event) (disconnect bool) {
	return s.queue.push(ev, s.Policy)
}

func (s *Subscription) teardown() {
	s.queue.close()
	close(s.disconnectedCh)
}

// QueueDepth reports the number of events currently buffered.
func (s *Subscription) QueueDepth() int {
	return s.queue.depth()
}

// Dropped reports the number of events discarded under drop_oldest.
func (s *Subscription) Dropped() uint64 {
	return s.queue.droppedCount()
}
