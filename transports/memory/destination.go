package memory

import (
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// destination is the handle sessions hand out for queues and topics
type destination struct {
	endpoint contracts.Endpoint
	q        *queue
	t        *topic
}

var _ transport.Destination = (*destination)(nil)

func (d *destination) Endpoint() contracts.Endpoint {
	return d.endpoint
}

func (d *destination) publish(msg *transport.Message) error {
	if d.q != nil {
		return d.q.enqueue(msg)
	}
	return d.t.publish(msg)
}

func (d *destination) attach(c *consumer) error {
	if d.q != nil {
		return d.q.attach(c)
	}
	return d.t.attach(c)
}

func (d *destination) detach(c *consumer, leftovers []*transport.Message) {
	if d.q != nil {
		d.q.detach(c, leftovers)
		return
	}
	d.t.detach(c)
}

func (d *destination) delete() {
	if d.q != nil {
		d.q.delete()
		return
	}
	d.t.delete()
}

type queue struct {
	name      string
	mu        sync.Mutex
	pending   []*transport.Message
	consumers []*consumer
	next      int
	deleted   bool
}

func newQueue(name string) *queue {
	return &queue{name: name}
}

func (q *queue) enqueue(msg *transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return transport.ErrDestinationDeleted
	}
	q.pending = append(q.pending, msg)
	q.dispatchLocked()
	return nil
}

func (q *queue) attach(c *consumer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return transport.ErrDestinationDeleted
	}
	q.consumers = append(q.consumers, c)
	q.dispatchLocked()
	return nil
}

// detach removes c and puts back the messages it had buffered but not delivered
func (q *queue) detach(c *consumer, leftovers []*transport.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	if q.deleted || len(leftovers) == 0 {
		return
	}
	q.pending = append(append([]*transport.Message(nil), leftovers...), q.pending...)
	q.dispatchLocked()
}

func (q *queue) delete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = true
	q.pending = nil
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *queue) consumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// dispatchLocked hands every pending message to the next consumer that accepts it
func (q *queue) dispatchLocked() {
	if len(q.consumers) == 0 || len(q.pending) == 0 {
		return
	}

	keep := q.pending[:0:0]
	for _, msg := range q.pending {
		if c := q.pickLocked(msg); c != nil {
			c.push(msg)
			continue
		}
		keep = append(keep, msg)
	}
	q.pending = keep
}

func (q *queue) pickLocked(msg *transport.Message) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.accepts(msg) {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

type topic struct {
	name        string
	mu          sync.Mutex
	subscribers []*consumer
	deleted     bool
}

func newTopic(name string) *topic {
	return &topic{name: name}
}

func (t *topic) publish(msg *transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted {
		return transport.ErrDestinationDeleted
	}
	for _, c := range t.subscribers {
		if c.accepts(msg) {
			c.push(msg.Clone())
		}
	}
	return nil
}

func (t *topic) attach(c *consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted {
		return transport.ErrDestinationDeleted
	}
	t.subscribers = append(t.subscribers, c)
	return nil
}

func (t *topic) detach(c *consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.subscribers {
		if existing == c {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			return
		}
	}
}

func (t *topic) delete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = true
	t.subscribers = nil
}
