package gateway

import (
	"sync"

	"github.com/caffeineduck/modhost/message"
	"go.uber.org/zap"
)

// DefaultMaxPending bounds the publish queue of a Broker.
const DefaultMaxPending = 1024

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithMaxPending sets how many messages may wait for delivery before
// Publish starts returning Error.
func WithMaxPending(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

type subscriber struct {
	name    string
	handle  ModuleHandle
	receive func(ModuleHandle, *message.Message)
}

type delivery struct {
	source ModuleHandle
	msg    *message.Message
}

// Broker is an in-process Bus. Delivery is synchronous: the first Publish
// on an idle broker delivers every queued message before it returns. A
// Publish made while another delivery is running, including one made by a
// module from inside its Receive, is queued and delivered by the running
// dispatcher, so no module is ever re-entered.
type Broker struct {
	maxPending int

	mu          sync.Mutex
	subscribers []*subscriber
	queue       []delivery
	dispatching bool
	closed      bool
}

var _ Bus = (*Broker)(nil)

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{maxPending: DefaultMaxPending}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach subscribes h to every message not published by h itself.
func (b *Broker) Attach(name string, h ModuleHandle, receive func(ModuleHandle, *message.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, len(b.subscribers), len(b.subscribers)+1)
	copy(subs, b.subscribers)
	b.subscribers = append(subs, &subscriber{name: name, handle: h, receive: receive})
}

// Detach unsubscribes h. Messages already being delivered may still reach it.
func (b *Broker) Detach(h ModuleHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.handle != h {
			subs = append(subs, s)
		}
	}
	b.subscribers = subs
}

// Subscribers returns the attached module names.
func (b *Broker) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.subscribers))
	for i, s := range b.subscribers {
		names[i] = s.name
	}
	return names
}

// Publish delivers a copy of msg to every subscriber except source.
func (b *Broker) Publish(source ModuleHandle, msg *message.Message) Result {
	if msg == nil {
		Logger().Error("publish: nil message")
		return Error
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		Logger().Warn("publish on closed broker")
		return Error
	}
	if len(b.queue) >= b.maxPending {
		b.mu.Unlock()
		Logger().Warn("publish queue full, dropping message", zap.Int("pending", b.maxPending))
		return Error
	}
	b.queue = append(b.queue, delivery{source: source, msg: msg.Clone()})
	if b.dispatching {
		b.mu.Unlock()
		return OK
	}
	b.dispatching = true
	b.mu.Unlock()

	b.dispatch()
	return OK
}

func (b *Broker) dispatch() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		subs := b.subscribers
		b.mu.Unlock()

		for _, s := range subs {
			if d.source != nil && s.handle == d.source {
				continue
			}
			s.receive(s.handle, d.msg)
		}
	}
}

// Close makes every later Publish fail and drops queued messages.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queue = nil
	b.subscribers = nil
}
