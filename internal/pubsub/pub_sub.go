package pubsub

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// EventType is the type of event subscribers are listening for. Packages declare their own constants of it.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for room in a full subscriber channel instead of dropping the event.
	// One slow blocking subscriber stalls every other one.
	IsBlocking bool
}

// SubscriberID identifies one subscription; Unsubscribe needs it.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Event[string] and Event[int] are distinct types.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased form of a typed channel: the closures capture the chan *Event[T], so
// subscribers of every payload type share one registry.
type subscriber struct {
	// send returns false when the payload is not a T or a non-blocking channel is full
	send  func(eventType EventType, payload any) bool
	close func()

	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type message struct {
	eventType EventType
	payload   any
}

// PubSubClient is an in-process, thread-safe event bus. Publish queues events; a single goroutine fans them
// out to the subscribers of their type in publish order.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber
	// buffered so Publish returns while run is busy broadcasting, and so GracefulShutdown can drain
	publishChan  chan message
	shuttingDown atomic.Bool

	log *log.Entry
}

// Option configures a PubSubClient.
type Option func(p *PubSubClient)

// WithLogger sets the logger of the bus. The default is the standard logrus logger.
func WithLogger(logger *log.Entry) Option {
	return func(p *PubSubClient) { p.log = logger }
}

// WithBufferSize sets how many published events may wait for the broadcaster.
func WithBufferSize(size int) Option {
	return func(p *PubSubClient) {
		if size > 0 {
			p.publishChan = make(chan message, size)
		}
	}
}

func NewPubSub(opts ...Option) *PubSubClient {
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan message, 100),
		log:         log.NewEntry(log.StandardLogger()),
	}
	for _, o := range opts {
		o(p)
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Subscribe registers ch for events of eventType. The caller owns the channel and picks its buffer; it is
// closed on Unsubscribe.
//
// Go methods cannot declare type parameters, so Subscribe and Publish are functions taking the client.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		opts: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.log.Warnf("[PUBSUB] Type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.log.Debugf("[PUBSUB] Unsubscribed %d from event %v", id, eventType)
}

// Dropped returns how many events a non-blocking subscription lost to a full channel.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues event for broadcast. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// holding the read lock keeps a shutdown from closing publishChan between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.log.Debugf("[PUBSUB] Dropping event %v published during shutdown", event.Type)
		return
	}
	p.publishChan <- message{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the queued ones.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.log.Debug("[PUBSUB] Force shutdown")
}

// GracefulShutdown stops accepting events and waits until the queued ones are delivered.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug("[PUBSUB] Drained and stopped")
}

// run is the broadcaster. It should be executed as a goroutine.
func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.send(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				dropped := sub.dropped.Add(1)
				p.log.Warnf("[PUBSUB] Dropped event %v for subscriber %d, %d dropped so far", msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}
