package store

import "sync"

// Subscription is a change feed for one key. Values arrive on Updates in
// commit order with coalescing delivery; a nil value means the key is absent.
type Subscription struct {
	ch     chan Document
	wake   chan struct{}
	done   chan struct{}
	detach func()
	once   sync.Once

	mu      sync.Mutex
	pending Document
	has     bool
}

func newSubscription(detach func()) *Subscription {
	s := &Subscription{
		ch:     make(chan Document),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		detach: detach,
	}
	go s.loop()
	return s
}

// NewSubscription creates a subscription that is not attached to a Hub.
// Remote store clients feed it through Deliver as change events arrive off
// the wire; detach runs once on Close.
func NewSubscription(detach func()) *Subscription {
	return newSubscription(detach)
}

// Deliver hands doc to the consumer as the newest pending value, replacing
// any value not yet received. It never blocks the caller.
func (s *Subscription) Deliver(doc Document) {
	s.deliver(doc)
}

// Updates returns the delivery channel. It is closed after Close.
func (s *Subscription) Updates() <-chan Document {
	return s.ch
}

// Close detaches the subscription and stops delivery. It is safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.done)
	})
}

// deliver records doc as the newest pending value, replacing any value the
// consumer has not received yet. It never blocks the committer.
func (s *Subscription) deliver(doc Document) {
	s.mu.Lock()
	s.pending = doc
	s.has = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if !s.has {
				s.mu.Unlock()
				break
			}
			doc := s.pending
			s.pending = nil
			s.has = false
			s.mu.Unlock()

			select {
			case s.ch <- doc:
			case <-s.done:
				return
			}
		}
	}
}

// Hub fans a key's change notifications out to its subscribers. Backends call
// Publish in commit order; the hub preserves that order for every subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty subscription hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Attach registers a subscriber for key and delivers current immediately.
func (h *Hub) Attach(key string, current Document) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(func() { h.remove(key, sub) })
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	sub.deliver(Clone(current))
	return sub
}

func (h *Hub) remove(key string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, key)
	}
}

// Publish fans doc out to every subscriber of key. Each subscriber receives
// its own copy.
func (h *Hub) Publish(key string, doc Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key] {
		sub.deliver(Clone(doc))
	}
}

// CloseAll closes every subscription on every key.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
}
