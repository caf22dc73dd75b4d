package challenge

import "sync"

type State string

const (
	StateIdle              State = "idle"
	StateHasNotEntered     State = "hasNotEntered"
	StateDidEnter          State = "didEnter"
	StateAlreadyEntered    State = "alreadyEntered"
	StateDidFinish         State = "didFinish"
	StateDidUpdateProgress State = "didUpdateProgress"
)

// States lists every state a challenge can be assigned.
func States() []State {
	return []State{
		StateIdle,
		StateHasNotEntered,
		StateDidEnter,
		StateAlreadyEntered,
		StateDidFinish,
		StateDidUpdateProgress,
	}
}

// Event is published each time a challenge's state is assigned.
type Event struct {
	State     State    `json:"state"`
	Challenge Snapshot `json:"challenge"`
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers state events to subscribers registered per state, or for all
// states. Publish runs handlers synchronously on the caller's goroutine;
// events published while nobody listens are dropped.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	byState map[State][]subscription
	all     []subscription
}

func NewBus() *Bus {
	return &Bus{
		byState: make(map[State][]subscription),
	}
}

// Subscribe registers h for events carrying state s. The returned function
// removes the subscription.
func (b *Bus) Subscribe(s State, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byState[s] = append(b.byState[s], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byState[s] = remove(b.byState[s], id)
	}
}

// SubscribeAll registers h for events of every state.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byState[e.State])+len(b.all))
	for _, sub := range b.byState[e.State] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.all {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
