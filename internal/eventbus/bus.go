package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	logx "retryq/pkg/logx"
)

// Bus is a synchronous, typed fanout keyed by event kind.
//
// Contract:
//   - Publish delivers on the caller's goroutine, in subscription order.
//   - A panicking subscriber is recovered and logged; remaining subscribers
//     still receive the event.
//   - No buffering or replay: late subscribers only see later events.
//
// The zero value is not usable; call New.
type Bus[K comparable, E any] struct {
	mu   sync.RWMutex
	subs map[K][]subscriber[E]
	seq  atomic.Uint64
	log  logx.Logger
}

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// New returns an empty bus. log receives subscriber panics.
func New[K comparable, E any](log logx.Logger) *Bus[K, E] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus[K, E]{subs: map[K][]subscriber[E]{}, log: log}
}

// Subscribe registers fn for kind. The returned func removes exactly this
// subscription and is safe to call more than once.
func (b *Bus[K, E]) Subscribe(kind K, fn func(E)) (unsubscribe func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	// Copy-on-write so Publish can iterate a snapshot without holding the lock.
	cur := b.subs[kind]
	next := make([]subscriber[E], len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[kind] = append(next, subscriber[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus[K, E]) remove(kind K, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs[kind]
	for i, s := range cur {
		if s.id != id {
			continue
		}
		next := make([]subscriber[E], 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, kind)
		} else {
			b.subs[kind] = next
		}
		return
	}
}

// Has reports whether kind currently has at least one subscriber.
func (b *Bus[K, E]) Has(kind K) bool {
	return b.Len(kind) > 0
}

// Len returns the number of subscribers for kind.
func (b *Bus[K, E]) Len(kind K) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	n := len(b.subs[kind])
	b.mu.RUnlock()
	return n
}

// Publish delivers e to every subscriber of kind and returns how many
// completed without panicking.
func (b *Bus[K, E]) Publish(kind K, e E) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	subs := b.subs[kind]
	b.mu.RUnlock()

	ok := 0
	for _, s := range subs {
		if b.deliver(kind, s, e) {
			ok++
		}
	}
	return ok
}

func (b *Bus[K, E]) deliver(kind K, s subscriber[E], e E) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.log.Error("event subscriber panicked",
				logx.String("kind", fmt.Sprint(kind)),
				logx.Uint64("subscriber", s.id),
				logx.Panic(r),
			)
		}
	}()
	s.fn(e)
	return true
}
