package store

import (
	"sync"

	"roomcrypt/internal/domain"
)

// Notifier is the in-process pub/sub hub for store mutations. Callbacks run
// synchronously on the mutating goroutine and must not block.
type Notifier struct {
	mu   sync.RWMutex
	next int
	subs map[domain.ChangeKind]map[int]func(domain.Change)
}

var _ domain.Notifier = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[domain.ChangeKind]map[int]func(domain.Change))}
}

// Subscribe registers fn for one change kind and returns an unsubscribe.
func (n *Notifier) Subscribe(kind domain.ChangeKind, fn func(domain.Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	if n.subs[kind] == nil {
		n.subs[kind] = make(map[int]func(domain.Change))
	}
	n.subs[kind][id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[kind], id)
	}
}

func (n *Notifier) publish(kind domain.ChangeKind, key string) {
	n.mu.RLock()
	fns := make([]func(domain.Change), 0, len(n.subs[kind]))
	for _, fn := range n.subs[kind] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(domain.Change{Kind: kind, Key: key})
	}
}
