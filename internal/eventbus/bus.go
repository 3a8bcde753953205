package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a notification on a task channel such as "import/{id}",
// "import/{id}/logs" or "publication/{id}/deleted".
//
// Delivery is best-effort: Publish never blocks and slow subscribers drop
// events. Subscribers that miss events re-read the persisted task.
type Event struct {
	Channel string    `json:"channel"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(e Event)
}

type Bus interface {
	Publisher
	// Subscribe delivers events whose channel starts with prefix ("" for all).
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

type subscriber struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(e.Channel, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under
			// the write lock cannot race with a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Fanout publishes every event to all of pubs. Nil entries are skipped.
func Fanout(pubs ...Publisher) Publisher {
	out := make(fanout, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type fanout []Publisher

func (f fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, p := range f {
		p.Publish(e)
	}
}

// Mirror returns a Bus that subscribes on b and publishes to b and to
// every one of pubs.
func Mirror(b Bus, pubs ...Publisher) Bus {
	return mirror{Bus: b, out: Fanout(append([]Publisher{b}, pubs...)...)}
}

type mirror struct {
	Bus
	out Publisher
}

func (m mirror) Publish(e Event) { m.out.Publish(e) }
