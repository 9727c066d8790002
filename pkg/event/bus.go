// Package event fans update status out to reporters and other listeners.
package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("event: bus stopped")

// Bus delivers events to subscribers. Synchronous handlers run on the
// publisher's goroutine; async handlers run on the worker pool.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]*subscription
	nextID  uint64
	stopped bool

	work    chan func()
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBus creates a bus with workerCount workers for async handlers.
func NewBus(workerCount int) *Bus {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Bus{
		subs:    make(map[Type][]*subscription),
		work:    make(chan func(), workerCount*10),
		workers: workerCount,
	}
}

// Subscribe adds a synchronous handler. The returned function removes it.
func (b *Bus) Subscribe(t Type, h Handler) (func(), error) {
	return b.SubscribeWithPriority(t, h, 0, false)
}

// SubscribeAsync adds a handler that runs on the worker pool.
func (b *Bus) SubscribeAsync(t Type, h Handler) (func(), error) {
	return b.SubscribeWithPriority(t, h, 0, true)
}

// SubscribeWithPriority adds a handler; higher priorities run first.
func (b *Bus) SubscribeWithPriority(t Type, h Handler, priority int, async bool) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscription{id: b.nextID, handler: h, priority: priority, async: async}
	list := append(b.subs[t], s)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	b.subs[t] = list

	glog.V(1).Infof("Subscribed handler to %s (priority %d, async %v)", t, priority, async)
	return func() { b.unsubscribe(t, s.id) }, nil
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[t]
	for i, s := range list {
		if s.id == id {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber of e.Type and waits for all of
// them, async ones included. Handler errors and panics are collected.
func (b *Bus) Publish(e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return ErrStopped
	}
	subs := append([]*subscription(nil), b.subs[e.Type]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		glog.V(2).Infof("No subscribers for %s", e.Type)
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	for _, s := range subs {
		if !s.async {
			record(b.execute(s.handler, e))
			continue
		}
		wg.Add(1)
		h := s.handler
		b.submit(func() {
			defer wg.Done()
			record(b.execute(h, e))
		})
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (b *Bus) execute(h Handler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			glog.Errorf("Handler panic for event %s: %v", e.Type, r)
		}
	}()
	return h(e)
}

func (b *Bus) submit(work func()) {
	select {
	case b.work <- work:
	case <-time.After(5 * time.Second):
		glog.Warning("Worker pool full, executing work directly")
		go work()
	}
}

// Start launches the workers.
func (b *Bus) Start() {
	glog.V(1).Infof("Starting event bus with %d workers", b.workers)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop drains the worker pool and drops all subscribers. In-flight
// Publish calls must have returned.
func (b *Bus) Stop() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.subs = make(map[Type][]*subscription)
		b.mu.Unlock()

		close(b.work)
		b.wg.Wait()
		glog.V(1).Info("Event bus stopped")
	})
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for work := range b.work {
		work()
	}
}

// SubscriberCount returns the number of handlers for t.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
