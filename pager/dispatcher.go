package pager

import (
	"context"
	"sync"
)

// dispatcher delivers events to observers in a separate goroutine, so observers can
// call the controller. Events are delivered in the publish order.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	observers []observer
	nextID    int
	stopped   bool

	doneCh chan struct{}
}

type observer struct {
	id int
	fn func(Event)
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		doneCh: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.run()

	return d
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *dispatcher) subscribe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.observers = append(d.observers, observer{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()

			for i, o := range d.observers {
				if o.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)

	for {
		d.mu.Lock()
		for !d.stopped && len(d.queue) == 0 {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		observers := d.observers
		d.mu.Unlock()

		for _, o := range observers {
			o.fn(e)
		}
	}
}

// stop delivers the queued events and stops the dispatcher.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.doneCh:
		return nil
	}
}
