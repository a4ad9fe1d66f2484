package inproc

import "sync"

// dispatcher delivers values to one handler in push order on its own
// goroutine, so a slow subscriber never blocks the publisher.
type dispatcher[T any] struct {
	handler func(T)

	mu     sync.Mutex
	items  []T
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newDispatcher[T any](handler func(T)) *dispatcher[T] {
	d := &dispatcher[T]{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher[T]) push(v T) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, v)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher[T]) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.items) == 0 {
				d.mu.Unlock()
				break
			}
			v := d.items[0]
			var zero T
			d.items[0] = zero
			d.items = d.items[1:]
			d.mu.Unlock()

			d.handler(v)
		}
	}
}

// close drops undelivered values. A handler already running finishes.
func (d *dispatcher[T]) close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.items = nil
		d.mu.Unlock()
		close(d.done)
	})
}
