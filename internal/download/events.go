package download

import (
	"sync"

	"github.com/handiism/batch-downloader/internal/model"
)

// dispatcher delivers status snapshots to callbacks from a single goroutine,
// in the order they were pushed. push never blocks, so it is safe to call
// while holding a batch lock.
type dispatcher struct {
	deliver func(model.DownloadBatchStatus)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.DownloadBatchStatus
	closed bool
	done   chan struct{}
}

func newDispatcher(deliver func(model.DownloadBatchStatus)) *dispatcher {
	d := &dispatcher{
		deliver: deliver,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) push(s model.DownloadBatchStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, s)
	d.cond.Signal()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		s := d.queue[0]
		d.queue[0] = model.DownloadBatchStatus{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(s)
	}
}

// close drains queued snapshots and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
