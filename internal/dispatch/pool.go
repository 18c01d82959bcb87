package dispatch

import (
	"sync"

	"github.com/fieldwatch/sensorgw/internal/logging"
)

// WorkerPool off-loads blocking I/O (scratch-blob finalize, telemetry-sink
// writes) so the protocol loop never stalls on them.
//
// Follows dlq.go's shape: a mutex-guarded queue with a channel used
// purely to wake a waiting consumer. Here the channel carries the work
// itself instead of a linked-list node, since Go has no need for dlq.go's
// hand-rolled queue plus C-side notify dance.
type WorkerPool struct {
	jobs   chan func()
	wg     sync.WaitGroup
	logger logging.Logger
}

// NewWorkerPool starts n workers draining a queue of depth queueDepth.
func NewWorkerPool(n, queueDepth int, logger logging.Logger) *WorkerPool {
	p := &WorkerPool{jobs: make(chan func(), queueDepth), logger: logger}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues job for asynchronous execution. The caller is the single
// cooperative protocol loop, which must never block on I/O: if the queue is
// full, job is dropped and logged instead of backing up the loop.
func (p *WorkerPool) Submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		p.logger.Warn("dispatch: worker pool queue full, dropping job")
	}
}

// Close stops accepting work and waits for in-flight jobs to drain.
func (p *WorkerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
