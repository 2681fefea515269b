package backplane

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/monitoring"
)

// deliveryPool decouples NATS subscription callbacks from local fanout.
// Delivering a large room's broadcast inside the callback would stall the
// subscription's dispatch goroutine; workers absorb the fanout cost and a
// full queue drops work instead of growing without bound.
type deliveryPool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger

	stopOnce sync.Once
}

// newDeliveryPool starts workerCount workers draining a buffered queue.
// workerCount <= 0 defaults to GOMAXPROCS.
func newDeliveryPool(workerCount, queueSize int, logger zerolog.Logger) *deliveryPool {
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	p := &deliveryPool{
		tasks:  make(chan func(), queueSize),
		logger: logger.With().Str("component", "delivery_pool").Logger(),
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *deliveryPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer monitoring.RecoverPanic(p.logger, "deliveryWorker", nil)
			task()
		}()
	}
}

// submit enqueues a task, dropping it when the queue is full so inbound
// backplane pressure never turns into unbounded goroutines.
func (p *deliveryPool) submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		n := atomic.AddInt64(&p.dropped, 1)
		monitoring.BroadcastDrops.WithLabelValues("pool_full").Inc()
		if n%1000 == 1 {
			p.logger.Warn().Int64("dropped_total", n).Msg("Delivery pool saturated, dropping inbound fanout")
		}
	}
}

// droppedCount reports tasks dropped due to queue saturation.
func (p *deliveryPool) droppedCount() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// stop drains remaining tasks and waits for workers to exit.
func (p *deliveryPool) stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
