package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// DeliverFunc hands one piece of replication work to its source node
type DeliverFunc func(ctx context.Context, work model.ReplicationWork) error

// Dispatcher moves replication work from the scheduler to storage-node
// command queues through a bounded channel. Work that cannot be queued is
// dropped; the pending-replication timeout reschedules it.
type Dispatcher struct {
	name      string
	workers   int
	queue     chan model.ReplicationWork
	queueSize int
	deliver   DeliverFunc
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
	active    int32
	submitted uint64
	delivered uint64
	failed    uint64
	rejected  uint64
}

// Config holds dispatcher configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(cfg Config, deliver DeliverFunc) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "replication"
	}

	d := &Dispatcher{
		name:      cfg.Name,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		queue:     make(chan model.ReplicationWork, cfg.QueueSize),
		deliver:   deliver,
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("Dispatcher started",
		zap.String("name", d.name),
		zap.Int("workers", d.workers),
		zap.Int("queue_size", d.queueSize))

	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			return
		case work := <-d.queue:
			d.execute(id, work)
		}
	}
}

func (d *Dispatcher) execute(workerID int, work model.ReplicationWork) {
	atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)

	if err := d.safeDeliver(work); err != nil {
		atomic.AddUint64(&d.failed, 1)
		d.logger.Warn("Replication work not delivered",
			zap.String("dispatcher", d.name),
			zap.Int("worker_id", workerID),
			zap.String("block", work.Block.String()),
			zap.String("source", string(work.Source)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&d.delivered, 1)
}

func (d *Dispatcher) safeDeliver(work model.ReplicationWork) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
			d.logger.Error("Delivery panic recovered",
				zap.String("dispatcher", d.name),
				zap.Any("panic", r))
		}
	}()
	return d.deliver(context.Background(), work)
}

// TrySubmit queues work without blocking; false when full or stopped
func (d *Dispatcher) TrySubmit(work model.ReplicationWork) bool {
	select {
	case <-d.stopChan:
		atomic.AddUint64(&d.rejected, 1)
		return false
	default:
	}

	select {
	case d.queue <- work:
		atomic.AddUint64(&d.submitted, 1)
		return true
	default:
		atomic.AddUint64(&d.rejected, 1)
		return false
	}
}

// SubmitWithContext blocks until the work is queued or ctx is done
func (d *Dispatcher) SubmitWithContext(ctx context.Context, work model.ReplicationWork) error {
	select {
	case <-d.stopChan:
		atomic.AddUint64(&d.rejected, 1)
		return fmt.Errorf("dispatcher '%s' is stopped", d.name)
	case <-ctx.Done():
		atomic.AddUint64(&d.rejected, 1)
		return ctx.Err()
	case d.queue <- work:
		atomic.AddUint64(&d.submitted, 1)
		return nil
	}
}

// Stop signals workers to exit and waits up to timeout
func (d *Dispatcher) Stop(timeout time.Duration) error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping dispatcher", zap.String("name", d.name))
		close(d.stopChan)

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("dispatcher '%s' stop timeout after %v", d.name, timeout)
			d.logger.Warn("Dispatcher stop timeout", zap.String("name", d.name))
		}
	})
	return err
}

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Name      string
	Workers   int
	Active    int
	QueueSize int
	Queued    int
	Submitted uint64
	Delivered uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Name:      d.name,
		Workers:   d.workers,
		Active:    int(atomic.LoadInt32(&d.active)),
		QueueSize: d.queueSize,
		Queued:    len(d.queue),
		Submitted: atomic.LoadUint64(&d.submitted),
		Delivered: atomic.LoadUint64(&d.delivered),
		Failed:    atomic.LoadUint64(&d.failed),
		Rejected:  atomic.LoadUint64(&d.rejected),
	}
}

// QueueUtilization returns the queue fill as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.Queued) / float64(s.QueueSize) * 100.0
}
