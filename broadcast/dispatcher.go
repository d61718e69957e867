package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DispatcherOptions sizes the worker pool.
type DispatcherOptions struct {
	Workers         int
	Buffer          int
	DeliveryTimeout time.Duration
	HandoffTimeout  time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 2 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	return o
}

type publishJob struct {
	room domain.Room
	ev   domain.ChangeEvent
}

// Dispatcher makes publishing fire and forget. Events are sharded by room onto
// FIFO workers, so one room's events keep their order while slow rooms do not
// hold up others.
type Dispatcher struct {
	target domain.Publisher
	log    *log.Logger
	opts   DispatcherOptions

	mu     sync.RWMutex
	closed bool
	shards []chan publishJob
	wg     sync.WaitGroup
}

func NewDispatcher(target domain.Publisher, logger *log.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	d := &Dispatcher{target: target, log: logger, opts: opts}
	d.shards = make([]chan publishJob, opts.Workers)
	perShard := opts.Buffer / opts.Workers
	if perShard < 1 {
		perShard = 1
	}
	for i := range d.shards {
		d.shards[i] = make(chan publishJob, perShard)
		d.wg.Add(1)
		go d.worker(i, d.shards[i])
	}
	d.log.Infof("broadcast dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		opts.Workers, opts.Buffer, opts.DeliveryTimeout, opts.HandoffTimeout)
	return d
}

func (d *Dispatcher) worker(id int, jobs <-chan publishJob) {
	defer d.wg.Done()
	for j := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliveryTimeout)
		err := d.target.Publish(ctx, j.room, j.ev)
		cancel()
		if err != nil {
			d.log.WithFields(log.Fields{"room": j.room, "type": j.ev.Type, "worker": id}).WithError(err).Error("broadcast delivery failed")
		}
	}
}

func (d *Dispatcher) shard(room domain.Room) chan publishJob {
	return d.shards[xxhash.Sum64String(string(room))%uint64(len(d.shards))]
}

// Publish hands the event to the room's worker. When the worker queue stays
// full for the handoff timeout the event is dropped with ErrBroadcastUnavailable.
func (d *Dispatcher) Publish(ctx context.Context, room domain.Room, ev domain.ChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: dispatcher closed", domain.ErrBroadcastUnavailable)
	}
	ch := d.shard(room)
	job := publishJob{room: room, ev: ev}

	select {
	case ch <- job:
		return nil
	default:
	}
	if d.opts.HandoffTimeout <= 0 {
		return fmt.Errorf("%w: queue full for %s", domain.ErrBroadcastUnavailable, room)
	}
	timer := time.NewTimer(d.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case ch <- job:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: queue full for %s", domain.ErrBroadcastUnavailable, room)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrBroadcastUnavailable, ctx.Err())
	}
}

// Close stops accepting events, drains queued ones and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

var _ domain.Publisher = (*Dispatcher)(nil)
