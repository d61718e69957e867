package subscription

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
	"prism-board/domain"
)

// Source delivers cluster wide events to a local publisher until ctx is done.
type Source interface {
	Run(ctx context.Context, local domain.Publisher, ready chan<- struct{})
}

// Hub is the node local fan-out the relay feeds.
type Hub interface {
	domain.Publisher
	DisconnectAll() int
}

// Relay feeds events arriving on the bus into the node's hub.
type Relay struct {
	source Source
	hub    Hub
	log    *log.Logger

	ready     chan struct{}
	delivered atomic.Int64
	resyncs   atomic.Int64
}

func NewRelay(source Source, hub Hub, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{source: source, hub: hub, log: logger, ready: make(chan struct{})}
}

// Run blocks until ctx is done, resubscribing through the source as needed.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("relaying board events to local subscribers")
	r.source.Run(ctx, r, r.ready)
	r.log.Info("board event relay stopped")
}

// Publish implements domain.Publisher for the source.
func (r *Relay) Publish(ctx context.Context, room domain.Room, ev domain.ChangeEvent) error {
	r.delivered.Add(1)
	r.log.WithFields(log.Fields{"room": room, "type": ev.Type, "item_id": ev.ItemID}).Debug("relaying event")
	return r.hub.Publish(ctx, room, ev)
}

// Resync disconnects every local subscriber after the bus may have dropped
// events. Clients reconnect and refetch the board.
func (r *Relay) Resync() {
	r.resyncs.Add(1)
	n := r.hub.DisconnectAll()
	r.log.WithFields(log.Fields{"evicted": n}).Warn("bus resubscribed, disconnected local subscribers")
}

// Resyncs returns how many times the relay has resynced.
func (r *Relay) Resyncs() int64 { return r.resyncs.Load() }

// Ready is closed once the first subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// IsReady reports whether the relay has subscribed at least once.
func (r *Relay) IsReady() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// Delivered returns the number of events relayed so far.
func (r *Relay) Delivered() int64 { return r.delivered.Load() }

var _ broadcast.Resyncer = (*Relay)(nil)
