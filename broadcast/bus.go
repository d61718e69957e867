package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

type envelope struct {
	Room  domain.Room        `json:"room"`
	Event domain.ChangeEvent `json:"event"`
}

// Bus carries change events between nodes over one Redis pub/sub channel.
// Every stream node runs the bus and republishes into its local hub.
type Bus struct {
	redis   *redis.Client
	channel string
	log     *log.Logger
	// ReconnectDelay is the pause before receiving again after a failed read.
	ReconnectDelay time.Duration
	// PingInterval is how long the subscription may stay silent before it is pinged.
	PingInterval time.Duration
}

func NewBus(client *redis.Client, channel string, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bus{redis: client, channel: channel, log: logger, ReconnectDelay: time.Second, PingInterval: 30 * time.Second}
}

// Publish sends the event to every node subscribed to the bus.
func (b *Bus) Publish(ctx context.Context, room domain.Room, ev domain.ChangeEvent) error {
	data, err := sonic.Marshal(envelope{Room: room, Event: ev})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", domain.ErrBroadcastUnavailable, err)
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBroadcastUnavailable, err)
	}
	return nil
}

// Resyncer is told when the bus may have dropped events, so that local
// subscribers can be sent back to refetch.
type Resyncer interface {
	Resync()
}

// Run subscribes to the bus and delivers every event to local until ctx is
// done. ready, when not nil, is closed once the first subscription is
// confirmed. go-redis resubscribes after a dropped connection and events sent
// in between are lost, so every later confirmation is reported to local when
// it implements Resyncer.
func (b *Bus) Run(ctx context.Context, local domain.Publisher, ready chan<- struct{}) {
	sub := b.redis.Subscribe(ctx, b.channel)
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer func() {
		stop()
		_ = sub.Close()
	}()

	subscribed := false
	for {
		msg, err := sub.ReceiveTimeout(ctx, b.PingInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := sub.Ping(ctx); err != nil {
					b.log.WithError(err).Warn("bus ping failed")
				}
				continue
			}
			b.log.WithError(err).Error("bus receive failed, resubscribing")
			if !b.sleep(ctx) {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			if !subscribed {
				subscribed = true
				if ready != nil {
					close(ready)
					ready = nil
				}
				continue
			}
			b.log.Warn("bus resubscribed, events may have been missed")
			if r, ok := local.(Resyncer); ok {
				r.Resync()
			}
		case *redis.Message:
			b.deliver(ctx, m, local)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg *redis.Message, local domain.Publisher) {
	var env envelope
	if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.log.WithError(err).Error("unable to parse bus message")
		return
	}
	if !env.Room.Valid() {
		b.log.WithFields(log.Fields{"room": env.Room}).Warn("dropping bus message for unknown room")
		return
	}
	if err := local.Publish(ctx, env.Room, env.Event); err != nil {
		b.log.WithFields(log.Fields{"room": env.Room}).WithError(err).Error("local publish failed")
	}
}

func (b *Bus) sleep(ctx context.Context) bool {
	t := time.NewTimer(b.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ domain.Publisher = (*Bus)(nil)
