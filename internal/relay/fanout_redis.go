package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"call-signaling/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fanoutMessage struct {
	Origin  string   `json:"origin"`
	Topics  []string `json:"topics"`
	Frame   []byte   `json:"frame"`
	Exclude string   `json:"exclude,omitempty"`
}

// RedisFanout bridges hubs of several instances over one pub/sub channel.
// Each instance delivers remote frames to its own subscribers only; frames
// it published itself are ignored on the way back.
type RedisFanout struct {
	rdb     redis.UniversalClient
	hub     *Hub
	channel string
	origin  string
	log     *slog.Logger
}

func NewRedisFanout(rdb redis.UniversalClient, hub *Hub, channel string, l *slog.Logger) *RedisFanout {
	if channel == "" {
		channel = "calls:relay"
	}
	return &RedisFanout{
		rdb:     rdb,
		hub:     hub,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.Component(l, "relay.fanout"),
	}
}

func (f *RedisFanout) Replicate(ctx context.Context, topics []string, frame []byte, excludeID string) {
	b, err := json.Marshal(fanoutMessage{Origin: f.origin, Topics: topics, Frame: frame, Exclude: excludeID})
	if err != nil {
		f.log.Error("encode fanout message", "err", err)
		return
	}
	if err := f.rdb.Publish(ctx, f.channel, b).Err(); err != nil {
		f.log.Warn("fanout publish failed", "err", err)
	}
}

// Run subscribes and delivers remote frames until ctx is done. ready, when
// non-nil, is closed once the subscription is confirmed.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	f.log.Info("fanout subscribed", "channel", f.channel, "origin", f.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay: fanout subscription closed")
			}
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				f.log.Warn("bad fanout message", "err", err)
				continue
			}
			if m.Origin == f.origin {
				continue
			}
			f.hub.Deliver(m.Topics, m.Frame, m.Exclude)
		}
	}
}
