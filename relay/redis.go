// Package relay carries data frames between server processes so a broadcast
// reaches connections held by other nodes.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"textsync-server/domain"
)

const DefaultPublishTimeout = 2 * time.Second

// Fanouter delivers a frame to local connections other than senderID.
type Fanouter interface {
	Fanout(senderID string, f domain.Frame)
}

type envelope struct {
	Node    string           `json:"node"`
	Sender  string           `json:"sender"`
	Kind    domain.FrameKind `json:"kind"`
	Payload []byte           `json:"payload"`
}

// Redis is a sink that publishes data frames to a Redis channel. Run
// subscribes to the same channel and hands every frame to the local hub.
type Redis struct {
	client         *redis.Client
	channel        string
	node           string
	local          Fanouter
	publishTimeout time.Duration
}

func NewRedis(client *redis.Client, channel string, local Fanouter) *Redis {
	return &Redis{
		client:         client,
		channel:        channel,
		node:           uuid.New().String(),
		local:          local,
		publishTimeout: DefaultPublishTimeout,
	}
}

func (r *Redis) Node() string { return r.node }

func (r *Redis) Deliver(sender domain.Connection, f domain.Frame) error {
	data, err := json.Marshal(envelope{Node: r.node, Sender: sender.ID(), Kind: f.Kind, Payload: f.Payload})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run relays published frames to local connections until ctx is done. The
// subscription is confirmed before Run starts reading.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	slog.Info("relay subscribed", "channel", r.channel, "node", r.node)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("relay: bad envelope", "channel", r.channel, "error", err)
				continue
			}
			if !env.Kind.IsData() {
				slog.Warn("relay: unexpected frame kind", "kind", env.Kind, "node", env.Node)
				continue
			}
			r.local.Fanout(env.Sender, domain.Frame{Kind: env.Kind, Payload: env.Payload})
		}
	}
}
