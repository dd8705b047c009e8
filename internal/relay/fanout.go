package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fanout relays sync and awareness frames between server instances over
// redis pub/sub, so editors connected to different replicas of this
// service still converge. Frames carry the originating instance id and are
// skipped on the instance that published them.
type Fanout struct {
	client     *redis.Client
	instanceID string
	prefix     string
}

type fanoutMessage struct {
	Origin string `json:"origin"`
	Frame  string `json:"frame"`
}

func NewFanout(redisURL string) (*Fanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Fanout{
		client:     client,
		instanceID: uuid.NewString(),
		prefix:     "relay:",
	}, nil
}

// NewFanoutWithClient wraps an existing redis client, used by tests.
func NewFanoutWithClient(client *redis.Client) *Fanout {
	return &Fanout{client: client, instanceID: uuid.NewString(), prefix: "relay:"}
}

func (f *Fanout) channel(draftID string) string {
	return f.prefix + draftID
}

// Publish sends a raw frame to peers subscribed to the draft's channel.
func (f *Fanout) Publish(ctx context.Context, draftID string, frame []byte) {
	payload, err := json.Marshal(fanoutMessage{
		Origin: f.instanceID,
		Frame:  base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return
	}
	if err := f.client.Publish(ctx, f.channel(draftID), payload).Err(); err != nil {
		log.Printf("relay: fanout publish %s: %v", draftID, err)
	}
}

// Subscribe delivers frames published by other instances for the draft
// until the returned stop function is called.
func (f *Fanout) Subscribe(ctx context.Context, draftID string, deliver func(frame []byte)) (stop func()) {
	pubsub := f.client.Subscribe(ctx, f.channel(draftID))
	go func() {
		for msg := range pubsub.Channel() {
			var envelope fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				log.Printf("relay: fanout decode %s: %v", draftID, err)
				continue
			}
			if envelope.Origin == f.instanceID {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(envelope.Frame)
			if err != nil {
				log.Printf("relay: fanout decode frame %s: %v", draftID, err)
				continue
			}
			deliver(frame)
		}
	}()
	return func() {
		_ = pubsub.Close()
	}
}

func (f *Fanout) Close() error {
	return f.client.Close()
}
