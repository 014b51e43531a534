package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Relay fans document updates out across server instances through redis
// pub/sub. Each instance tags messages with its own id and drops its echo,
// so an update reaches every other instance exactly once per publish.
type Relay struct {
	client     *redis.Client
	instanceID string
}

type relayMessage struct {
	Instance string `json:"instance"`
	Update   string `json:"update"` // base64 binary update
}

func NewRelay(client *redis.Client, instanceID string) *Relay {
	return &Relay{client: client, instanceID: instanceID}
}

func channelFor(docID string) string {
	return fmt.Sprintf("doc:%s:updates", docID)
}

// Publish sends a binary update to the document's channel. No-op without redis.
func (r *Relay) Publish(ctx context.Context, docID string, update []byte) error {
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(relayMessage{
		Instance: r.instanceID,
		Update:   base64.StdEncoding.EncodeToString(update),
	})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelFor(docID), payload).Err()
}

// Subscribe delivers updates published by other instances for docID to fn
// until ctx is cancelled.
func (r *Relay) Subscribe(ctx context.Context, docID string, fn func(update []byte)) {
	if r.client == nil {
		return
	}
	pubsub := r.client.Subscribe(ctx, channelFor(docID))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Printf("relay: bad message on %s: %v", msg.Channel, err)
					continue
				}
				if m.Instance == r.instanceID {
					continue // our own echo
				}
				update, err := base64.StdEncoding.DecodeString(m.Update)
				if err != nil {
					log.Printf("relay: bad update encoding on %s: %v", msg.Channel, err)
					continue
				}
				fn(update)
			}
		}
	}()
}
