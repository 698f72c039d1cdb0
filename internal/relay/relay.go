// Package relay fans accepted room broadcasts out to other server instances
// through Redis pub/sub, so a document can be open on several nodes at once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strukturag/pdfdraw/internal/room"
	"github.com/strukturag/pdfdraw/internal/util"
)

const channelPrefix = "pdfdraw:room:"

// envelope is the wire format on the pub/sub channel. Origin lets an
// instance drop its own publishes when they come back around.
type envelope struct {
	Origin  string       `json:"origin"`
	Message room.Message `json:"message"`
}

// Relay connects this instance to the shared Redis broadcast bus.
type Relay struct {
	client *redis.Client
	origin string
}

func New(redisURL string) (*Relay, error) {
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
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing Redis client, mostly for tests.
func NewWithClient(client *redis.Client) *Relay {
	return &Relay{
		client: client,
		origin: util.NewID("instance"),
	}
}

func (r *Relay) Close() error {
	return r.client.Close()
}

// Publish forwards an accepted broadcast to the other instances. Callers may
// hold room locks, so the publish happens off the calling goroutine and
// failures only make it into the log.
func (r *Relay) Publish(roomID string, msg room.Message) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		log.Printf("relay: serializing message for room %s failed: %v", roomID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.Publish(ctx, channelPrefix+roomID, payload).Err(); err != nil {
			log.Printf("relay: publishing to room %s failed: %v", roomID, err)
		}
	}()
}

// Start subscribes to all room channels and delivers remote messages to the
// matching local rooms until ctx is cancelled. Messages for rooms that are
// not open on this instance are dropped.
func (r *Relay) Start(ctx context.Context, lookup func(roomID string) (*room.Room, bool)) {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				r.deliver(m, lookup)
			}
		}
	}()
}

func (r *Relay) deliver(m *redis.Message, lookup func(roomID string) (*room.Room, bool)) {
	roomID := strings.TrimPrefix(m.Channel, channelPrefix)

	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		log.Printf("relay: dropping malformed message for room %s: %v", roomID, err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	rm, ok := lookup(roomID)
	if !ok {
		return
	}
	rm.DeliverRemote(env.Message)
}
