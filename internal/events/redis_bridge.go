package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBridge mirrors locally published events to a Redis channel and injects
// events published on other nodes into the local bus, so realtime clients
// connected to any node see the full stream. Cross-node ordering is not
// guaranteed; per-node publish order is preserved.
type RedisBridge struct {
	rdb     *redis.Client
	bus     *Bus
	channel string
	nodeID  string
	logger  *log.Logger
	cancel  context.CancelFunc
}

type bridgeFrame struct {
	NodeID string       `json:"nodeId"`
	Event  *DomainEvent `json:"event"`
}

// NewRedisBridge connects to Redis and verifies connectivity. Returns an
// error the caller may treat as non-fatal: a single-node deployment runs
// without the bridge.
func NewRedisBridge(addr, password string, db int, channel, nodeID string, bus *Bus) (*RedisBridge, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return &RedisBridge{
		rdb:     rdb,
		bus:     bus,
		channel: channel,
		nodeID:  nodeID,
		logger:  log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags),
	}, nil
}

// Deliver implements Sink: publish the event to the Redis channel.
func (rb *RedisBridge) Deliver(event *DomainEvent) {
	payload, err := json.Marshal(bridgeFrame{NodeID: rb.nodeID, Event: event})
	if err != nil {
		rb.logger.Printf("frame marshal failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.rdb.Publish(ctx, rb.channel, payload).Err(); err != nil {
		rb.logger.Printf("redis publish failed: %v", err)
	}
}

// Start subscribes to the channel and injects remote events into the local
// bus until Stop is called.
func (rb *RedisBridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	rb.cancel = cancel

	sub := rb.rdb.Subscribe(ctx, rb.channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame bridgeFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					rb.logger.Printf("undecodable bridge frame: %v", err)
					continue
				}
				if frame.NodeID == rb.nodeID || frame.Event == nil {
					continue // our own publication echoed back
				}
				rb.bus.Inject(frame.Event)
			}
		}
	}()
	rb.logger.Printf("bridging events on channel %q as node %s", rb.channel, rb.nodeID)
}

// Stop unsubscribes and closes the Redis connection.
func (rb *RedisBridge) Stop() {
	if rb.cancel != nil {
		rb.cancel()
	}
	rb.rdb.Close()
}
