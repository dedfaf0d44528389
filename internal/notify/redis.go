package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"snackpos/backend/internal/domain"
)

const DefaultLowStockChannel = "snackpos:low-stock"

// RedisNotifier publishes low-stock events on a Redis channel from a
// background worker. Events are dropped when the queue is full.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	queue   chan domain.LowStockEvent
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRedisNotifier(client *redis.Client, channel string, queueSize int) *RedisNotifier {
	if channel == "" {
		channel = DefaultLowStockChannel
	}
	if queueSize < 1 {
		queueSize = 64
	}
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		queue:   make(chan domain.LowStockEvent, queueSize),
		timeout: 2 * time.Second,
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *RedisNotifier) NotifyLowStock(_ context.Context, event domain.LowStockEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- event:
	default:
		log.Printf("[notify] WARN: low-stock queue full, dropping event product=%d", event.ProductID)
	}
}

func (n *RedisNotifier) run() {
	defer n.wg.Done()
	for event := range n.queue {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("[notify] WARN: encode low-stock event product=%d: %v", event.ProductID, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
			log.Printf("[notify] WARN: publish low-stock event product=%d: %v", event.ProductID, err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}
