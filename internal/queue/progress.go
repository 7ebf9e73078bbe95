package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/models"
)

const progressChannelPrefix = "surfscan:progress:"

func progressChannel(scanID string) string {
	return progressChannelPrefix + scanID
}

// ProgressBus fans scan progress updates out to subscribers. Workers publish;
// the status overlay and the progress websocket subscribe. When backed by
// Redis the updates travel over pub/sub, so the API process sees updates
// published by the worker process. Without Redis the bus is in-process only.
// Slow subscribers drop updates rather than block the publisher.
type ProgressBus struct {
	redis *cache.RedisClient

	mu   sync.RWMutex
	subs map[string][]chan models.ProgressUpdate
}

// NewProgressBus returns an in-process bus. Used by tests and single-process
// setups.
func NewProgressBus() *ProgressBus {
	return &ProgressBus{subs: make(map[string][]chan models.ProgressUpdate)}
}

// NewRedisProgressBus returns a bus bridged over Redis pub/sub on
// surfscan:progress:{scanId}, so publishers and subscribers may live in
// different processes.
func NewRedisProgressBus(redis *cache.RedisClient) *ProgressBus {
	return &ProgressBus{
		redis: redis,
		subs:  make(map[string][]chan models.ProgressUpdate),
	}
}

// Subscribe returns a channel of updates for the scan and an unsubscribe
// function.
func (b *ProgressBus) Subscribe(scanID string) (<-chan models.ProgressUpdate, func()) {
	ch := make(chan models.ProgressUpdate, 16)

	if b.redis != nil {
		ps := b.redis.Raw().Subscribe(context.Background(), progressChannel(scanID))
		go func() {
			defer close(ch)
			for msg := range ps.Channel() {
				var update models.ProgressUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					continue
				}
				select {
				case ch <- update:
				default:
				}
			}
		}()
		return ch, func() { _ = ps.Close() }
	}

	b.mu.Lock()
	b.subs[scanID] = append(b.subs[scanID], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[scanID]
		for i, c := range chans {
			if c == ch {
				b.subs[scanID] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subs[scanID]) == 0 {
			delete(b.subs, scanID)
		}
	}
	return ch, unsubscribe
}

// Publish delivers an update to all subscribers of the scan, dropping it for
// any subscriber whose buffer is full.
func (b *ProgressBus) Publish(update models.ProgressUpdate) {
	if b.redis != nil {
		data, err := json.Marshal(update)
		if err != nil {
			return
		}
		b.redis.Raw().Publish(context.Background(), progressChannel(update.ScanID.String()), data)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[update.ScanID.String()] {
		select {
		case ch <- update:
		default:
		}
	}
}
