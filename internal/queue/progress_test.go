package queue

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/models"
)

func TestProgressBusInProcess(t *testing.T) {
	bus := NewProgressBus()
	scanID := uuid.New()

	updates, unsubscribe := bus.Subscribe(scanID.String())
	defer unsubscribe()

	sent := models.ProgressUpdate{
		ScanID:   scanID,
		Status:   models.ScanStatusRunning,
		Progress: 40,
		Stage:    models.StageForProgress(40),
	}
	bus.Publish(sent)

	select {
	case got := <-updates:
		assert.Equal(t, sent.ScanID, got.ScanID)
		assert.Equal(t, 40, got.Progress)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

// publisher and subscriber use separate bus instances, as the worker and API
// processes do; updates must cross through Redis
func TestRedisProgressBusCrossesInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	newBus := func() *ProgressBus {
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedisProgressBus(cache.NewRedisClientFromExisting(rdb))
	}
	publisher := newBus()
	subscriber := newBus()

	scanID := uuid.New()
	updates, unsubscribe := subscriber.Subscribe(scanID.String())
	defer unsubscribe()

	sent := models.ProgressUpdate{
		ScanID:    scanID,
		Status:    models.ScanStatusRunning,
		Progress:  70,
		Stage:     models.StageForProgress(70),
		Timestamp: time.Now().UTC(),
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			publisher.Publish(sent)
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	select {
	case got := <-updates:
		assert.Equal(t, scanID, got.ScanID)
		assert.Equal(t, models.ScanStatusRunning, got.Status)
		assert.Equal(t, 70, got.Progress)
		assert.Equal(t, models.StageDispatchingAnalyze, got.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("update never crossed the Redis bridge")
	}
}

func TestRedisProgressBusUnsubscribeClosesChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := NewRedisProgressBus(cache.NewRedisClientFromExisting(rdb))
	updates, unsubscribe := bus.Subscribe(uuid.NewString())
	unsubscribe()

	select {
	case _, ok := <-updates:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
