package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/config"
	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
	"github.com/wtthornton/ha-ingestor-sub006/internal/normalizer"
	"github.com/wtthornton/ha-ingestor-sub006/internal/processor"
	"github.com/wtthornton/ha-ingestor-sub006/internal/storage"
)

// fakeEventWriter 记录每次批量写入的大小
type fakeEventWriter struct {
	mu      sync.Mutex
	batches []int
}

func (f *fakeEventWriter) WriteBatch(_ context.Context, events []*models.NormalizedEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, len(events))
	return len(events)
}

func (f *fakeEventWriter) StatsSnapshot() storage.Stats { return storage.Stats{} }

func (f *fakeEventWriter) Close() {}

func (f *fakeEventWriter) snapshot() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

func rawStateChange(t *testing.T, entityID string) *models.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"entity_id": entityID,
		"new_state": map[string]interface{}{
			"entity_id":    entityID,
			"state":        "on",
			"last_changed": "2026-08-30T10:00:00+00:00",
		},
	})
	require.NoError(t, err)
	return &models.RawEvent{
		EventType:  processor.EventStateChanged,
		TimeFired:  "2026-08-30T10:00:00+00:00",
		Data:       data,
		ReceivedAt: time.Now(),
	}
}

func newBatchCollector(batchSize int, fw *fakeEventWriter) *Collector {
	cfg := &config.Config{}
	cfg.Influx.BatchSize = batchSize
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.QueueSize = 64
	cfg.Pipeline.ShutdownGrace = time.Second

	logger := zap.NewNop()
	c := &Collector{
		cfg:        cfg,
		logger:     logger,
		processor:  processor.New(nil, false, logger),
		normalizer: normalizer.New(logger),
		writer:     fw,
		events:     make(chan *models.RawEvent, cfg.Pipeline.QueueSize),
		quit:       make(chan struct{}),
	}
	c.accepting.Store(true)
	return c
}

func TestWorker_FlushesFullBatch(t *testing.T) {
	fw := &fakeEventWriter{}
	c := newBatchCollector(4, fw)

	c.wg.Add(1)
	go c.worker(context.Background())

	for i := 0; i < 4; i++ {
		c.enqueue(rawStateChange(t, "light.living_room"))
	}

	// 批满立即写入，不等兜底刷新
	require.Eventually(t, func() bool {
		b := fw.snapshot()
		return len(b) == 1 && b[0] == 4
	}, time.Second, 10*time.Millisecond)

	close(c.quit)
	c.wg.Wait()
}

func TestWorker_FlushesPartialBatchOnInterval(t *testing.T) {
	fw := &fakeEventWriter{}
	c := newBatchCollector(100, fw)

	c.wg.Add(1)
	go c.worker(context.Background())

	c.enqueue(rawStateChange(t, "sensor.kitchen_temperature"))
	c.enqueue(rawStateChange(t, "sensor.kitchen_temperature"))

	// 批未满时由兜底间隔触发写入
	require.Eventually(t, func() bool {
		b := fw.snapshot()
		return len(b) == 1 && b[0] == 2
	}, 3*time.Second, 50*time.Millisecond)

	close(c.quit)
	c.wg.Wait()
}

func TestWorker_DrainsPartialBatchOnQuit(t *testing.T) {
	fw := &fakeEventWriter{}
	c := newBatchCollector(100, fw)

	c.wg.Add(1)
	go c.worker(context.Background())

	for i := 0; i < 3; i++ {
		c.enqueue(rawStateChange(t, "light.living_room"))
	}
	close(c.quit)
	c.wg.Wait()

	// 停机排空：余批一次性写出，不丢事件
	require.Equal(t, []int{3}, fw.snapshot())
}
