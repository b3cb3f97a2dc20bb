package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/config"
	"github.com/wtthornton/ha-ingestor-sub006/internal/discovery"
	"github.com/wtthornton/ha-ingestor-sub006/internal/hub"
	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
	"github.com/wtthornton/ha-ingestor-sub006/internal/normalizer"
	"github.com/wtthornton/ha-ingestor-sub006/internal/processor"
	"github.com/wtthornton/ha-ingestor-sub006/internal/storage"
)

// 单次存储写入的超时上限
const writeTimeout = 10 * time.Second

// 批未满时的兜底刷新间隔
const batchFlushInterval = time.Second

// eventWriter 写入端接口（由 storage.Writer 实现）
type eventWriter interface {
	WriteBatch(ctx context.Context, events []*models.NormalizedEvent) int
	StatsSnapshot() storage.Stats
	Close()
}

// StatsSnapshot 供外部协作方（管理API/看板）读取的只读统计
type StatsSnapshot struct {
	PipelineState string
	SessionID     string
	Connection    map[string]models.ConnectionStats
	Processor     processor.Stats
	Normalizer    normalizer.Stats
	Storage       storage.Stats
	EventsDropped int64

	RegistryDevices  int
	RegistryEntities int
	RegistryAreas    int
}

// Collector 采集服务：组合连接管理器、发现服务和事件管线
// 管线（处理→归一→写入）由有界的工作协程池并行执行；
// 时序写入按时间戳可交换，不要求严格FIFO
type Collector struct {
	cfg    *config.Config
	logger *zap.Logger

	hub        *hub.Client
	discovery  *discovery.Service
	processor  *processor.Processor
	normalizer *normalizer.Normalizer
	writer     eventWriter
	cache      *redis.Client

	events    chan *models.RawEvent
	quit      chan struct{}
	accepting atomic.Bool
	dropped   atomic.Int64
	wg        sync.WaitGroup
}

// New 创建采集服务并完成组件装配
func New(cfg *config.Config, logger *zap.Logger) (*Collector, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no hub endpoints configured")
	}

	// 注册表快照缓存可选；连不上只降级为冷启动，不阻止服务启动
	var cache *redis.Client
	if cfg.RegistryCache.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.RegistryCache.Addr,
			Password: cfg.RegistryCache.Password,
			DB:       cfg.RegistryCache.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cache.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Registry cache unavailable, starting cold",
				zap.String("addr", cfg.RegistryCache.Addr),
				zap.Error(err),
			)
			cache.Close()
			cache = nil
		}
	}

	hubClient := hub.NewClient(cfg.Endpoints, cfg.Pipeline.FailoverCooldown, logger)
	discoveryService := discovery.NewService(hubClient, cache, cfg.RegistryCache, cfg.Endpoints[0].Timeout, logger)
	eventProcessor := processor.New(discoveryService, cfg.Weather.Enabled, logger)
	eventNormalizer := normalizer.New(logger)
	writer := storage.NewWriter(cfg.Influx, logger)

	c := &Collector{
		cfg:        cfg,
		logger:     logger,
		hub:        hubClient,
		discovery:  discoveryService,
		processor:  eventProcessor,
		normalizer: eventNormalizer,
		writer:     writer,
		cache:      cache,
		events:     make(chan *models.RawEvent, cfg.Pipeline.QueueSize),
		quit:       make(chan struct{}),
	}

	hubClient.OnEvent(c.enqueue)
	hubClient.OnConnect(func(ctx context.Context) {
		// 每次（重）连接后重新同步注册表并重建变更订阅
		discoveryService.SyncAll(ctx)
		discoveryService.SubscribeRegistryEvents(ctx)
	})

	return c, nil
}

// Start 启动工作协程池和连接循环
func (c *Collector) Start(ctx context.Context) error {
	c.accepting.Store(true)
	c.discovery.WarmStart(ctx)

	for i := 0; i < c.cfg.Pipeline.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	go func() {
		if err := c.hub.Run(ctx); err != nil {
			c.logger.Error("Hub connection loop exited", zap.Error(err))
		}
	}()

	c.logger.Info("Collector started",
		zap.Int("workers", c.cfg.Pipeline.Workers),
		zap.Int("endpoints", len(c.cfg.Endpoints)),
	)
	return nil
}

// enqueue 接收回调：投递到管线队列，满时丢弃（至多一次语义）
func (c *Collector) enqueue(ev *models.RawEvent) {
	if !c.accepting.Load() {
		c.dropped.Add(1)
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("Pipeline queue full, dropping event",
			zap.String("event_type", ev.EventType),
		)
	}
}

// worker 管线工作协程：归一化结果按配置的批大小攒批写入，
// 批满立即刷，否则按兜底间隔刷；quit 后排空队列、刷掉余批再退出
func (c *Collector) worker(ctx context.Context) {
	defer c.wg.Done()

	limit := c.cfg.Influx.BatchSize
	if limit < 1 {
		limit = 1
	}
	batch := make([]*models.NormalizedEvent, 0, limit)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		c.writer.WriteBatch(writeCtx, batch)
		cancel()
		batch = batch[:0]
	}

	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.events:
			if normalized := c.handle(ctx, ev); normalized != nil {
				batch = append(batch, normalized)
				if len(batch) >= limit {
					flush()
				}
			}
		case <-ticker.C:
			flush()
		case <-c.quit:
			for {
				select {
				case ev := <-c.events:
					if normalized := c.handle(ctx, ev); normalized != nil {
						batch = append(batch, normalized)
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// handle 处理单条事件：注册表变更走发现服务，其余产出待写入的归一化记录
func (c *Collector) handle(ctx context.Context, ev *models.RawEvent) *models.NormalizedEvent {
	switch ev.EventType {
	case discovery.EventDeviceRegistryUpdated,
		discovery.EventEntityRegistryUpdated,
		discovery.EventAreaRegistryUpdated:
		c.discovery.HandleRegistryEvent(ctx, ev)
		return nil
	}

	processed, ok := c.processor.Process(ev)
	if !ok {
		return nil
	}
	return c.normalizer.Normalize(processed)
}

// Stop 优雅停机：停止接收 → 关闭连接 → 限时排空在途事件 → 释放资源
func (c *Collector) Stop(ctx context.Context) error {
	c.logger.Info("Stopping collector")
	c.accepting.Store(false)
	c.hub.Close()
	close(c.quit)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.Pipeline.ShutdownGrace):
		c.logger.Warn("Shutdown grace period elapsed, abandoning in-flight events",
			zap.Duration("grace", c.cfg.Pipeline.ShutdownGrace),
		)
	}

	c.writer.Close()
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Error("Error closing registry cache", zap.Error(err))
		}
	}

	c.logger.Info("Collector stopped")
	return nil
}

// StatsSnapshot 汇总各组件统计
func (c *Collector) StatsSnapshot() StatsSnapshot {
	devices, entities, areas := c.discovery.Counts()
	return StatsSnapshot{
		PipelineState:    c.hub.State().String(),
		SessionID:        c.hub.SessionID(),
		Connection:       c.hub.StatsSnapshot(),
		Processor:        c.processor.StatsSnapshot(),
		Normalizer:       c.normalizer.StatsSnapshot(),
		Storage:          c.writer.StatsSnapshot(),
		EventsDropped:    c.dropped.Load(),
		RegistryDevices:  devices,
		RegistryEntities: entities,
		RegistryAreas:    areas,
	}
}
