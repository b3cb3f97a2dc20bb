package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/config"
	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// 注册表查询命令
const (
	cmdDeviceList = "config/device_registry/list"
	cmdEntityList = "config/entity_registry/list"
	cmdAreaList   = "config/area_registry/list"
)

// 注册表变更事件类型
const (
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventAreaRegistryUpdated   = "area_registry_updated"
)

// Requester 发往集线器的请求/响应接口（由连接管理器实现）
type Requester interface {
	Request(ctx context.Context, command map[string]interface{}) (json.RawMessage, error)
}

// Service 注册表发现服务
// 持有设备/实体/区域三个内存索引，同步时整体替换，变更事件做单条更新；
// 同步失败保留旧索引（过期可用优于清空）
type Service struct {
	hub            Requester
	cache          *redis.Client // nil 表示禁用快照缓存
	cacheCfg       config.RegistryCacheConfig
	requestTimeout time.Duration
	logger         *zap.Logger

	mu       sync.RWMutex
	devices  map[string]models.Device
	entities map[string]models.Entity
	areas    map[string]models.Area
}

// NewService 创建发现服务
func NewService(hub Requester, cache *redis.Client, cacheCfg config.RegistryCacheConfig, requestTimeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		hub:            hub,
		cache:          cache,
		cacheCfg:       cacheCfg,
		requestTimeout: requestTimeout,
		logger:         logger,
		devices:        make(map[string]models.Device),
		entities:       make(map[string]models.Entity),
		areas:          make(map[string]models.Area),
	}
}

// SyncAll 同步三个注册表；单个失败不影响其余
func (s *Service) SyncAll(ctx context.Context) {
	s.SyncDevices(ctx)
	s.SyncEntities(ctx)
	s.SyncAreas(ctx)
}

// SyncDevices 同步设备注册表，成功后整体替换索引
func (s *Service) SyncDevices(ctx context.Context) {
	var devices []models.Device
	if !s.fetchList(ctx, cmdDeviceList, &devices) {
		return
	}
	index := make(map[string]models.Device, len(devices))
	for _, d := range devices {
		index[d.ID] = d
	}
	s.mu.Lock()
	s.devices = index
	s.mu.Unlock()
	s.logger.Info("Device registry synced", zap.Int("count", len(index)))
	s.saveSnapshot(ctx, "devices", index)
}

// SyncEntities 同步实体注册表
func (s *Service) SyncEntities(ctx context.Context) {
	var entities []models.Entity
	if !s.fetchList(ctx, cmdEntityList, &entities) {
		return
	}
	index := make(map[string]models.Entity, len(entities))
	for _, e := range entities {
		index[e.EntityID] = e
	}
	s.mu.Lock()
	s.entities = index
	s.mu.Unlock()
	s.logger.Info("Entity registry synced", zap.Int("count", len(index)))
	s.saveSnapshot(ctx, "entities", index)
}

// SyncAreas 同步区域注册表
func (s *Service) SyncAreas(ctx context.Context) {
	var areas []models.Area
	if !s.fetchList(ctx, cmdAreaList, &areas) {
		return
	}
	index := make(map[string]models.Area, len(areas))
	for _, a := range areas {
		index[a.ID] = a
	}
	s.mu.Lock()
	s.areas = index
	s.mu.Unlock()
	s.logger.Info("Area registry synced", zap.Int("count", len(index)))
	s.saveSnapshot(ctx, "areas", index)
}

// fetchList 发起注册表查询并解析结果
// 超时或失败只记日志并返回 false，调用方保留旧索引；绝不让启动流程失败
func (s *Service) fetchList(ctx context.Context, command string, out interface{}) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	result, err := s.hub.Request(reqCtx, map[string]interface{}{"type": command})
	if err != nil {
		s.logger.Warn("Registry sync failed, keeping previous index",
			zap.String("command", command),
			zap.Error(err),
		)
		return false
	}
	if err := json.Unmarshal(result, out); err != nil {
		s.logger.Warn("Registry response unparseable, keeping previous index",
			zap.String("command", command),
			zap.Error(err),
		)
		return false
	}
	return true
}

// SubscribeRegistryEvents 订阅三类注册表变更通知
func (s *Service) SubscribeRegistryEvents(ctx context.Context) {
	for _, eventType := range []string{
		EventDeviceRegistryUpdated,
		EventEntityRegistryUpdated,
		EventAreaRegistryUpdated,
	} {
		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		_, err := s.hub.Request(reqCtx, map[string]interface{}{
			"type":       "subscribe_events",
			"event_type": eventType,
		})
		cancel()
		if err != nil {
			s.logger.Warn("Registry event subscription failed",
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}
}

// registryEventData 注册表变更通知负载
// 通知可能直接携带变更后的记录；没带记录时退化为该注册表的定向重同步
type registryEventData struct {
	Action   string          `json:"action"` // create / update / remove
	DeviceID string          `json:"device_id,omitempty"`
	EntityID string          `json:"entity_id,omitempty"`
	AreaID   string          `json:"area_id,omitempty"`
	Device   json.RawMessage `json:"device,omitempty"`
	Entity   json.RawMessage `json:"entity,omitempty"`
	Area     json.RawMessage `json:"area,omitempty"`
}

// HandleRegistryEvent 处理一条注册表变更通知（单条更新，避免全量往返）
func (s *Service) HandleRegistryEvent(ctx context.Context, ev *models.RawEvent) {
	var data registryEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		s.logger.Warn("Malformed registry event", zap.String("event_type", ev.EventType), zap.Error(err))
		return
	}

	switch ev.EventType {
	case EventDeviceRegistryUpdated:
		s.applyDeviceChange(ctx, data)
	case EventEntityRegistryUpdated:
		s.applyEntityChange(ctx, data)
	case EventAreaRegistryUpdated:
		s.applyAreaChange(ctx, data)
	}
}

func (s *Service) applyDeviceChange(ctx context.Context, data registryEventData) {
	if data.Action == "remove" && data.DeviceID != "" {
		s.mu.Lock()
		delete(s.devices, data.DeviceID)
		s.mu.Unlock()
		return
	}
	if len(data.Device) > 0 {
		var d models.Device
		if err := json.Unmarshal(data.Device, &d); err == nil && d.ID != "" {
			s.mu.Lock()
			s.devices[d.ID] = d
			s.mu.Unlock()
			return
		}
	}
	s.SyncDevices(ctx)
}

func (s *Service) applyEntityChange(ctx context.Context, data registryEventData) {
	if data.Action == "remove" && data.EntityID != "" {
		s.mu.Lock()
		delete(s.entities, data.EntityID)
		s.mu.Unlock()
		return
	}
	if len(data.Entity) > 0 {
		var e models.Entity
		if err := json.Unmarshal(data.Entity, &e); err == nil && e.EntityID != "" {
			s.mu.Lock()
			s.entities[e.EntityID] = e
			s.mu.Unlock()
			return
		}
	}
	s.SyncEntities(ctx)
}

func (s *Service) applyAreaChange(ctx context.Context, data registryEventData) {
	if data.Action == "remove" && data.AreaID != "" {
		s.mu.Lock()
		delete(s.areas, data.AreaID)
		s.mu.Unlock()
		return
	}
	if len(data.Area) > 0 {
		var a models.Area
		if err := json.Unmarshal(data.Area, &a); err == nil && a.ID != "" {
			s.mu.Lock()
			s.areas[a.ID] = a
			s.mu.Unlock()
			return
		}
	}
	s.SyncAreas(ctx)
}

// LookupEntity 按实体ID查实体记录
func (s *Service) LookupEntity(entityID string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	return e, ok
}

// LookupDevice 按实体ID查所属设备
func (s *Service) LookupDevice(entityID string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok || e.DeviceID == "" {
		return models.Device{}, false
	}
	d, ok := s.devices[e.DeviceID]
	return d, ok
}

// LookupDeviceMetadata 按设备ID查设备元数据
func (s *Service) LookupDeviceMetadata(deviceID string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// LookupArea 查实体所在区域：实体自己的 area_id 优先，其次设备的 area_id
func (s *Service) LookupArea(entityID, deviceID string) (models.Area, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	areaID := ""
	if e, ok := s.entities[entityID]; ok && e.AreaID != "" {
		areaID = e.AreaID
	} else if d, ok := s.devices[deviceID]; ok && d.AreaID != "" {
		areaID = d.AreaID
	}
	if areaID == "" {
		return models.Area{}, false
	}
	a, ok := s.areas[areaID]
	if !ok {
		// 区域表还没同步到该记录，至少返回ID
		return models.Area{ID: areaID}, true
	}
	return a, true
}

// WarmStart 从快照缓存加载上次的注册表索引，让重启后的首批事件也能富化
func (s *Service) WarmStart(ctx context.Context) {
	if s.cache == nil {
		return
	}

	var devices map[string]models.Device
	var entities map[string]models.Entity
	var areas map[string]models.Area
	s.loadSnapshot(ctx, "devices", &devices)
	s.loadSnapshot(ctx, "entities", &entities)
	s.loadSnapshot(ctx, "areas", &areas)

	s.mu.Lock()
	if len(devices) > 0 {
		s.devices = devices
	}
	if len(entities) > 0 {
		s.entities = entities
	}
	if len(areas) > 0 {
		s.areas = areas
	}
	s.mu.Unlock()

	if len(devices) > 0 || len(entities) > 0 || len(areas) > 0 {
		s.logger.Info("Registry warm-started from snapshot cache",
			zap.Int("devices", len(devices)),
			zap.Int("entities", len(entities)),
			zap.Int("areas", len(areas)),
		)
	}
}

// saveSnapshot 同步成功后把索引写入缓存；尽力而为，失败只记日志
func (s *Service) saveSnapshot(ctx context.Context, kind string, index interface{}) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(index)
	if err != nil {
		s.logger.Warn("Failed to marshal registry snapshot", zap.String("kind", kind), zap.Error(err))
		return
	}
	key := s.cacheCfg.KeyPrefix + ":" + kind
	if err := s.cache.Set(ctx, key, payload, s.cacheCfg.TTL).Err(); err != nil {
		s.logger.Warn("Failed to save registry snapshot", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) loadSnapshot(ctx context.Context, kind string, out interface{}) {
	key := s.cacheCfg.KeyPrefix + ":" + kind
	payload, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("Failed to load registry snapshot", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.logger.Warn("Registry snapshot unparseable", zap.String("key", key), zap.Error(err))
	}
}

// Counts 返回当前索引大小（用于状态上报）
func (s *Service) Counts() (devices, entities, areas int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices), len(s.entities), len(s.areas)
}
