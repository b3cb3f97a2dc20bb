package processor

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// EventStateChanged 主事件类型
const EventStateChanged = "state_changed"

// 超过该时长的状态持续时间视为可疑（保留入库，仅记日志）
const suspiciousDuration = 7 * 24 * time.Hour

// 实体ID格式：domain.object_id
var entityIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[A-Za-z0-9_]+$`)

// Topology 拓扑富化查询接口（由发现服务实现）
type Topology interface {
	LookupEntity(entityID string) (models.Entity, bool)
	LookupDevice(entityID string) (models.Device, bool)
	LookupDeviceMetadata(deviceID string) (models.Device, bool)
	LookupArea(entityID, deviceID string) (models.Area, bool)
}

// Stats 处理统计快照
type Stats struct {
	Processed        int64
	ValidationErrors int64
}

// Processor 事件处理器：结构校验、字段提取、时长计算、拓扑富化
type Processor struct {
	topology       Topology
	weatherEnabled bool
	logger         *zap.Logger

	processed        atomic.Int64
	validationErrors atomic.Int64

	// 天气域实体的最近状态，开启富化时附加到每条事件
	weatherMu   sync.RWMutex
	lastWeather *models.WeatherSnapshot
}

// New 创建事件处理器
func New(topology Topology, weatherEnabled bool, logger *zap.Logger) *Processor {
	return &Processor{
		topology:       topology,
		weatherEnabled: weatherEnabled,
		logger:         logger,
	}
}

// Process 校验并提取一条原始事件
// 校验失败返回 (nil, false)，只计数记日志；集线器会按自己的节奏重发正确状态
func (p *Processor) Process(raw *models.RawEvent) (*models.ProcessedEvent, bool) {
	ok, reason := p.Validate(raw)
	if !ok {
		p.validationErrors.Add(1)
		p.logger.Warn("Dropping invalid event",
			zap.String("event_type", raw.EventType),
			zap.String("reason", reason),
		)
		return nil, false
	}

	ev := p.Extract(raw)
	p.processed.Add(1)
	return ev, true
}

// Validate 按事件类型做结构校验
// state_changed：实体ID须匹配 domain.name；new_state 存在时必须带 state 字段
// （new_state 为 null 表示实体删除，合法）；old_state 存在时必须是记录而非标量
func (p *Processor) Validate(raw *models.RawEvent) (bool, string) {
	if raw.EventType == "" {
		return false, "missing event type"
	}
	if raw.EventType != EventStateChanged {
		return true, ""
	}

	var probe struct {
		EntityID string          `json:"entity_id"`
		OldState json.RawMessage `json:"old_state"`
		NewState json.RawMessage `json:"new_state"`
	}
	if err := json.Unmarshal(raw.Data, &probe); err != nil {
		return false, "unparseable event data"
	}
	if !entityIDPattern.MatchString(probe.EntityID) {
		return false, "entity_id does not match domain.name"
	}

	if !jsonIsNull(probe.NewState) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(probe.NewState, &fields); err != nil {
			return false, "new_state is not a record"
		}
		if _, ok := fields["state"]; !ok {
			return false, "new_state missing state field"
		}
	}

	if !jsonIsNull(probe.OldState) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(probe.OldState, &fields); err != nil {
			return false, "old_state is not a record"
		}
	}

	return true, ""
}

// Extract 提取类型化字段：实体/域、因果链、状态时长、拓扑富化
// 富化查不到（未知实体）不算失败，相关字段留空继续处理
func (p *Processor) Extract(raw *models.RawEvent) *models.ProcessedEvent {
	ev := &models.ProcessedEvent{
		EventType:  raw.EventType,
		TimeFired:  raw.TimeFired,
		Context:    raw.Context,
		ReceivedAt: raw.ReceivedAt,
	}

	if raw.EventType != EventStateChanged {
		return ev
	}

	var data models.StateChangedData
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		// Validate 已放行的数据不应走到这里
		p.logger.Warn("State change data unparseable after validation", zap.Error(err))
		return ev
	}

	ev.EntityID = data.EntityID
	ev.Domain = entityDomain(data.EntityID)

	if data.NewState != nil {
		ev.HasState = true
		ev.State = data.NewState.State
		ev.RawAttributes = data.NewState.Attributes
	}
	if data.OldState != nil {
		ev.HasOld = true
		ev.OldState = data.OldState.State
	}

	// 实体删除（new_state 缺失）跳过时长计算
	if data.NewState != nil && data.OldState != nil {
		ev.DurationInState = p.computeDuration(data.EntityID, data.OldState.LastChanged, data.NewState.LastChanged)
	}

	p.enrich(ev)

	if p.weatherEnabled {
		if ev.Domain == "weather" && data.NewState != nil {
			p.updateWeather(data.NewState)
		}
		ev.Weather = p.currentWeather()
	}

	return ev
}

// computeDuration 计算新旧状态 last_changed 的差值（秒）
// 负值（时钟偏移）钳到0并告警；超过7天保留但记为可疑——分析型存储偏向完整性
func (p *Processor) computeDuration(entityID, oldChanged, newChanged string) *float64 {
	oldTS, err := parseHubTime(oldChanged)
	if err != nil {
		return nil
	}
	newTS, err := parseHubTime(newChanged)
	if err != nil {
		return nil
	}

	seconds := newTS.Sub(oldTS).Seconds()
	if seconds < 0 {
		p.logger.Warn("Negative state duration clamped to zero",
			zap.String("entity_id", entityID),
			zap.Float64("seconds", seconds),
		)
		seconds = 0
	} else if seconds > suspiciousDuration.Seconds() {
		p.logger.Warn("Suspiciously long state duration",
			zap.String("entity_id", entityID),
			zap.Float64("seconds", seconds),
		)
	}
	return &seconds
}

// enrich 通过发现服务补充设备/区域/集成元数据
func (p *Processor) enrich(ev *models.ProcessedEvent) {
	if p.topology == nil || ev.EntityID == "" {
		return
	}

	if entity, ok := p.topology.LookupEntity(ev.EntityID); ok {
		ev.Platform = entity.Platform
	}
	if device, ok := p.topology.LookupDevice(ev.EntityID); ok {
		ev.DeviceID = device.ID
		if meta, ok := p.topology.LookupDeviceMetadata(device.ID); ok {
			ev.Manufacturer = meta.Manufacturer
			ev.Model = meta.Model
			ev.SwVersion = meta.SwVersion
		}
	}
	if area, ok := p.topology.LookupArea(ev.EntityID, ev.DeviceID); ok {
		ev.AreaID = area.ID
		ev.AreaName = area.Name
	}
}

// updateWeather 缓存天气实体的最新快照
func (p *Processor) updateWeather(state *models.StateRecord) {
	snap := &models.WeatherSnapshot{Condition: state.State}
	snap.Temperature = attrFloat(state.Attributes, "temperature")
	snap.Humidity = attrFloat(state.Attributes, "humidity")
	snap.Pressure = attrFloat(state.Attributes, "pressure")
	snap.WindSpeed = attrFloat(state.Attributes, "wind_speed")

	p.weatherMu.Lock()
	p.lastWeather = snap
	p.weatherMu.Unlock()
}

func (p *Processor) currentWeather() *models.WeatherSnapshot {
	p.weatherMu.RLock()
	defer p.weatherMu.RUnlock()
	return p.lastWeather
}

// StatsSnapshot 返回处理统计
func (p *Processor) StatsSnapshot() Stats {
	return Stats{
		Processed:        p.processed.Load(),
		ValidationErrors: p.validationErrors.Load(),
	}
}

func entityDomain(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return ""
}

// parseHubTime 解析集线器时间戳（带显式时区偏移的 ISO-8601）
func parseHubTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

func jsonIsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func attrFloat(attrs map[string]interface{}, key string) *float64 {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	}
	return nil
}
