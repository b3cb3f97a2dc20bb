package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
	"github.com/wtthornton/ha-ingestor-sub006/internal/processor"
)

// boolStates 识别为布尔的状态/属性字符串（大小写不敏感）
var boolStates = map[string]bool{
	"on": true, "off": false,
	"true": true, "false": false,
	"yes": true, "no": false,
	"enabled": true, "disabled": false,
	"active": true, "inactive": false,
	"1": true, "0": false,
}

// boolAttributes 固定分类为布尔的属性名
// 同名属性必须在整个运行期保持同一类型，否则列式存储会拒绝后续写入
var boolAttributes = map[string]struct{}{
	"battery_low":     {},
	"motion":          {},
	"occupancy":       {},
	"contact":         {},
	"tamper":          {},
	"smoke":           {},
	"gas":             {},
	"vibration":       {},
	"moving":          {},
	"charging":        {},
	"locked":          {},
	"muted":           {},
	"is_volume_muted": {},
	"shuffle":         {},
	"assumed_state":   {},
	"auto_update":     {},
	"preheating":      {},
	"restored":        {},
}

// numericAttributes 固定分类为数值的属性名（统一为 float64）
var numericAttributes = map[string]struct{}{
	"battery_level":       {},
	"temperature":         {},
	"current_temperature": {},
	"humidity":            {},
	"pressure":            {},
	"brightness":          {},
	"illuminance":         {},
	"signal_strength":     {},
	"linkquality":         {},
	"rssi":                {},
	"voltage":             {},
	"current":             {},
	"power":               {},
	"energy":              {},
	"wind_speed":          {},
	"wind_bearing":        {},
	"speed":               {},
	"distance":            {},
	"position":            {},
	"current_position":    {},
	"volume_level":        {},
	"media_position":      {},
	"media_duration":      {},
	"color_temp":          {},
	"uptime":              {},
	"duration":            {},
}

// unitCanonical 温度/气压单位到固定词表的映射
var unitCanonical = map[string]string{
	"°C":   "celsius",
	"°F":   "fahrenheit",
	"K":    "kelvin",
	"hPa":  "hectopascal",
	"kPa":  "kilopascal",
	"Pa":   "pascal",
	"mbar": "millibar",
	"bar":  "bar",
	"inHg": "inches_mercury",
	"mmHg": "millimeters_mercury",
	"psi":  "psi",
}

// 接受的时间戳格式；无法解析时用处理时间兜底而不是丢事件
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Stats 归一化统计快照
type Stats struct {
	Normalized int64
	Errors     int64
}

// Normalizer 类型归一器：把每个值强制成存储模式期望的类型
// 无法安全转换的值丢弃而不是写错类型——单个畸形读数不应破坏整条管线
type Normalizer struct {
	logger *zap.Logger

	normalized atomic.Int64
	errors     atomic.Int64
}

// New 创建归一器
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize 归一化一条处理后的事件；终检失败返回 nil（丢弃并计数）
func (n *Normalizer) Normalize(p *models.ProcessedEvent) *models.NormalizedEvent {
	if p == nil {
		return nil
	}

	ev := &models.NormalizedEvent{
		EventType:       p.EventType,
		EntityID:        p.EntityID,
		Domain:          p.Domain,
		Timestamp:       n.normalizeTimestamp(p.TimeFired, p.ReceivedAt),
		HasState:        p.HasState,
		HasOld:          p.HasOld,
		DurationInState: p.DurationInState,
		EventID:         p.Context.ID,
		ParentID:        p.Context.ParentID,
		UserID:          p.Context.UserID,
		DeviceID:        p.DeviceID,
		AreaID:          p.AreaID,
		AreaName:        p.AreaName,
		Platform:        p.Platform,
		Manufacturer:    p.Manufacturer,
		Model:           p.Model,
		SwVersion:       p.SwVersion,
		Weather:         p.Weather,
	}

	if p.HasState {
		ev.State = CoerceState(p.State)
	}
	if p.HasOld {
		ev.OldState = CoerceState(p.OldState)
	}

	if len(p.RawAttributes) > 0 {
		ev.Attributes = make(map[string]models.AttributeValue, len(p.RawAttributes))
		for name, value := range p.RawAttributes {
			coerced, ok, reason := CoerceAttribute(name, value)
			if !ok {
				n.logger.Debug("Dropping attribute",
					zap.String("entity_id", p.EntityID),
					zap.String("attribute", name),
					zap.String("reason", reason),
				)
				continue
			}
			ev.Attributes[name] = coerced
		}
	}

	if ok, reason := n.finalValidate(ev, p); !ok {
		n.errors.Add(1)
		n.logger.Warn("Dropping event at final validation",
			zap.String("entity_id", p.EntityID),
			zap.String("reason", reason),
		)
		return nil
	}

	n.normalized.Add(1)
	return ev
}

// finalValidate 出口校验：事件类型、时间戳可重解析、状态值存在
func (n *Normalizer) finalValidate(ev *models.NormalizedEvent, p *models.ProcessedEvent) (bool, string) {
	if ev.EventType == "" {
		return false, "missing event type"
	}
	if _, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err != nil {
		return false, "timestamp does not reparse"
	}
	if ev.EventType == processor.EventStateChanged && ev.HasState && p.State == "" {
		return false, "new_state carries no state value"
	}
	return true, ""
}

// normalizeTimestamp 解析并统一为 UTC ISO-8601
// 不可解析的时间戳替换为处理时间而不是丢事件
func (n *Normalizer) normalizeTimestamp(value string, received time.Time) string {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	fallback := received
	if fallback.IsZero() {
		fallback = time.Now()
	}
	if value != "" {
		n.logger.Warn("Unparseable timestamp replaced with processing time",
			zap.String("value", value),
		)
	}
	return fallback.UTC().Format(time.RFC3339Nano)
}

// CoerceState 状态值类型推断：布尔词表 → bool，可解析数字 → number，其余保持字符串
func CoerceState(state string) models.AttributeValue {
	if b, ok := boolStates[strings.ToLower(strings.TrimSpace(state))]; ok {
		return models.BoolValue(b)
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(state), 64); err == nil {
		return models.NumberValue(f)
	}
	return models.StringValue(state)
}

// CanonicalUnit 把已知单位字符串规范化到固定词表，未知单位原样返回
func CanonicalUnit(unit string) string {
	if canonical, ok := unitCanonical[strings.TrimSpace(unit)]; ok {
		return canonical
	}
	return unit
}

// CoerceAttribute 表驱动的属性类型归一
// 布尔分类：接受原生布尔、真/假字符串、0/1数值，其余丢弃
// 数值分类：接受数值、数字字符串、布尔(0/1)，其余丢弃
// 表外属性：基本类型转字符串，空值丢弃；null 一律丢弃
// 幂等：已归一的 AttributeValue 再次归一得到相同结果
func CoerceAttribute(name string, value interface{}) (models.AttributeValue, bool, string) {
	if value == nil {
		return models.AttributeValue{}, false, "null value"
	}
	if av, ok := value.(models.AttributeValue); ok {
		value = av.Interface()
	}

	if _, ok := boolAttributes[name]; ok {
		return coerceBool(value)
	}
	if _, ok := numericAttributes[name]; ok {
		return coerceNumber(value)
	}

	if name == "unit_of_measurement" {
		if s, ok := value.(string); ok {
			value = CanonicalUnit(s)
		}
	}
	return coerceString(value)
}

func coerceBool(value interface{}) (models.AttributeValue, bool, string) {
	switch v := value.(type) {
	case bool:
		return models.BoolValue(v), true, ""
	case string:
		if b, ok := boolStates[strings.ToLower(strings.TrimSpace(v))]; ok {
			return models.BoolValue(b), true, ""
		}
		return models.AttributeValue{}, false, "unrecognized boolean string"
	case float64:
		if v == 0 || v == 1 {
			return models.BoolValue(v == 1), true, ""
		}
		return models.AttributeValue{}, false, "numeric value is not 0/1"
	case int:
		if v == 0 || v == 1 {
			return models.BoolValue(v == 1), true, ""
		}
		return models.AttributeValue{}, false, "numeric value is not 0/1"
	case json.Number:
		if f, err := v.Float64(); err == nil && (f == 0 || f == 1) {
			return models.BoolValue(f == 1), true, ""
		}
		return models.AttributeValue{}, false, "numeric value is not 0/1"
	default:
		return models.AttributeValue{}, false, "not coercible to boolean"
	}
}

func coerceNumber(value interface{}) (models.AttributeValue, bool, string) {
	switch v := value.(type) {
	case float64:
		return models.NumberValue(v), true, ""
	case int:
		return models.NumberValue(float64(v)), true, ""
	case int64:
		return models.NumberValue(float64(v)), true, ""
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return models.NumberValue(f), true, ""
		}
		return models.AttributeValue{}, false, "unparseable numeric"
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return models.NumberValue(f), true, ""
		}
		return models.AttributeValue{}, false, "unparseable numeric string"
	case bool:
		if v {
			return models.NumberValue(1), true, ""
		}
		return models.NumberValue(0), true, ""
	default:
		return models.AttributeValue{}, false, "not coercible to numeric"
	}
}

func coerceString(value interface{}) (models.AttributeValue, bool, string) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return models.AttributeValue{}, false, "empty string"
		}
		return models.StringValue(v), true, ""
	case bool:
		return models.StringValue(strconv.FormatBool(v)), true, ""
	case float64:
		return models.StringValue(strconv.FormatFloat(v, 'f', -1, 64)), true, ""
	case int:
		return models.StringValue(strconv.Itoa(v)), true, ""
	case int64:
		return models.StringValue(strconv.FormatInt(v, 10)), true, ""
	case json.Number:
		return models.StringValue(v.String()), true, ""
	default:
		// 复合值（列表/嵌套对象）序列化为JSON字符串保留
		payload, err := json.Marshal(v)
		if err != nil || len(payload) == 0 {
			return models.AttributeValue{}, false, "unserializable value"
		}
		return models.StringValue(string(payload)), true, ""
	}
}

// StatsSnapshot 返回归一化统计
func (n *Normalizer) StatsSnapshot() Stats {
	return Stats{
		Normalized: n.normalized.Load(),
		Errors:     n.errors.Load(),
	}
}
