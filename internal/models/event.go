package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Context 事件因果链（事件ID / 父事件ID / 触发用户ID）
// parent_id 用于还原 "自动化X触发了自动化Y" 的调用链
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// StateRecord 集线器实体状态记录（state_changed 事件中的 old_state/new_state）
type StateRecord struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged string                 `json:"last_changed"` // "2023-12-27T15:28:26.287133+00:00"
	LastUpdated string                 `json:"last_updated"`
	Context     Context                `json:"context"`
}

// StateChangedData state_changed 事件的负载
// new_state 为 null 表示实体被删除
type StateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *StateRecord `json:"old_state"`
	NewState *StateRecord `json:"new_state"`
}

// RawEvent 从集线器收到的原始事件（处理完即丢弃）
type RawEvent struct {
	EventType  string
	TimeFired  string
	Context    Context
	Data       json.RawMessage
	ReceivedAt time.Time
}

// ProcessedEvent 事件处理器的输出：结构校验通过、完成拓扑富化，
// 属性值尚未做类型归一（由 Normalizer 处理）
type ProcessedEvent struct {
	EventType string
	EntityID  string
	Domain    string
	TimeFired string
	Context   Context

	// 原始状态值（new_state 缺失时 HasState=false，表示实体删除）
	HasState bool
	State    string
	OldState string
	HasOld   bool

	// new_state 携带的属性（未归一化）
	RawAttributes map[string]interface{}

	// 状态持续时长（秒），仅当新旧状态的 last_changed 都可解析时存在
	DurationInState *float64

	// 拓扑富化结果（未知实体时为空，不视为错误）
	DeviceID     string
	AreaID       string
	AreaName     string
	Platform     string
	Manufacturer string
	Model        string
	SwVersion    string

	Weather *WeatherSnapshot

	ReceivedAt time.Time
}

// AttributeType 归一化属性值的类型标记
type AttributeType int

const (
	AttributeBool AttributeType = iota
	AttributeNumber
	AttributeString
)

// AttributeValue 归一化后的属性值（bool / number / string 三选一）
// 同名属性在整个运行期内保持同一类型，否则下游列式存储会产生类型冲突
type AttributeValue struct {
	Type   AttributeType
	Bool   bool
	Number float64
	Str    string
}

// BoolValue 构造布尔属性值
func BoolValue(b bool) AttributeValue { return AttributeValue{Type: AttributeBool, Bool: b} }

// NumberValue 构造数值属性值
func NumberValue(f float64) AttributeValue { return AttributeValue{Type: AttributeNumber, Number: f} }

// StringValue 构造字符串属性值
func StringValue(s string) AttributeValue { return AttributeValue{Type: AttributeString, Str: s} }

// Interface 返回底层值（用于构造存储字段）
func (v AttributeValue) Interface() interface{} {
	switch v.Type {
	case AttributeBool:
		return v.Bool
	case AttributeNumber:
		return v.Number
	default:
		return v.Str
	}
}

// StringForm 返回字符串形式（state/old_state 字段固定存字符串）
func (v AttributeValue) StringForm() string {
	switch v.Type {
	case AttributeBool:
		return strconv.FormatBool(v.Bool)
	case AttributeNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return v.Str
	}
}

// WeatherSnapshot 最近一次天气实体状态的快照（可选富化）
type WeatherSnapshot struct {
	Condition   string
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	WindSpeed   *float64
}

// NormalizedEvent 管线终态记录：全部值已按存储模式做类型归一
type NormalizedEvent struct {
	EventType string
	EntityID  string
	Domain    string
	Timestamp string // ISO-8601，UTC

	HasState bool
	State    AttributeValue
	OldState AttributeValue
	HasOld   bool

	DurationInState *float64

	EventID  string
	ParentID string
	UserID   string

	DeviceID     string
	AreaID       string
	AreaName     string
	Platform     string
	Manufacturer string
	Model        string
	SwVersion    string

	Weather *WeatherSnapshot

	Attributes map[string]AttributeValue
}
