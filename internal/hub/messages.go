package hub

import (
	"encoding/json"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// 集线器 websocket 协议帧类型
const (
	frameAuthRequired = "auth_required"
	frameAuthOK       = "auth_ok"
	frameAuthInvalid  = "auth_invalid"
	frameResult       = "result"
	frameEvent        = "event"
	framePong         = "pong"
)

// 客户端命令类型
const (
	cmdAuth            = "auth"
	cmdSubscribeEvents = "subscribe_events"
	cmdPing            = "ping"
)

// serverFrame 服务端下行帧（按 type 区分，不同类型只填充部分字段）
type serverFrame struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Message string          `json:"message,omitempty"` // auth_invalid 的拒绝原因
}

// frameError result 帧携带的错误信息
type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authFrame 认证命令（握手阶段，不带 id）
type authFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// subscribeFrame 事件订阅命令
type subscribeFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// eventFrame event 帧中的事件体
type eventFrame struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired string          `json:"time_fired"`
	Context   models.Context  `json:"context"`
}
