package models

import (
	"strings"
	"time"
)

// Endpoint 集线器候选连接目标（按 Priority 升序尝试）
// 加载后不可变；每个端点携带独立的超时/心跳/重试策略，
// 例如云中继端点可以容忍比本地端点更长的超时
type Endpoint struct {
	Name              string
	URL               string // 基础地址，如 http://homeassistant.local:8123
	Token             string
	Priority          int
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
}

// WebsocketURL 返回事件流 websocket 地址
func (e *Endpoint) WebsocketURL() string {
	base := strings.TrimSuffix(e.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/websocket"
}

// APIURL 返回 REST 探活地址
func (e *Endpoint) APIURL() string {
	return strings.TrimSuffix(e.URL, "/") + "/api/"
}

// ConnectionStats 每个端点的连接统计
// 仅由连接管理器写入，健康上报方只读快照
type ConnectionStats struct {
	Attempts            int64
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	LastAttempt         time.Time
	LastSuccess         time.Time
	ConnectedSince      time.Time // 零值表示当前未连接
	TotalUptime         time.Duration
}

// CurrentUptime 返回当前会话的在线时长
func (s *ConnectionStats) CurrentUptime(now time.Time) time.Duration {
	if s.ConnectedSince.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedSince)
}
