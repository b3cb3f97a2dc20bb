package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// State 连接管理器状态机
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAllEndpointsFailed 一轮按优先级遍历后没有任何端点连接成功
	ErrAllEndpointsFailed = errors.New("all hub endpoints failed")
	// ErrAuthRejected 集线器拒绝了凭证（同一轮内不重试该端点）
	ErrAuthRejected = errors.New("hub rejected access token")
	// ErrNotConnected 当前没有活跃连接
	ErrNotConnected = errors.New("not connected to hub")
)

// EventHandler 事件回调；在接收协程中调用，不能阻塞
type EventHandler func(ev *models.RawEvent)

// ConnectHook 每次连接成功后的回调（用于重新同步注册表、重建订阅）
type ConnectHook func(ctx context.Context)

// Client 多端点 websocket 连接管理器
// 负责端点选择、认证握手、事件订阅、心跳和带退避的重连；
// 同一条连接上复用请求/响应（按消息 id 关联）
type Client struct {
	endpoints []models.Endpoint
	cooldown  time.Duration
	rest      *resty.Client
	logger    *zap.Logger

	handler   EventHandler
	onConnect ConnectHook

	state     atomic.Int32
	sessionID atomic.Value // string

	connMu  sync.Mutex
	conn    *websocket.Conn
	active  *models.Endpoint
	writeMu sync.Mutex

	msgID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *serverFrame

	statsMu sync.Mutex
	stats   map[string]*models.ConnectionStats
}

// NewClient 创建连接管理器；endpoints 按 Priority 升序尝试
func NewClient(endpoints []models.Endpoint, cooldown time.Duration, logger *zap.Logger) *Client {
	stats := make(map[string]*models.ConnectionStats, len(endpoints))
	for _, ep := range endpoints {
		stats[ep.Name] = &models.ConnectionStats{}
	}
	return &Client{
		endpoints: endpoints,
		cooldown:  cooldown,
		rest:      resty.New(),
		logger:    logger,
		pending:   make(map[int64]chan *serverFrame),
		stats:     stats,
	}
}

// OnEvent 注册事件回调
func (c *Client) OnEvent(h EventHandler) { c.handler = h }

// OnConnect 注册连接成功回调
func (c *Client) OnConnect(h ConnectHook) { c.onConnect = h }

// State 返回当前状态
func (c *Client) State() State { return State(c.state.Load()) }

// SessionID 返回当前连接会话ID（每次连接成功重新生成）
func (c *Client) SessionID() string {
	if v, ok := c.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Connect 按优先级尝试各端点，返回第一个完成认证和订阅的端点
// 连续失败次数达到 MaxRetries 的端点在本轮中跳过
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		if c.consecutiveFailures(ep) >= ep.MaxRetries {
			c.logger.Debug("Skipping exhausted endpoint",
				zap.String("endpoint", ep.Name),
				zap.Int("max_retries", ep.MaxRetries),
			)
			continue
		}

		start := time.Now()
		c.recordAttempt(ep)
		conn, err := c.connectEndpoint(ctx, ep)
		if err != nil {
			c.recordFailure(ep)
			c.logger.Warn("Endpoint connection failed",
				zap.String("endpoint", ep.Name),
				zap.String("url", ep.URL),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				c.setState(StateFailed)
				return ctx.Err()
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.active = ep
		c.connMu.Unlock()
		c.recordSuccess(ep)
		c.sessionID.Store(uuid.NewString())
		c.setState(StateConnected)
		c.logger.Info("Connected to hub",
			zap.String("endpoint", ep.Name),
			zap.String("url", ep.URL),
			zap.Duration("duration", time.Since(start)),
			zap.String("session_id", c.SessionID()),
		)
		return nil
	}
	c.setState(StateFailed)
	return ErrAllEndpointsFailed
}

// connectEndpoint 完成单个端点的探活、拨号、认证和事件订阅
func (c *Client) connectEndpoint(ctx context.Context, ep *models.Endpoint) (*websocket.Conn, error) {
	if err := c.preflight(ctx, ep); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: ep.Timeout}
	conn, _, err := dialer.DialContext(ctx, ep.WebsocketURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := c.authenticate(conn, ep); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.subscribeStateChanges(conn, ep); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	// 接收循环自己管理读超时
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// preflight 在付出 websocket 握手成本前用 REST 探活
// 5xx 或网络错误视为端点不可用；401/404 说明服务至少在线
func (c *Client) preflight(ctx context.Context, ep *models.Endpoint) error {
	probeCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	resp, err := c.rest.R().
		SetContext(probeCtx).
		SetHeader("Authorization", "Bearer "+ep.Token).
		Get(ep.APIURL())
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("endpoint unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

// authenticate 执行认证握手：auth_required → auth → auth_ok / auth_invalid
func (c *Client) authenticate(conn *websocket.Conn, ep *models.Endpoint) error {
	c.setState(StateAuthenticating)

	var greeting serverFrame
	if err := readFrame(conn, ep.Timeout, &greeting); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if greeting.Type == frameAuthOK {
		// 未开启认证的集线器直接放行
		return nil
	}
	if greeting.Type != frameAuthRequired {
		return fmt.Errorf("unexpected greeting frame %q", greeting.Type)
	}

	if err := conn.WriteJSON(authFrame{Type: cmdAuth, AccessToken: ep.Token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var reply serverFrame
	if err := readFrame(conn, ep.Timeout, &reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Type {
	case frameAuthOK:
		return nil
	case frameAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply.Message)
	default:
		return fmt.Errorf("unexpected auth reply frame %q", reply.Type)
	}
}

// subscribeStateChanges 订阅 state_changed 事件并等待确认
func (c *Client) subscribeStateChanges(conn *websocket.Conn, ep *models.Endpoint) error {
	id := c.msgID.Add(1)
	if err := conn.WriteJSON(subscribeFrame{ID: id, Type: cmdSubscribeEvents, EventType: "state_changed"}); err != nil {
		return err
	}

	deadline := time.Now().Add(ep.Timeout)
	for time.Now().Before(deadline) {
		var reply serverFrame
		if err := readFrame(conn, time.Until(deadline), &reply); err != nil {
			return err
		}
		if reply.Type != frameResult || reply.ID != id {
			continue
		}
		if reply.Success == nil || !*reply.Success {
			if reply.Error != nil {
				return fmt.Errorf("subscription rejected: %s", reply.Error.Message)
			}
			return fmt.Errorf("subscription rejected")
		}
		return nil
	}
	return fmt.Errorf("subscription confirmation timed out")
}

func readFrame(conn *websocket.Conn, timeout time.Duration, out *serverFrame) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return conn.ReadJSON(out)
}

// Run 持续运行：连接 → 收发循环 → 断线重连
// 一轮端点全部失败后等待冷却时间并清零失败计数再重试；仅在 ctx 取消时返回
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("All hub endpoints failed",
				zap.Duration("cooldown", c.cooldown),
				zap.Error(err),
			)
			c.resetFailureCounts()
			if !sleepCtx(ctx, c.cooldown) {
				return nil
			}
			continue
		}

		if c.onConnect != nil {
			go c.onConnect(ctx)
		}

		err := c.serve(ctx)
		ep := c.activeEndpoint()
		c.recordDisconnect(ep)
		c.closeConn()
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateReconnecting)
		delay := 5 * time.Second
		epName := ""
		if ep != nil {
			delay = ep.RetryDelay
			epName = ep.Name
		}
		c.logger.Warn("Connection lost, reconnecting",
			zap.String("endpoint", epName),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// serve 连接存活期间的收发循环：接收协程 + 心跳协程互不阻塞
func (c *Client) serve(ctx context.Context) error {
	conn := c.currentConn()
	ep := c.activeEndpoint()
	if conn == nil || ep == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx, conn, ep, stop)
	}()
	// 收尾顺序：先唤醒心跳协程和挂起的请求，再等它们退出
	defer func() {
		close(stop)
		c.failPending()
		wg.Wait()
	}()

	// 读超时覆盖两个心跳周期，心跳正常时不会触发
	readTimeout := 2*ep.HeartbeatInterval + ep.Timeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.route(data)
	}
}

// heartbeatLoop 周期性 ping；超时或发送失败时关闭连接触发重连
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, ep *models.Endpoint, stop <-chan struct{}) {
	ticker := time.NewTicker(ep.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
			_, err := c.Request(hbCtx, map[string]interface{}{"type": cmdPing})
			cancel()
			if err != nil {
				c.logger.Warn("Heartbeat failed, closing connection",
					zap.String("endpoint", ep.Name),
					zap.Error(err),
				)
				conn.Close()
				return
			}
		}
	}
}

// route 分发一条下行帧：事件交给回调，result/pong 交给等待的请求方
func (c *Client) route(data []byte) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("Discarding unparseable frame", zap.Error(err))
		return
	}

	switch f.Type {
	case frameEvent:
		var ev eventFrame
		if err := json.Unmarshal(f.Event, &ev); err != nil {
			c.logger.Warn("Discarding malformed event frame", zap.Error(err))
			return
		}
		if c.handler != nil {
			c.handler(&models.RawEvent{
				EventType:  ev.EventType,
				TimeFired:  ev.TimeFired,
				Context:    ev.Context,
				Data:       ev.Data,
				ReceivedAt: time.Now(),
			})
		}
	case frameResult, framePong:
		c.deliver(f.ID, &f)
	}
}

// Request 在当前连接上发送带 id 的命令并等待对应响应
// 只阻塞调用方，不阻塞接收循环；超时由调用方的 ctx 控制
func (c *Client) Request(ctx context.Context, command map[string]interface{}) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.msgID.Add(1)
	payload := make(map[string]interface{}, len(command)+1)
	for k, v := range command {
		payload[k] = v
	}
	payload["id"] = id

	ch := make(chan *serverFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(conn, payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if f.Success != nil && !*f.Success {
			if f.Error != nil {
				return nil, fmt.Errorf("hub error %s: %s", f.Error.Code, f.Error.Message)
			}
			return nil, fmt.Errorf("hub request failed")
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) deliver(id int64, f *serverFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

// failPending 断线时唤醒所有等待中的请求
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// websocket 连接不支持并发写，统一串行化
func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) activeEndpoint() *models.Endpoint {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.active
}

// ActiveEndpoint 返回当前连接端点的名称（未连接时为空）
func (c *Client) ActiveEndpoint() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || c.active == nil {
		return ""
	}
	return c.active.Name
}

// Close 主动关闭当前连接
func (c *Client) Close() error {
	c.closeConn()
	c.setState(StateDisconnected)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) recordAttempt(ep *models.Endpoint) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats[ep.Name]
	s.Attempts++
	s.LastAttempt = time.Now()
}

func (c *Client) recordSuccess(ep *models.Endpoint) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats[ep.Name]
	s.Successes++
	s.ConsecutiveFailures = 0
	s.LastSuccess = time.Now()
	s.ConnectedSince = time.Now()
}

func (c *Client) recordFailure(ep *models.Endpoint) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats[ep.Name]
	s.Failures++
	s.ConsecutiveFailures++
}

func (c *Client) recordDisconnect(ep *models.Endpoint) {
	if ep == nil {
		return
	}
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats[ep.Name]
	if !s.ConnectedSince.IsZero() {
		s.TotalUptime += time.Since(s.ConnectedSince)
		s.ConnectedSince = time.Time{}
	}
}

func (c *Client) consecutiveFailures(ep *models.Endpoint) int {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats[ep.Name].ConsecutiveFailures
}

func (c *Client) resetFailureCounts() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, s := range c.stats {
		s.ConsecutiveFailures = 0
	}
}

// StatsSnapshot 返回各端点连接统计的只读副本
func (c *Client) StatsSnapshot() map[string]models.ConnectionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]models.ConnectionStats, len(c.stats))
	for name, s := range c.stats {
		out[name] = *s
	}
	return out
}

// sleepCtx 可取消的等待；被取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
