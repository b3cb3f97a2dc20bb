package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/hub"
	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// fakeHubServer 模拟集线器：REST探活 + websocket 认证/订阅/注册表查询
type fakeHubServer struct {
	srv   *httptest.Server
	token string

	// 订阅确认后立即下发的事件帧（模拟事件流）
	eventAfterSubscribe json.RawMessage
	// 订阅确认后立即断开（模拟不稳定的连接）
	dropAfterSubscribe bool

	mu     sync.Mutex
	connAt []time.Time
}

func newFakeHubServer(t *testing.T, token string) *fakeHubServer {
	t.Helper()
	f := &fakeHubServer{token: token}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/websocket", f.handleWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHubServer) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.connAt = append(f.connAt, time.Now())
	f.mu.Unlock()

	conn.WriteJSON(map[string]interface{}{"type": "auth_required"})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != f.token {
		conn.WriteJSON(map[string]interface{}{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	conn.WriteJSON(map[string]interface{}{"type": "auth_ok", "ha_version": "2026.8.0"})

	for {
		var cmd map[string]interface{}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		id, _ := cmd["id"].(float64)
		switch cmd["type"] {
		case "subscribe_events":
			conn.WriteJSON(map[string]interface{}{"id": int64(id), "type": "result", "success": true})
			if cmd["event_type"] == "state_changed" && f.eventAfterSubscribe != nil {
				conn.WriteJSON(map[string]interface{}{
					"id":    int64(id),
					"type":  "event",
					"event": f.eventAfterSubscribe,
				})
			}
			if f.dropAfterSubscribe {
				return
			}
		case "ping":
			conn.WriteJSON(map[string]interface{}{"id": int64(id), "type": "pong"})
		case "config/device_registry/list":
			conn.WriteJSON(map[string]interface{}{
				"id":      int64(id),
				"type":    "result",
				"success": true,
				"result":  []map[string]interface{}{{"id": "dev-1", "name": "Hue Lamp"}},
			})
		default:
			conn.WriteJSON(map[string]interface{}{"id": int64(id), "type": "result", "success": false})
		}
	}
}

func (f *fakeHubServer) connectionTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.connAt...)
}

func testEndpoint(name, url string, priority int) models.Endpoint {
	return models.Endpoint{
		Name:              name,
		URL:               url,
		Token:             "secret",
		Priority:          priority,
		Timeout:           2 * time.Second,
		HeartbeatInterval: time.Minute,
		MaxRetries:        3,
		RetryDelay:        10 * time.Millisecond,
	}
}

func TestConnect_FallbackOrdering(t *testing.T) {
	server := newFakeHubServer(t, "secret")

	// A（优先级1）始终失败，B（优先级2）可用：必须先试A再连上B
	endpoints := []models.Endpoint{
		testEndpoint("primary", "http://127.0.0.1:1", 1),
		testEndpoint("secondary", server.srv.URL, 2),
	}
	c := hub.NewClient(endpoints, time.Second, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, hub.StateConnected, c.State())
	require.Equal(t, "secondary", c.ActiveEndpoint())
	require.NotEmpty(t, c.SessionID())

	stats := c.StatsSnapshot()
	require.Equal(t, int64(1), stats["primary"].Attempts)
	require.Equal(t, int64(1), stats["primary"].Failures)
	require.Equal(t, int64(1), stats["secondary"].Successes)
	require.Equal(t, 0, stats["secondary"].ConsecutiveFailures)
}

func TestConnect_SkipsExhaustedEndpoint(t *testing.T) {
	ep := testEndpoint("primary", "http://127.0.0.1:1", 1)
	ep.MaxRetries = 2
	c := hub.NewClient([]models.Endpoint{ep}, time.Second, zap.NewNop())

	// 前两次真正尝试，第三次直接跳过
	for i := 0; i < 3; i++ {
		err := c.Connect(context.Background())
		require.ErrorIs(t, err, hub.ErrAllEndpointsFailed)
	}

	stats := c.StatsSnapshot()
	require.Equal(t, int64(2), stats["primary"].Attempts)
	require.Equal(t, int64(2), stats["primary"].Failures)
	require.Equal(t, hub.StateFailed, c.State())
}

func TestConnect_AuthRejected(t *testing.T) {
	server := newFakeHubServer(t, "other-token")

	ep := testEndpoint("primary", server.srv.URL, 1)
	c := hub.NewClient([]models.Endpoint{ep}, time.Second, zap.NewNop())

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, hub.ErrAllEndpointsFailed)

	stats := c.StatsSnapshot()
	require.Equal(t, int64(1), stats["primary"].Failures)
}

func TestRun_ReceivesEvents(t *testing.T) {
	server := newFakeHubServer(t, "secret")
	server.eventAfterSubscribe = json.RawMessage(`{
		"event_type": "state_changed",
		"data": {"entity_id": "light.living_room", "new_state": {"entity_id": "light.living_room", "state": "on"}},
		"origin": "LOCAL",
		"time_fired": "2026-08-30T10:00:00.000000+00:00",
		"context": {"id": "evt-1", "parent_id": "evt-0"}
	}`)

	c := hub.NewClient([]models.Endpoint{testEndpoint("primary", server.srv.URL, 1)}, time.Second, zap.NewNop())
	received := make(chan *models.RawEvent, 1)
	c.OnEvent(func(ev *models.RawEvent) { received <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-received:
		require.Equal(t, "state_changed", ev.EventType)
		require.Equal(t, "evt-1", ev.Context.ID)
		require.Equal(t, "evt-0", ev.Context.ParentID)
		require.False(t, ev.ReceivedAt.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
}

func TestRun_ReconnectDelayNotStretchedByHeartbeat(t *testing.T) {
	server := newFakeHubServer(t, "secret")
	server.dropAfterSubscribe = true

	ep := testEndpoint("primary", server.srv.URL, 1)
	ep.RetryDelay = 10 * time.Millisecond
	ep.HeartbeatInterval = 3 * time.Second
	ep.Timeout = time.Second

	c := hub.NewClient([]models.Endpoint{ep}, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// 服务端每次订阅确认后立即断开；重连间隔应接近 RetryDelay，
	// 不应等到下一个心跳周期才发现连接已死
	require.Eventually(t, func() bool {
		return len(server.connectionTimes()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	times := server.connectionTimes()
	gap := times[1].Sub(times[0])
	require.Less(t, gap, ep.HeartbeatInterval)
}

func TestRequest_Correlation(t *testing.T) {
	server := newFakeHubServer(t, "secret")

	c := hub.NewClient([]models.Endpoint{testEndpoint("primary", server.srv.URL, 1)}, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.State() == hub.StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	// 同一连接上请求/响应按 id 关联，不阻塞接收循环
	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	result, err := c.Request(reqCtx, map[string]interface{}{"type": "config/device_registry/list"})
	require.NoError(t, err)

	var devices []models.Device
	require.NoError(t, json.Unmarshal(result, &devices))
	require.Len(t, devices, 1)
	require.Equal(t, "dev-1", devices[0].ID)
}

func TestRequest_TimeoutWithoutConnection(t *testing.T) {
	c := hub.NewClient([]models.Endpoint{testEndpoint("primary", "http://127.0.0.1:1", 1)}, time.Second, zap.NewNop())

	_, err := c.Request(context.Background(), map[string]interface{}{"type": "ping"})
	require.ErrorIs(t, err, hub.ErrNotConnected)
}
