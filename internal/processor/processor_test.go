package processor_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
	"github.com/wtthornton/ha-ingestor-sub006/internal/processor"
)

// fakeTopology 固定映射的拓扑查询
type fakeTopology struct {
	entities map[string]models.Entity
	devices  map[string]models.Device
	areas    map[string]models.Area
}

func (f *fakeTopology) LookupEntity(entityID string) (models.Entity, bool) {
	e, ok := f.entities[entityID]
	return e, ok
}

func (f *fakeTopology) LookupDevice(entityID string) (models.Device, bool) {
	e, ok := f.entities[entityID]
	if !ok || e.DeviceID == "" {
		return models.Device{}, false
	}
	d, ok := f.devices[e.DeviceID]
	return d, ok
}

func (f *fakeTopology) LookupDeviceMetadata(deviceID string) (models.Device, bool) {
	d, ok := f.devices[deviceID]
	return d, ok
}

func (f *fakeTopology) LookupArea(entityID, deviceID string) (models.Area, bool) {
	if d, ok := f.devices[deviceID]; ok && d.AreaID != "" {
		a, ok := f.areas[d.AreaID]
		return a, ok
	}
	return models.Area{}, false
}

func newTopology() *fakeTopology {
	return &fakeTopology{
		entities: map[string]models.Entity{
			"light.living_room": {EntityID: "light.living_room", DeviceID: "dev-1", Platform: "hue"},
		},
		devices: map[string]models.Device{
			"dev-1": {ID: "dev-1", Name: "Hue Lamp", Manufacturer: "Signify", Model: "LCT015", SwVersion: "1.93.11", AreaID: "area-1"},
		},
		areas: map[string]models.Area{
			"area-1": {ID: "area-1", Name: "Living Room"},
		},
	}
}

func stateChangeEvent(t *testing.T, entityID string, oldState, newState interface{}) *models.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"entity_id": entityID,
		"old_state": oldState,
		"new_state": newState,
	})
	require.NoError(t, err)
	return &models.RawEvent{
		EventType:  processor.EventStateChanged,
		TimeFired:  "2026-08-30T10:00:00+00:00",
		Context:    models.Context{ID: "evt-1", ParentID: "evt-0", UserID: "user-1"},
		Data:       data,
		ReceivedAt: time.Now(),
	}
}

func stateRecord(entityID, state, lastChanged string) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":    entityID,
		"state":        state,
		"attributes":   map[string]interface{}{"brightness": 128},
		"last_changed": lastChanged,
		"last_updated": lastChanged,
	}
}

func TestValidate(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	cases := []struct {
		name   string
		raw    *models.RawEvent
		wantOK bool
	}{
		{
			name:   "valid state change",
			raw:    stateChangeEvent(t, "light.living_room", stateRecord("light.living_room", "off", "2026-08-30T09:58:30+00:00"), stateRecord("light.living_room", "on", "2026-08-30T10:00:00+00:00")),
			wantOK: true,
		},
		{
			name:   "entity deletion (null new_state)",
			raw:    stateChangeEvent(t, "light.living_room", stateRecord("light.living_room", "on", "2026-08-30T09:58:30+00:00"), nil),
			wantOK: true,
		},
		{
			name:   "malformed entity id",
			raw:    stateChangeEvent(t, "not-an-entity-id", nil, stateRecord("x.y", "on", "2026-08-30T10:00:00+00:00")),
			wantOK: false,
		},
		{
			name: "new_state missing state field",
			raw: stateChangeEvent(t, "light.living_room", nil, map[string]interface{}{
				"entity_id": "light.living_room",
			}),
			wantOK: false,
		},
		{
			name:   "scalar old_state",
			raw:    stateChangeEvent(t, "light.living_room", "on", stateRecord("light.living_room", "off", "2026-08-30T10:00:00+00:00")),
			wantOK: false,
		},
		{
			name:   "missing event type",
			raw:    &models.RawEvent{Data: json.RawMessage(`{}`)},
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := p.Validate(tc.raw)
			require.Equal(t, tc.wantOK, ok, "reason: %s", reason)
		})
	}
}

func TestProcess_ExtractsAndEnriches(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	raw := stateChangeEvent(t, "light.living_room",
		stateRecord("light.living_room", "off", "2026-08-30T09:58:30+00:00"),
		stateRecord("light.living_room", "on", "2026-08-30T10:00:00+00:00"),
	)
	ev, ok := p.Process(raw)
	require.True(t, ok)

	require.Equal(t, "light.living_room", ev.EntityID)
	require.Equal(t, "light", ev.Domain)
	require.Equal(t, "on", ev.State)
	require.Equal(t, "off", ev.OldState)
	require.Equal(t, "evt-1", ev.Context.ID)
	require.Equal(t, "evt-0", ev.Context.ParentID)

	// 拓扑富化
	require.Equal(t, "dev-1", ev.DeviceID)
	require.Equal(t, "area-1", ev.AreaID)
	require.Equal(t, "Living Room", ev.AreaName)
	require.Equal(t, "hue", ev.Platform)
	require.Equal(t, "Signify", ev.Manufacturer)
	require.Equal(t, "LCT015", ev.Model)

	// 时长：90秒
	require.NotNil(t, ev.DurationInState)
	require.Equal(t, 90.0, *ev.DurationInState)
}

func TestProcess_UnknownEntityIsNotAFailure(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	raw := stateChangeEvent(t, "sensor.unregistered",
		nil,
		stateRecord("sensor.unregistered", "42", "2026-08-30T10:00:00+00:00"),
	)
	ev, ok := p.Process(raw)
	require.True(t, ok)
	require.Empty(t, ev.DeviceID)
	require.Empty(t, ev.AreaID)
	require.Empty(t, ev.Manufacturer)
	require.Equal(t, int64(0), p.StatsSnapshot().ValidationErrors)
}

func TestProcess_NegativeDurationClamped(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	// 新状态的 last_changed 反而更早（时钟偏移）：钳到0，不输出负值
	raw := stateChangeEvent(t, "light.living_room",
		stateRecord("light.living_room", "off", "2026-08-30T10:01:30+00:00"),
		stateRecord("light.living_room", "on", "2026-08-30T10:00:00+00:00"),
	)
	ev, ok := p.Process(raw)
	require.True(t, ok)
	require.NotNil(t, ev.DurationInState)
	require.Equal(t, 0.0, *ev.DurationInState)
}

func TestProcess_EntityDeletionSkipsDuration(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	raw := stateChangeEvent(t, "light.living_room",
		stateRecord("light.living_room", "on", "2026-08-30T09:58:30+00:00"),
		nil,
	)
	ev, ok := p.Process(raw)
	require.True(t, ok)
	require.False(t, ev.HasState)
	require.True(t, ev.HasOld)
	require.Nil(t, ev.DurationInState)
}

func TestProcess_ValidationFailureCounted(t *testing.T) {
	p := processor.New(newTopology(), false, zap.NewNop())

	_, ok := p.Process(stateChangeEvent(t, "garbage", nil, nil))
	require.False(t, ok)
	require.Equal(t, int64(1), p.StatsSnapshot().ValidationErrors)
	require.Equal(t, int64(0), p.StatsSnapshot().Processed)
}

func TestProcess_WeatherEnrichment(t *testing.T) {
	p := processor.New(newTopology(), true, zap.NewNop())

	weather := map[string]interface{}{
		"entity_id": "weather.home",
		"state":     "cloudy",
		"attributes": map[string]interface{}{
			"temperature": 18.5,
			"humidity":    71.0,
			"pressure":    1013.2,
			"wind_speed":  12.3,
		},
		"last_changed": "2026-08-30T09:00:00+00:00",
		"last_updated": "2026-08-30T09:00:00+00:00",
	}
	_, ok := p.Process(stateChangeEvent(t, "weather.home", nil, weather))
	require.True(t, ok)

	// 后续事件附带最近的天气快照
	ev, ok := p.Process(stateChangeEvent(t, "light.living_room", nil,
		stateRecord("light.living_room", "on", "2026-08-30T10:00:00+00:00")))
	require.True(t, ok)
	require.NotNil(t, ev.Weather)
	require.Equal(t, "cloudy", ev.Weather.Condition)
	require.NotNil(t, ev.Weather.Temperature)
	require.Equal(t, 18.5, *ev.Weather.Temperature)
}
