package storage

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/config"
	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
	"github.com/wtthornton/ha-ingestor-sub006/internal/processor"
)

// PointWriter 点写入接口（api.WriteAPIBlocking 的子集，便于测试替换）
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Stats 写入统计快照
type Stats struct {
	PointsWritten int64
	WriteErrors   int64
	TypeConflicts int64
	SuccessRate   float64
	LastWrite     time.Time
}

// Writer 时序存储写入器
// 类型冲突的写入失败按"安全丢弃"处理：冲突的写重试多少次都不会成功，
// 重试只会卡死管线；其他错误同样丢点不阻塞，但分开计数便于区分
// "模式漂移" 和 "存储不可用"
type Writer struct {
	client      influxdb2.Client
	writeAPI    PointWriter
	measurement string
	logger      *zap.Logger

	pointsWritten atomic.Int64
	writeErrors   atomic.Int64
	typeConflicts atomic.Int64
	lastWrite     atomic.Value // time.Time
}

// NewWriter 创建写入器并建立存储客户端
// 批大小由调用方攒批控制（阻塞式写入接口不做客户端侧缓冲）
func NewWriter(cfg config.InfluxConfig, logger *zap.Logger) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

// Write 写入单条归一化事件；丢弃（任何原因）返回 false
func (w *Writer) Write(ctx context.Context, ev *models.NormalizedEvent) bool {
	point := w.BuildPoint(ev)
	err := w.writeAPI.WritePoint(ctx, point)
	if err == nil {
		w.recordWritten(1)
		return true
	}
	w.recordError(ev.EntityID, err)
	return false
}

// WriteBatch 批量写入，返回成功写入的点数
// 批次整体失败后退化为逐点写入一次，让单个冲突点只拖累自己
func (w *Writer) WriteBatch(ctx context.Context, events []*models.NormalizedEvent) int {
	if len(events) == 0 {
		return 0
	}

	points := make([]*write.Point, len(events))
	for i, ev := range events {
		points[i] = w.BuildPoint(ev)
	}

	if err := w.writeAPI.WritePoint(ctx, points...); err == nil {
		w.recordWritten(int64(len(points)))
		return len(points)
	}

	written := 0
	for i, point := range points {
		if err := w.writeAPI.WritePoint(ctx, point); err != nil {
			w.recordError(events[i].EntityID, err)
			continue
		}
		w.recordWritten(1)
		written++
	}
	return written
}

// BuildPoint 把归一化事件映射为时序点
// 标签只放低基数字符串；状态值固定以字符串入库保证跨类型稳定，
// 属性保持归一化后的类型
func (w *Writer) BuildPoint(ev *models.NormalizedEvent) *write.Point {
	ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	tags := map[string]string{
		"event_type":  ev.EventType,
		"time_bucket": timeOfDayBucket(ts),
	}
	setTag(tags, "domain", ev.Domain)
	setTag(tags, "device_id", ev.DeviceID)
	setTag(tags, "area_id", ev.AreaID)
	setTag(tags, "integration", ev.Platform)
	if ev.EventType == processor.EventStateChanged {
		setTag(tags, "entity_id", ev.EntityID)
		if ev.Weather != nil {
			setTag(tags, "weather_condition", ev.Weather.Condition)
		}
	}

	fields := make(map[string]interface{})
	if ev.HasState {
		fields["state"] = ev.State.StringForm()
	}
	if ev.HasOld {
		fields["old_state"] = ev.OldState.StringForm()
	}
	for name, value := range ev.Attributes {
		fields["attr_"+name] = value.Interface()
	}
	setField(fields, "context_id", ev.EventID)
	setField(fields, "context_parent_id", ev.ParentID)
	setField(fields, "context_user_id", ev.UserID)
	if ev.DurationInState != nil {
		fields["duration_in_state"] = *ev.DurationInState
	}
	setField(fields, "manufacturer", ev.Manufacturer)
	setField(fields, "model", ev.Model)
	setField(fields, "sw_version", ev.SwVersion)
	setField(fields, "area_name", ev.AreaName)
	if ev.Weather != nil {
		if ev.Weather.Temperature != nil {
			fields["weather_temperature"] = *ev.Weather.Temperature
		}
		if ev.Weather.Humidity != nil {
			fields["weather_humidity"] = *ev.Weather.Humidity
		}
		if ev.Weather.Pressure != nil {
			fields["weather_pressure"] = *ev.Weather.Pressure
		}
		if ev.Weather.WindSpeed != nil {
			fields["weather_wind_speed"] = *ev.Weather.WindSpeed
		}
	}

	return write.NewPoint(w.measurement, tags, fields, ts)
}

func (w *Writer) recordWritten(count int64) {
	w.pointsWritten.Add(count)
	w.lastWrite.Store(time.Now())
}

// recordError 分类记录写入失败并丢点
func (w *Writer) recordError(entityID string, err error) {
	if isTypeConflict(err) {
		w.typeConflicts.Add(1)
		w.logger.Warn("Dropping point on field type conflict",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return
	}
	w.writeErrors.Add(1)
	w.logger.Error("Dropping point on write error",
		zap.String("entity_id", entityID),
		zap.Error(err),
	)
}

// isTypeConflict 判断存储是否因字段类型与既有类型不符而拒绝写入
func isTypeConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "field type conflict")
}

// timeOfDayBucket 按本地小时划分时段标签
func timeOfDayBucket(ts time.Time) string {
	switch hour := ts.In(time.Local).Hour(); {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

func setTag(tags map[string]string, key, value string) {
	if value != "" {
		tags[key] = value
	}
}

func setField(fields map[string]interface{}, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

// StatsSnapshot 返回写入统计
func (w *Writer) StatsSnapshot() Stats {
	written := w.pointsWritten.Load()
	conflicts := w.typeConflicts.Load()
	errors := w.writeErrors.Load()
	total := written + conflicts + errors

	stats := Stats{
		PointsWritten: written,
		WriteErrors:   errors,
		TypeConflicts: conflicts,
	}
	if total > 0 {
		stats.SuccessRate = float64(written) / float64(total)
	}
	if last, ok := w.lastWrite.Load().(time.Time); ok {
		stats.LastWrite = last
	}
	return stats
}

// Close 释放存储客户端
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}
