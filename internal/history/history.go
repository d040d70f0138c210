// Package history records numeric device state into InfluxDB. Writes are
// batched and non-blocking; a slow or absent server never stalls frame
// decoding.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/transform"
)

var (
	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("history: connection failed")
)

const defaultMeasurement = "device_state"

// Config selects the InfluxDB v2 bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Measurement defaults to "device_state".
	Measurement string
	BatchSize   uint
	// FlushInterval in seconds.
	FlushInterval uint
}

// pointWriter is the slice of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes every state_update patch as one point per device.
type Recorder struct {
	client      influxdb2.Client
	writeAPI    pointWriter
	measurement string
	logger      *slog.Logger
	unsub       func()
}

// Connect pings the server and sets up the batching write API.
func Connect(cfg Config, logger *slog.Logger) (*Recorder, error) {
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 100
	}
	flush := cfg.FlushInterval
	if flush == 0 {
		flush = 10
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(flush*1000))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, cfg.Measurement, logger)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("write failed", "err", err)
		}
	}()
	return r, nil
}

func newRecorder(w pointWriter, measurement string, logger *slog.Logger) *Recorder {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &Recorder{
		writeAPI:    w,
		measurement: measurement,
		logger:      logger.With("component", "history"),
	}
}

// Attach subscribes the recorder to state updates.
func (r *Recorder) Attach(events *coordinator.EventBus) {
	r.unsub = events.On(coordinator.EventStateUpdate, r.handleEvent)
	r.logger.Info("history recorder attached", "measurement", r.measurement)
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	if r.unsub != nil {
		r.unsub()
	}
	r.writeAPI.Flush()
	if r.client != nil {
		r.client.Close()
	}
}

func (r *Recorder) handleEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	name, _ := data["name"].(string)
	patch, _ := data["patch"].(map[string]any)
	p := r.point(ieee, name, patch, time.Now())
	if p == nil {
		return
	}
	r.writeAPI.WritePoint(p)
	r.logger.Debug("point queued", "ieee", ieee, "fields", fieldKeys(p))
}

// point keeps the numeric and boolean fields of patch. Strings, enums and
// raw payloads are not history material. Nil when nothing is left.
func (r *Recorder) point(ieee, name string, patch map[string]any, at time.Time) *write.Point {
	if ieee == "" {
		return nil
	}
	fields := make(map[string]interface{})
	for k, v := range patch {
		if b, ok := v.(bool); ok {
			fields[k] = b
			continue
		}
		if f, ok := transform.ToFloat64(v); ok {
			fields[k] = f
		}
	}
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{"ieee": ieee}
	if name != "" {
		tags["name"] = name
	}
	return write.NewPoint(r.measurement, tags, fields, at)
}

func fieldKeys(p *write.Point) []string {
	keys := make([]string, 0, len(p.FieldList()))
	for _, f := range p.FieldList() {
		keys = append(keys, f.Key)
	}
	sort.Strings(keys)
	return keys
}
