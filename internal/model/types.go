package model

import (
	"bytes"
	"maps"
	"sort"
	"time"
)

type EventKind string

const (
	KindUplink        EventKind = "uplink"
	KindJoin          EventKind = "join"
	KindAck           EventKind = "ack"
	KindLog           EventKind = "log"
	KindSensorReading EventKind = "sensor_reading"
	KindUnknown       EventKind = "unknown"
)

// NetworkKinds are the kinds delivered by the network-server webhook.
var NetworkKinds = []EventKind{KindUplink, KindJoin, KindAck, KindLog, KindUnknown}

func ParseKind(s string) (EventKind, bool) {
	switch s {
	case "uplink", "up":
		return KindUplink, true
	case "join":
		return KindJoin, true
	case "ack", "txack":
		return KindAck, true
	case "log":
		return KindLog, true
	case "sensor_reading", "reading":
		return KindSensorReading, true
	case "unknown":
		return KindUnknown, true
	}
	return "", false
}

func (k EventKind) IsNetwork() bool {
	return k != KindSensorReading && k != ""
}

// Sensor channels pushed directly by field devices.
const (
	FieldTemperature = "t"
	FieldHumidity    = "h"
	FieldGas         = "g"
	FieldFlow        = "fluxo"
	FieldPulse       = "pulso"
	FieldSensor      = "sensor"
	FieldSoil        = "solo"
)

// Radio metadata extracted from network-server uplinks.
const (
	FieldRSSI            = "rssi"
	FieldSNR             = "snr"
	FieldFrequency       = "frequency"
	FieldSpreadingFactor = "spreading_factor"
	FieldFCnt            = "f_cnt"
	FieldFPort           = "f_port"
	FieldDataRate        = "dr"
)

// Text labels carried alongside numeric fields.
const (
	LabelDeviceName      = "device_name"
	LabelApplicationName = "application_name"
	LabelDevAddr         = "dev_addr"
	LabelLogLevel        = "log_level"
	LabelLogCode         = "log_code"
	LabelLogDescription  = "log_description"
)

var SensorFields = []string{FieldTemperature, FieldHumidity, FieldGas, FieldFlow, FieldPulse, FieldSensor, FieldSoil}

// CounterFields are monotonic counters, bucketed as deltas.
var CounterFields = []string{FieldPulse, FieldFCnt}

func IsCounter(field string) bool {
	return field == FieldPulse || field == FieldFCnt
}

type TelemetryEvent struct {
	ID         string             `json:"id"`
	Seq        int64              `json:"seq"`
	DeviceID   string             `json:"device_id"`
	OccurredAt time.Time          `json:"occurred_at"`
	ReceivedAt time.Time          `json:"received_at"`
	Kind       EventKind          `json:"event_kind"`
	DedupKey   string             `json:"dedup_key"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Labels     map[string]string  `json:"labels,omitempty"`
	Source     string             `json:"source,omitempty"`
	RawPayload []byte             `json:"raw_payload,omitempty"`
}

// Candidate is an inbound event before admission. DedupKey is empty when the
// source supplies no stable identifier.
type Candidate struct {
	DeviceID   string
	OccurredAt time.Time
	Kind       EventKind
	DedupKey   string
	Fields     map[string]float64
	Labels     map[string]string
	Source     string
	RawPayload []byte
}

// Clone returns a copy that shares no maps or byte slices with e.
func (e TelemetryEvent) Clone() TelemetryEvent {
	e.Fields = maps.Clone(e.Fields)
	e.Labels = maps.Clone(e.Labels)
	e.RawPayload = bytes.Clone(e.RawPayload)
	return e
}

func (e TelemetryEvent) Field(name string) (float64, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Before orders events by occurred_at, then received_at, then insertion sequence.
func (e TelemetryEvent) Before(o TelemetryEvent) bool {
	if !e.OccurredAt.Equal(o.OccurredAt) {
		return e.OccurredAt.Before(o.OccurredAt)
	}
	if !e.ReceivedAt.Equal(o.ReceivedAt) {
		return e.ReceivedAt.Before(o.ReceivedAt)
	}
	return e.Seq < o.Seq
}

func (e TelemetryEvent) SortedFieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Liveness is online iff now - lastSeen <= threshold.
func Liveness(now, lastSeen time.Time, threshold time.Duration) Status {
	if lastSeen.IsZero() {
		return StatusOffline
	}
	if now.Sub(lastSeen) <= threshold {
		return StatusOnline
	}
	return StatusOffline
}

type FieldValue struct {
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

type RangeStat struct {
	Count int     `json:"count"`
	Sum   float64 `json:"-"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

func (r *RangeStat) Observe(v float64) {
	if r.Count == 0 || v < r.Min {
		r.Min = v
	}
	if r.Count == 0 || v > r.Max {
		r.Max = v
	}
	r.Count++
	r.Sum += v
	r.Avg = r.Sum / float64(r.Count)
}

type RadioStats struct {
	RSSI RangeStat `json:"rssi"`
	SNR  RangeStat `json:"snr"`
}

type DeviceState struct {
	DeviceID         string                `json:"device_id"`
	Name             string                `json:"name,omitempty"`
	Application      string                `json:"application,omitempty"`
	Status           Status                `json:"status"`
	FirstSeenAt      time.Time             `json:"first_seen_at"`
	LastSeenAt       time.Time             `json:"last_seen_at"`
	LastReading      map[string]FieldValue `json:"last_reading"`
	EventCountByKind map[EventKind]int     `json:"event_count_by_kind"`
	Radio            RadioStats            `json:"radio"`
}

// Reading returns the last known value of a field, false when never reported.
func (d DeviceState) Reading(field string) (float64, bool) {
	fv, ok := d.LastReading[field]
	return fv.Value, ok
}

func (d DeviceState) TotalEvents() int {
	total := 0
	for _, n := range d.EventCountByKind {
		total += n
	}
	return total
}

type Bucket struct {
	Start  time.Time          `json:"bucket_start"`
	Fields map[string]float64 `json:"fields"`
}

// Value returns the aggregated value of a field, false when the bucket has no data for it.
func (b Bucket) Value(field string) (float64, bool) {
	v, ok := b.Fields[field]
	return v, ok
}

type Point struct {
	Time  time.Time `json:"timestamp"`
	Value float64   `json:"value"`
}
