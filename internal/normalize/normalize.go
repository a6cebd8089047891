package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fieldsense/internal/model"
)

const (
	SourceChirpStack = "chirpstack"
	SourceDevice     = "device"
	UnknownDevEUI    = "unknown"
)

// fieldAliases maps inbound channel names to stored field names.
var fieldAliases = map[string]string{
	"t":           model.FieldTemperature,
	"temperatura": model.FieldTemperature,
	"temperature": model.FieldTemperature,
	"h":           model.FieldHumidity,
	"umidade":     model.FieldHumidity,
	"humidity":    model.FieldHumidity,
	"g":           model.FieldGas,
	"gas":         model.FieldGas,
	"fluxo":       model.FieldFlow,
	"vazao":       model.FieldFlow,
	"flow":        model.FieldFlow,
	"pulso":       model.FieldPulse,
	"sensor":      model.FieldSensor,
	"solo":        model.FieldSoil,
	"soil":        model.FieldSoil,
}

// CanonicalField resolves an inbound channel name.
func CanonicalField(name string) (string, bool) {
	f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

type chirpstackEnvelope struct {
	DeduplicationID string `json:"deduplicationId"`
	Time            string `json:"time"`
	DeviceInfo      struct {
		DevEUI          string `json:"devEui"`
		DeviceName      string `json:"deviceName"`
		ApplicationName string `json:"applicationName"`
	} `json:"deviceInfo"`
	DevAddr string   `json:"devAddr"`
	FCnt    *float64 `json:"fCnt"`
	FPort   *float64 `json:"fPort"`
	DR      *float64 `json:"dr"`
	RxInfo  []struct {
		RSSI *float64 `json:"rssi"`
		SNR  *float64 `json:"snr"`
	} `json:"rxInfo"`
	TxInfo *struct {
		Frequency  *float64 `json:"frequency"`
		Modulation struct {
			Lora struct {
				SpreadingFactor *float64 `json:"spreadingFactor"`
			} `json:"lora"`
		} `json:"modulation"`
	} `json:"txInfo"`
	Object      map[string]any `json:"object"`
	Level       string         `json:"level"`
	Code        string         `json:"code"`
	Description string         `json:"description"`
}

// InferChirpStackKind classifies an envelope by which keys it carries.
func InferChirpStackKind(keys map[string]json.RawMessage) model.EventKind {
	has := func(k string) bool { _, ok := keys[k]; return ok }
	switch {
	case has("level") && has("code"):
		return model.KindLog
	case has("deduplicationId") && has("rxInfo"):
		return model.KindUplink
	case has("deduplicationId") && has("devAddr"):
		return model.KindJoin
	case has("devAddr"):
		return model.KindAck
	default:
		return model.KindUnknown
	}
}

// DecodeChirpStack turns a ChirpStack integration event into a candidate.
// A non-empty override (the integration's ?event= parameter) wins over inference.
func DecodeChirpStack(body []byte, override string) (model.Candidate, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return model.Candidate{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	var env chirpstackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Candidate{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	kind := InferChirpStackKind(keys)
	if override != "" {
		// Integration event types without a kind of their own (status, location) are kept as unknown.
		kind = model.KindUnknown
		if k, ok := model.ParseKind(override); ok {
			kind = k
		}
	}

	c := model.Candidate{
		DeviceID:   strings.TrimSpace(env.DeviceInfo.DevEUI),
		Kind:       kind,
		Fields:     map[string]float64{},
		Labels:     map[string]string{},
		Source:     SourceChirpStack,
		RawPayload: append([]byte(nil), body...),
	}
	if c.DeviceID == "" {
		c.DeviceID = UnknownDevEUI
	}
	if env.Time != "" {
		ts, err := ParseTimestamp(env.Time, time.UTC)
		if err != nil {
			return model.Candidate{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
		c.OccurredAt = ts.UTC()
	}
	if env.DeduplicationID != "" {
		c.DedupKey = "cs:" + string(kind) + ":" + env.DeduplicationID
	}
	setLabel(c.Labels, model.LabelDeviceName, env.DeviceInfo.DeviceName)
	setLabel(c.Labels, model.LabelApplicationName, env.DeviceInfo.ApplicationName)
	setLabel(c.Labels, model.LabelDevAddr, env.DevAddr)

	switch kind {
	case model.KindUplink:
		setField(c.Fields, model.FieldFCnt, env.FCnt)
		setField(c.Fields, model.FieldFPort, env.FPort)
		setField(c.Fields, model.FieldDataRate, env.DR)
		if len(env.RxInfo) > 0 {
			setField(c.Fields, model.FieldRSSI, env.RxInfo[0].RSSI)
			setField(c.Fields, model.FieldSNR, env.RxInfo[0].SNR)
		}
		if env.TxInfo != nil {
			setField(c.Fields, model.FieldFrequency, env.TxInfo.Frequency)
			setField(c.Fields, model.FieldSpreadingFactor, env.TxInfo.Modulation.Lora.SpreadingFactor)
		}
		mergeObject(c.Fields, env.Object)
	case model.KindLog:
		setLabel(c.Labels, model.LabelLogLevel, env.Level)
		setLabel(c.Labels, model.LabelLogCode, env.Code)
		setLabel(c.Labels, model.LabelLogDescription, env.Description)
	}
	return c, nil
}

// mergeObject copies numeric decoded-payload values. Known channel names are canonicalized.
func mergeObject(fields map[string]float64, obj map[string]any) {
	for k, raw := range obj {
		v, ok := raw.(float64)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if f, known := CanonicalField(k); known {
			k = f
		}
		fields[k] = v
	}
}

func setField(fields map[string]float64, name string, v *float64) {
	if v != nil {
		fields[name] = *v
	}
}

func setLabel(labels map[string]string, name, v string) {
	if v = strings.TrimSpace(v); v != "" {
		labels[name] = v
	}
}

// DecodeDevicePush decodes a direct device push. Only keys present in the body
// become fields; a JSON null counts as absent.
func DecodeDevicePush(body []byte) (model.Candidate, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return model.Candidate{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	c := model.Candidate{
		Kind:       model.KindSensorReading,
		Fields:     map[string]float64{},
		Source:     SourceDevice,
		RawPayload: append([]byte(nil), body...),
	}
	for k, raw := range keys {
		key := strings.ToLower(k)
		switch key {
		case "device_id":
			if err := json.Unmarshal(raw, &c.DeviceID); err != nil {
				return model.Candidate{}, fmt.Errorf("%w: device_id: %v", model.ErrInvalidEvent, err)
			}
			c.DeviceID = strings.TrimSpace(c.DeviceID)
			continue
		case "dedup_key":
			if err := json.Unmarshal(raw, &c.DedupKey); err != nil {
				return model.Candidate{}, fmt.Errorf("%w: dedup_key: %v", model.ErrInvalidEvent, err)
			}
			continue
		case "timestamp", "time", "ts":
			ts, err := decodeTimestamp(raw)
			if err != nil {
				return model.Candidate{}, fmt.Errorf("%w: %s: %v", model.ErrInvalidEvent, key, err)
			}
			c.OccurredAt = ts
			continue
		}
		field, ok := CanonicalField(key)
		if !ok || isNull(raw) {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Candidate{}, fmt.Errorf("%w: %s is not a number", model.ErrInvalidEvent, k)
		}
		c.Fields[field] = v
	}
	if c.DeviceID == "" {
		return model.Candidate{}, fmt.Errorf("%w: device_id is required", model.ErrInvalidEvent)
	}
	return c, nil
}

// Decode picks the envelope format from its keys: ChirpStack envelopes carry
// deviceInfo, deduplicationId, devAddr or level, anything else is a device push.
func Decode(body []byte) (model.Candidate, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return model.Candidate{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	for _, k := range []string{"deviceInfo", "deduplicationId", "devAddr", "level"} {
		if _, ok := keys[k]; ok {
			return DecodeChirpStack(body, "")
		}
	}
	return DecodeDevicePush(body)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return time.Time{}, err
		}
		s = n.String()
	}
	ts, err := ParseTimestamp(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339 variants, naive date-times in loc and unix
// seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
