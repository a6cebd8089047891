package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldsense/internal/model"
)

const uplinkBody = `{
  "deduplicationId": "3ac7e3c4-4401-4b8d-9386-a5c902f9202d",
  "time": "2026-03-01T12:00:00.5+00:00",
  "deviceInfo": {"devEui": "0101010101010101", "deviceName": "pump-1", "applicationName": "farm"},
  "devAddr": "00189440",
  "fCnt": 42, "fPort": 1, "dr": 5,
  "rxInfo": [{"rssi": -97, "snr": 7.5}, {"rssi": -120, "snr": -3}],
  "txInfo": {"frequency": 915200000, "modulation": {"lora": {"spreadingFactor": 7}}},
  "object": {"temperatura": 24.5, "umidade": 0, "battery": 3.3, "label": "x"}
}`

func TestInferChirpStackKind(t *testing.T) {
	cases := map[string]model.EventKind{
		`{"level":"ERROR","code":"UPLINK_CODEC"}`:         model.KindLog,
		`{"deduplicationId":"a","rxInfo":[]}`:             model.KindUplink,
		`{"deduplicationId":"a","devAddr":"01"}`:          model.KindJoin,
		`{"devAddr":"01","deviceInfo":{"devEui":"x"}}`:    model.KindAck,
		`{"deviceInfo":{"devEui":"x"},"batteryLevel":80}`: model.KindUnknown,
	}
	for body, want := range cases {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &keys); err != nil {
			t.Fatalf("bad fixture %s: %v", body, err)
		}
		if got := InferChirpStackKind(keys); got != want {
			t.Fatalf("%s: expected %s, got %s", body, want, got)
		}
	}
}

func TestDecodeChirpStackUplink(t *testing.T) {
	c, err := DecodeChirpStack([]byte(uplinkBody), "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Kind != model.KindUplink || c.DeviceID != "0101010101010101" || c.Source != SourceChirpStack {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if !c.OccurredAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)) {
		t.Fatalf("unexpected time %s", c.OccurredAt)
	}
	if c.DedupKey == "" {
		t.Fatalf("deduplicationId should produce a key")
	}
	want := map[string]float64{
		model.FieldRSSI: -97, model.FieldSNR: 7.5, model.FieldFCnt: 42, model.FieldFPort: 1,
		model.FieldDataRate: 5, model.FieldFrequency: 915200000, model.FieldSpreadingFactor: 7,
		model.FieldTemperature: 24.5, model.FieldHumidity: 0, "battery": 3.3,
	}
	for k, v := range want {
		if got, ok := c.Fields[k]; !ok || got != v {
			t.Fatalf("field %s: expected %v, got %v (present=%v)", k, v, got, ok)
		}
	}
	if _, ok := c.Fields["label"]; ok {
		t.Fatalf("non-numeric object values must be skipped")
	}
	if c.Labels[model.LabelDeviceName] != "pump-1" || c.Labels[model.LabelApplicationName] != "farm" {
		t.Fatalf("unexpected labels %v", c.Labels)
	}
	if string(c.RawPayload) != uplinkBody {
		t.Fatalf("raw payload not preserved")
	}
}

func TestDecodeChirpStackLogAndOverride(t *testing.T) {
	c, err := DecodeChirpStack([]byte(`{"time":"2026-03-01T12:00:00Z","level":"ERROR","code":"UPLINK_CODEC","description":"bad codec"}`), "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Kind != model.KindLog || c.DeviceID != UnknownDevEUI {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if c.Labels[model.LabelLogCode] != "UPLINK_CODEC" || c.Labels[model.LabelLogDescription] != "bad codec" {
		t.Fatalf("unexpected labels %v", c.Labels)
	}
	c, err = DecodeChirpStack([]byte(`{"deviceInfo":{"devEui":"x"},"devAddr":"01"}`), "txack")
	if err != nil || c.Kind != model.KindAck {
		t.Fatalf("override should map txack to ack: %+v %v", c, err)
	}
	c, err = DecodeChirpStack([]byte(`{"deviceInfo":{"devEui":"x"}}`), "status")
	if err != nil || c.Kind != model.KindUnknown {
		t.Fatalf("unmapped override should be unknown: %+v %v", c, err)
	}
	if _, err := DecodeChirpStack([]byte(`{"time":"yesterday"}`), ""); !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for bad time, got %v", err)
	}
}

func TestDecodeDevicePushKeepsOnlyPresentKeys(t *testing.T) {
	c, err := DecodeDevicePush([]byte(`{"device_id":"d1","t":24.5,"h":62.3,"g":null,"descricao":"x","timestamp":"2026-03-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(c.Fields) != 2 || c.Fields["t"] != 24.5 || c.Fields["h"] != 62.3 {
		t.Fatalf("unexpected fields %v", c.Fields)
	}
	if !c.OccurredAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %s", c.OccurredAt)
	}
	c, err = DecodeDevicePush([]byte(`{"device_id":"d1","fluxo":0,"pulso":120,"dedup_key":"k1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := c.Fields["fluxo"]; !ok || v != 0 {
		t.Fatalf("zero flow must be present")
	}
	if c.DedupKey != "k1" || !c.OccurredAt.IsZero() {
		t.Fatalf("unexpected key/time %q %s", c.DedupKey, c.OccurredAt)
	}
	c, err = DecodeDevicePush([]byte(`{"device_id":"d1","temperatura":21}`))
	if err != nil || c.Fields["t"] != 21 {
		t.Fatalf("alias should map to t: %v %v", c.Fields, err)
	}
	for _, body := range []string{`{"t":1}`, `{"device_id":"d1","t":"hot"}`, `not json`} {
		if _, err := DecodeDevicePush([]byte(body)); !errors.Is(err, model.ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", body, err)
		}
	}
}

func TestDecodeDetectsFormat(t *testing.T) {
	c, err := Decode([]byte(uplinkBody))
	if err != nil || c.Source != SourceChirpStack {
		t.Fatalf("expected chirpstack candidate, got %+v %v", c, err)
	}
	c, err = Decode([]byte(`{"device_id":"d1","solo":33}`))
	if err != nil || c.Source != SourceDevice || c.Fields["solo"] != 33 {
		t.Fatalf("expected device candidate, got %+v %v", c, err)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2026-03-01T12:00:00Z":      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"2026-03-01 12:00:00":       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"1772366400":                time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"1772366400000":             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"2026-03-01T09:00:00-03:00": time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseTimestamp("", time.UTC); err == nil {
		t.Fatalf("expected error for empty timestamp")
	}
}
