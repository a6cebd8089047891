package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"fieldsense/internal/aggregate"
	"fieldsense/internal/analysis"
	"fieldsense/internal/config"
	"fieldsense/internal/engine"
	"fieldsense/internal/metrics"
	"fieldsense/internal/model"
	"fieldsense/internal/storage"
	"fieldsense/internal/timeseries"
)

type fixture struct {
	router *gin.Engine
	store  storage.Store
	state  *aggregate.Aggregator
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	if mutate != nil {
		mutate(cfg)
	}
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	reg := metrics.NewRegistry()
	state := aggregate.New(cfg.Liveness.Threshold, nil)
	eng := engine.NewEngine(cfg, nil, store, nil, state, reg)
	series := timeseries.New(store, state)
	srv := New(Deps{
		Config:   config.NewStaticManager(cfg),
		Engine:   eng,
		Store:    store,
		State:    state,
		History:  series,
		Analysis: analysis.NewDispatcher(series, cfg.Analysis, nil, reg),
		Metrics:  reg,
	})
	return &fixture{router: srv.Router(), store: store, state: state}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func TestPacketIdempotency(t *testing.T) {
	f := newFixture(t, nil)
	hdr := map[string]string{"Idempotency-Key": "pkt-1"}
	body := `{"device_id":"d1","t":24.5,"h":62.3}`

	first := f.do(t, http.MethodPost, "/packets", body, hdr)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var a admissionResponse
	decode(t, first, &a)
	require.False(t, a.Duplicate)
	require.NotEmpty(t, a.EventID)

	second := f.do(t, http.MethodPost, "/packets", body, hdr)
	require.Equal(t, http.StatusOK, second.Code)
	var b admissionResponse
	decode(t, second, &b)
	require.True(t, b.Duplicate)
	require.Equal(t, a.EventID, b.EventID)
	require.Equal(t, engine.ReasonKey, b.Reason)

	dev := f.do(t, http.MethodGet, "/devices/d1", "", nil)
	require.Equal(t, http.StatusOK, dev.Code)
	var st struct {
		Status      string `json:"status"`
		LastReading map[string]struct {
			Value float64 `json:"value"`
		} `json:"last_reading"`
	}
	decode(t, dev, &st)
	require.Equal(t, "online", st.Status)
	require.Equal(t, 24.5, st.LastReading["t"].Value)
	_, hasGas := st.LastReading["g"]
	require.False(t, hasGas)

	channel := f.do(t, http.MethodPost, "/packets/gas", `{"device_id":"d1","gas":1.5}`, nil)
	require.Equal(t, http.StatusCreated, channel.Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/packets/pressure", `{"device_id":"d1"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/packets", `{"t":1}`, nil).Code)
}

const uplink = `{"deduplicationId":"dd-1","time":"%s","deviceInfo":{"devEui":"eui-1","deviceName":"pump","applicationName":"farm"},
"devAddr":"0018","fCnt":7,"rxInfo":[{"rssi":-97,"snr":7.5}],"txInfo":{"frequency":915200000,"modulation":{"lora":{"spreadingFactor":7}}}}`

func TestChirpStackFlow(t *testing.T) {
	f := newFixture(t, nil)
	body := strings.Replace(uplink, "%s", time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano), 1)

	w := f.do(t, http.MethodPost, "/webhook/chirpstack", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var adm admissionResponse
	decode(t, w, &adm)
	require.Equal(t, "success", adm.Status)
	require.Equal(t, "uplink", string(adm.EventType))
	require.Equal(t, "eui-1", adm.DeviceID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/webhook/chirpstack", body, nil).Code)

	list := f.do(t, http.MethodGet, "/chirpstack/events?dev_eui=eui-1&event_type=up&limit=10", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var events []eventView
	decode(t, list, &events)
	require.Len(t, events, 1)
	require.Equal(t, -97.0, events[0].Fields["rssi"])
	require.Equal(t, "pump", events[0].DeviceName)
	require.NotEmpty(t, events[0].Payload)

	one := f.do(t, http.MethodGet, "/chirpstack/events/"+adm.EventID, "", nil)
	require.Equal(t, http.StatusOK, one.Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/chirpstack/events/nope", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/chirpstack/events?limit=abc", "", nil).Code)

	stats := f.do(t, http.MethodGet, "/chirpstack/stats", "", nil)
	require.Equal(t, http.StatusOK, stats.Code)
	var ns aggregate.NetworkStats
	decode(t, stats, &ns)
	require.Equal(t, 1, ns.TotalEvents)
	require.Equal(t, 1, ns.UniqueDevices)

	sum := f.do(t, http.MethodGet, "/chirpstack/devices/eui-1/summary", "", nil)
	require.Equal(t, http.StatusOK, sum.Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/chirpstack/devices/zzz/summary", "", nil).Code)

	devs := f.do(t, http.MethodGet, "/chirpstack/devices", "", nil)
	require.Equal(t, http.StatusOK, devs.Code)
	require.Contains(t, devs.Body.String(), "eui-1")
}

func chirpUplink(dedupID, devEUI string, at time.Time) string {
	return `{"deduplicationId":"` + dedupID + `","time":"` + at.Format(time.RFC3339Nano) + `",` +
		`"deviceInfo":{"devEui":"` + devEUI + `"},"devAddr":"0018","rxInfo":[{"rssi":-90,"snr":9}]}`
}

func TestParallelUplinksThenLiveness(t *testing.T) {
	f := newFixture(t, nil)
	t0 := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	body := chirpUplink("abc", "D1", t0)

	codes := make([]int, 3)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/webhook/chirpstack", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()
	sort.Ints(codes)
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusCreated}, codes)

	stored, err := f.store.Query(context.Background(), storage.EventFilter{DeviceID: "D1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	w := f.do(t, http.MethodPost, "/webhook/chirpstack", chirpUplink("xyz", "D1", t0.Add(5*time.Minute)), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	at := t0.Add(10 * time.Minute)
	statusAt := func(threshold time.Duration) model.Status {
		f.state.SetThreshold(threshold)
		fleet := f.state.FleetSnapshotAt(at)
		require.Len(t, fleet, 1)
		require.Equal(t, "D1", fleet[0].DeviceID)
		return fleet[0].Status
	}
	require.Equal(t, model.StatusOnline, statusAt(6*time.Minute))
	require.Equal(t, model.StatusOffline, statusAt(4*time.Minute))
}

func TestReadingsAndErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/packets", `{"device_id":"d1","t":20}`, nil).Code)

	w := f.do(t, http.MethodGet, "/devices/d1/readings?time_range=1h", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Buckets []json.RawMessage `json:"buckets"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Buckets, 13)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/devices/d1/readings?time_range=2y", "", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/devices/missing", "", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/devices/missing/readings", "", nil).Code)

	stats := f.do(t, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, stats.Code)
	var fs aggregate.FleetStats
	decode(t, stats, &fs)
	require.Equal(t, 1, fs.TotalDevices)
	require.NotNil(t, fs.AvgTemperature)
	require.Nil(t, fs.AvgHumidity)
}

func TestAnalyzeErrors(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		body := `{"device_id":"d1","t":` + string(rune('0'+i)) + `,"dedup_key":"k` + string(rune('0'+i)) + `"}`
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/packets", body, nil).Code)
	}
	w := f.do(t, http.MethodPost, "/ml/analyze", `{"dataset":"d1","analysis_kind":"classification","target_field":"temperature","time_range":"last_24h"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var body struct {
		Required int `json:"required"`
		Got      int `json:"got"`
	}
	decode(t, w, &body)
	require.Equal(t, 20, body.Required)
	require.Equal(t, 5, body.Got)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/ml/analyze", `{"analysis_kind":"regression","target_field":"t","time_range":"last_24h"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/ml/analyze", `{"analysis_kind":"clustering","target_field":"pressure","time_range":"last_24h"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/ml/analyze", `not json`, nil).Code)
}

func TestAPIKeyAndProbes(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.API.APIKeys = []string{"secret"} })
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/devices", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/devices", "", map[string]string{"X-API-Key": "wrong"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/devices", "", map[string]string{"X-API-Key": "secret"}).Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/packets", `{"device_id":"d1","t":1}`, map[string]string{"X-API-Key": "secret"}).Code)
	m := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, m.Code)
	require.True(t, bytes.Contains(m.Body.Bytes(), []byte("fieldsense_events_accepted_total")))

	st := f.do(t, http.MethodGet, "/status", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, st.Code)
	require.Contains(t, st.Body.String(), `"storage_driver":"memory"`)
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.Unavailable("ping", errors.New("connection refused")), http.StatusServiceUnavailable},
		{model.ErrAnalysisTimeout, http.StatusGatewayTimeout},
		{&model.NotEnoughDataError{Kind: "clustering", Required: 30, Got: 2}, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
