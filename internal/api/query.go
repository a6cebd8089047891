package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fieldsense/internal/analysis"
	"fieldsense/internal/model"
	"fieldsense/internal/normalize"
	"fieldsense/internal/storage"
)

const defaultReadingsRange = "24h"

func (s *Server) handleDevices(c *gin.Context) {
	devices := s.State.FleetSnapshot()
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *Server) handleDevice(c *gin.Context) {
	st, err := s.State.Snapshot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleReadings(c *gin.Context) {
	id := c.Param("id")
	rangeName := c.DefaultQuery("time_range", defaultReadingsRange)
	buckets, err := s.History.History(c.Request.Context(), id, rangeName)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": id, "time_range": rangeName, "buckets": buckets})
}

func (s *Server) handleFleetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.State.FleetStats(time.Now().UTC()))
}

// eventView is the network-event listing shape: labels are flattened and the
// original envelope is returned as JSON when it is valid JSON.
type eventView struct {
	ID              string             `json:"id"`
	EventType       model.EventKind    `json:"event_type"`
	DevEUI          string             `json:"dev_eui"`
	DeviceName      string             `json:"device_name,omitempty"`
	ApplicationName string             `json:"application_name,omitempty"`
	EventTime       time.Time          `json:"event_time"`
	ReceivedAt      time.Time          `json:"received_at"`
	Fields          map[string]float64 `json:"fields,omitempty"`
	Labels          map[string]string  `json:"labels,omitempty"`
	Source          string             `json:"source,omitempty"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
}

func viewOf(ev model.TelemetryEvent) eventView {
	v := eventView{
		ID:              ev.ID,
		EventType:       ev.Kind,
		DevEUI:          ev.DeviceID,
		DeviceName:      ev.Labels[model.LabelDeviceName],
		ApplicationName: ev.Labels[model.LabelApplicationName],
		EventTime:       ev.OccurredAt,
		ReceivedAt:      ev.ReceivedAt,
		Fields:          ev.Fields,
		Labels:          ev.Labels,
		Source:          ev.Source,
	}
	if json.Valid(ev.RawPayload) {
		v.Payload = json.RawMessage(ev.RawPayload)
	}
	return v
}

func parseFilter(c *gin.Context) (storage.EventFilter, error) {
	f := storage.EventFilter{DeviceID: c.Query("dev_eui"), Kinds: model.NetworkKinds}
	if t := c.Query("event_type"); t != "" {
		k, ok := model.ParseKind(t)
		if !ok {
			return f, fmt.Errorf("%w: event_type %q", errBadQuery, t)
		}
		f.Kinds = []model.EventKind{k}
	}
	for name, dst := range map[string]*time.Time{"start_date": &f.From, "end_date": &f.To} {
		if v := c.Query(name); v != "" {
			ts, err := normalize.ParseTimestamp(v, time.UTC)
			if err != nil {
				return f, fmt.Errorf("%w: %s: %v", errBadQuery, name, err)
			}
			*dst = ts.UTC()
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("%w: end_date before start_date", model.ErrInvalidTimeRange)
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%w: %s must be a non-negative integer", errBadQuery, name)
			}
			*dst = n
		}
	}
	return f, nil
}

func (s *Server) handleEvents(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	events, err := s.Store.Query(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, viewOf(ev))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleEvent(c *gin.Context) {
	ev, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(ev))
}

func (s *Server) handleNetworkStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.State.NetworkStats())
}

func (s *Server) handleNetworkDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.State.NetworkDevices())
}

func (s *Server) handleDeviceSummary(c *gin.Context) {
	sum, err := s.State.DeviceSummary(c.Param("eui"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analysis.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadQuery, err))
		return
	}
	res, err := s.Analysis.Analyze(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
