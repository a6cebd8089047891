package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"fieldsense/internal/model"
)

type FleetStats struct {
	TotalDevices   int      `json:"totalDevices"`
	OnlineDevices  int      `json:"onlineDevices"`
	OfflineDevices int      `json:"offlineDevices"`
	AvgTemperature *float64 `json:"avgTemperature"`
	AvgHumidity    *float64 `json:"avgHumidity"`
}

// FleetStats folds the fleet snapshot. Means only cover devices that reported the
// field; a fleet where nobody reported it yields nil rather than zero.
func (a *Aggregator) FleetStats(now time.Time) FleetStats {
	var (
		out        FleetStats
		tSum, hSum float64
		tN, hN     int
	)
	for _, s := range a.FleetSnapshotAt(now) {
		out.TotalDevices++
		if s.Status == model.StatusOnline {
			out.OnlineDevices++
		} else {
			out.OfflineDevices++
		}
		if v, ok := s.Reading(model.FieldTemperature); ok {
			tSum += v
			tN++
		}
		if v, ok := s.Reading(model.FieldHumidity); ok {
			hSum += v
			hN++
		}
	}
	if tN > 0 {
		v := round1(tSum / float64(tN))
		out.AvgTemperature = &v
	}
	if hN > 0 {
		v := round1(hSum / float64(hN))
		out.AvgHumidity = &v
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

type DateRange struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

type NetworkStats struct {
	TotalEvents   int                     `json:"total_events"`
	EventsByType  map[model.EventKind]int `json:"events_by_type"`
	UniqueDevices int                     `json:"unique_devices"`
	LatestEvent   *time.Time              `json:"latest_event"`
	DateRange     DateRange               `json:"date_range"`
}

func (a *Aggregator) NetworkStats() NetworkStats {
	out := NetworkStats{EventsByType: make(map[model.EventKind]int)}
	var first, last time.Time
	for _, c := range a.cellsSorted() {
		c.mu.Lock()
		if c.networkCount > 0 {
			out.UniqueDevices++
			out.TotalEvents += c.networkCount
			for kind, n := range c.state.EventCountByKind {
				if kind.IsNetwork() {
					out.EventsByType[kind] += n
				}
			}
			if first.IsZero() || c.networkFirst.Before(first) {
				first = c.networkFirst
			}
			if c.networkLast.After(last) {
				last = c.networkLast
			}
		}
		c.mu.Unlock()
	}
	if !last.IsZero() {
		out.LatestEvent = &last
		out.DateRange = DateRange{Start: &first, End: &last}
	}
	return out
}

type RangeSummary struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type RFStats struct {
	RSSI *RangeSummary `json:"rssi"`
	SNR  *RangeSummary `json:"snr"`
}

type DeviceSummary struct {
	DevEUI       string                  `json:"dev_eui"`
	TotalEvents  int                     `json:"total_events"`
	EventsByType map[model.EventKind]int `json:"events_by_type"`
	LatestEvent  *time.Time              `json:"latest_event"`
	RFStats      *RFStats                `json:"rf_stats"`
}

func summarize(r model.RangeStat) *RangeSummary {
	if r.Count == 0 {
		return nil
	}
	return &RangeSummary{Avg: r.Avg, Min: r.Min, Max: r.Max}
}

// DeviceSummary reports network-server activity for one device. Devices that
// only pushed sensor readings are unknown here.
func (a *Aggregator) DeviceSummary(devEUI string) (DeviceSummary, error) {
	c, ok := a.lookup(devEUI)
	if !ok {
		return DeviceSummary{}, fmt.Errorf("%w: %s", model.ErrUnknownDevice, devEUI)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.networkCount == 0 {
		return DeviceSummary{}, fmt.Errorf("%w: no network events for %s", model.ErrUnknownDevice, devEUI)
	}
	out := DeviceSummary{
		DevEUI:       devEUI,
		TotalEvents:  c.networkCount,
		EventsByType: make(map[model.EventKind]int),
	}
	for kind, n := range c.state.EventCountByKind {
		if kind.IsNetwork() {
			out.EventsByType[kind] = n
		}
	}
	latest := c.networkLast
	out.LatestEvent = &latest
	if c.state.Radio.RSSI.Count > 0 || c.state.Radio.SNR.Count > 0 {
		out.RFStats = &RFStats{RSSI: summarize(c.state.Radio.RSSI), SNR: summarize(c.state.Radio.SNR)}
	}
	return out, nil
}

type NetworkDevice struct {
	DevEUI          string    `json:"dev_eui"`
	DeviceName      string    `json:"device_name,omitempty"`
	ApplicationName string    `json:"application_name,omitempty"`
	EventCount      int       `json:"event_count"`
	LastEvent       time.Time `json:"last_event"`
}

// NetworkDevices lists devices seen by the network server, most recently active first.
func (a *Aggregator) NetworkDevices() []NetworkDevice {
	var out []NetworkDevice
	for _, c := range a.cellsSorted() {
		c.mu.Lock()
		if c.networkCount > 0 {
			out = append(out, NetworkDevice{
				DevEUI:          c.state.DeviceID,
				DeviceName:      c.state.Name,
				ApplicationName: c.state.Application,
				EventCount:      c.networkCount,
				LastEvent:       c.networkLast,
			})
		}
		c.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastEvent.After(out[j].LastEvent) })
	return out
}
