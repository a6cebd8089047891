package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldsense/internal/model"
	"fieldsense/internal/storage"
)

// FingerprintIndex remembers recently accepted keyless events so near-identical
// retries inside the tolerance window collapse onto the first one.
type FingerprintIndex interface {
	// Lock serializes check-and-append for one fingerprint.
	Lock(ctx context.Context, fp string) (func(), error)
	Find(ctx context.Context, fp string, at time.Time, tolerance time.Duration) (string, bool, error)
	Record(ctx context.Context, fp string, at time.Time, eventID string) error
}

type fingerprintEntry struct {
	occurredAt time.Time
	eventID    string
	recordedAt time.Time
}

// MemoryFingerprintIndex is the in-process index: striped locks plus a TTL-compacted map.
type MemoryFingerprintIndex struct {
	locks     []sync.Mutex
	mu        sync.Mutex
	items     map[string][]fingerprintEntry
	ttl       time.Duration
	limit     int
	compactAt int
	now       func() time.Time
}

func NewMemoryFingerprintIndex(stripes, limit int, ttl time.Duration) *MemoryFingerprintIndex {
	if stripes <= 0 {
		stripes = 64
	}
	if limit <= 0 {
		limit = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryFingerprintIndex{
		locks:     make([]sync.Mutex, stripes),
		items:     make(map[string][]fingerprintEntry),
		ttl:       ttl,
		limit:     limit,
		compactAt: limit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryFingerprintIndex) Lock(_ context.Context, fp string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	l := &m.locks[h.Sum32()%uint32(len(m.locks))]
	l.Lock()
	return l.Unlock, nil
}

func (m *MemoryFingerprintIndex) Find(_ context.Context, fp string, at time.Time, tolerance time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range m.items[fp] {
		if now.Sub(e.recordedAt) > m.ttl {
			continue
		}
		if absDuration(e.occurredAt.Sub(at)) <= tolerance {
			return e.eventID, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryFingerprintIndex) Record(_ context.Context, fp string, at time.Time, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.items[fp] = append(m.items[fp], fingerprintEntry{occurredAt: at, eventID: eventID, recordedAt: now})
	if len(m.items) > m.compactAt {
		m.compact(now)
		// live fingerprints must double before the next full pass
		m.compactAt = max(m.limit, 2*len(m.items))
	}
	return nil
}

func (m *MemoryFingerprintIndex) compact(now time.Time) {
	for fp, entries := range m.items {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.recordedAt) <= m.ttl {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.items, fp)
			continue
		}
		m.items[fp] = kept
	}
}

func (m *MemoryFingerprintIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Fingerprint hashes the identity of a keyless event: device, kind and every field value.
func Fingerprint(ev model.TelemetryEvent) string {
	parts := []string{ev.DeviceID, string(ev.Kind)}
	for _, name := range ev.SortedFieldNames() {
		parts = append(parts, name+"="+strconv.FormatFloat(ev.Fields[name], 'g', -1, 64))
	}
	labels := make([]string, 0, len(ev.Labels))
	for k, v := range ev.Labels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)
	parts = append(parts, labels...)
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func DerivedKey(fp string, occurredAt time.Time) string {
	h := sha256.Sum256([]byte(fp + "|" + occurredAt.UTC().Format(time.RFC3339Nano)))
	return "fp:" + hex.EncodeToString(h[:])
}

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
)

const (
	ReasonKey    = "key"
	ReasonWindow = "window"
)

type Admission struct {
	Status     Status               `json:"status"`
	Event      model.TelemetryEvent `json:"event"`
	ExistingID string               `json:"existing_id,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

func (a Admission) Accepted() bool {
	return a.Status == StatusAccepted
}

// Deduplicator decides canonical identity. Accepted is returned only after the
// store append has committed.
type Deduplicator struct {
	store storage.Store
	index FingerprintIndex
}

func NewDeduplicator(store storage.Store, index FingerprintIndex) *Deduplicator {
	if index == nil {
		index = NewMemoryFingerprintIndex(0, 0, 0)
	}
	return &Deduplicator{store: store, index: index}
}

func (d *Deduplicator) Admit(ctx context.Context, ev model.TelemetryEvent, tolerance time.Duration) (Admission, error) {
	if ev.DedupKey != "" {
		return d.append(ctx, ev)
	}
	fp := Fingerprint(ev)
	unlock, err := d.index.Lock(ctx, fp)
	if err != nil {
		return Admission{}, indexUnavailable(ctx, "lock fingerprint", err)
	}
	defer unlock()
	if tolerance > 0 {
		id, ok, err := d.index.Find(ctx, fp, ev.OccurredAt, tolerance)
		if err != nil {
			return Admission{}, indexUnavailable(ctx, "find fingerprint", err)
		}
		if ok {
			return Admission{Status: StatusDuplicate, ExistingID: id, Reason: ReasonWindow}, nil
		}
	}
	ev.DedupKey = DerivedKey(fp, ev.OccurredAt)
	adm, err := d.append(ctx, ev)
	if err != nil || !adm.Accepted() {
		return adm, err
	}
	if err := d.index.Record(ctx, fp, adm.Event.OccurredAt, adm.Event.ID); err != nil {
		// the event is durable; a missed index entry only widens the retry window
		return adm, &IndexError{Err: err}
	}
	return adm, nil
}

func (d *Deduplicator) append(ctx context.Context, ev model.TelemetryEvent) (Admission, error) {
	res, err := d.store.Append(ctx, ev)
	if err != nil {
		return Admission{}, err
	}
	if !res.Inserted {
		return Admission{Status: StatusDuplicate, ExistingID: res.ExistingID, Event: res.Event, Reason: ReasonKey}, nil
	}
	return Admission{Status: StatusAccepted, Event: res.Event}, nil
}

// indexUnavailable makes an index outage retryable like a store outage.
// Cancellation of the caller is passed through unchanged.
func indexUnavailable(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return model.Unavailable(op, err)
}

// IndexError reports a fingerprint index failure after a successful append.
type IndexError struct {
	Err error
}

func (e *IndexError) Error() string { return "record fingerprint: " + e.Err.Error() }

func (e *IndexError) Unwrap() error { return e.Err }
