package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldsense/internal/config"
	"fieldsense/internal/model"
)

const scanPageSize = 256

// MaxQueryLimit caps a single listing request.
const MaxQueryLimit = 1000

// Store is the append-only event log. Append is atomic insert-if-absent on DedupKey.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Append(ctx context.Context, ev model.TelemetryEvent) (AppendResult, error)
	// Scan yields events in (occurred_at, received_at, seq) order, lazily and page by page.
	Scan(ctx context.Context, q ScanQuery) iter.Seq2[model.TelemetryEvent, error]
	Latest(ctx context.Context, deviceID string) (model.TelemetryEvent, bool, error)
	Get(ctx context.Context, id string) (model.TelemetryEvent, error)
	Lookup(ctx context.Context, dedupKey string) (model.TelemetryEvent, error)
	Devices(ctx context.Context) ([]string, error)
	Query(ctx context.Context, f EventFilter) ([]model.TelemetryEvent, error)
}

type AppendResult struct {
	Inserted   bool
	ExistingID string
	Event      model.TelemetryEvent
}

// ScanQuery selects events with From <= occurred_at < To. Zero bounds are open;
// an empty DeviceID scans the whole fleet.
type ScanQuery struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Kinds    []model.EventKind
	Reverse  bool
}

// EventFilter drives the newest-first listing; both date bounds are inclusive.
type EventFilter struct {
	DeviceID string
	Kinds    []model.EventKind
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

func (f EventFilter) normalizedLimit() int {
	if f.Limit <= 0 {
		return 100
	}
	if f.Limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return f.Limit
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

type pageFetcher func(ctx context.Context, q ScanQuery, after *model.TelemetryEvent, limit int) ([]model.TelemetryEvent, error)

// paginate turns a keyset page fetcher into a lazy iterator. Each page is read in
// full before yielding so no lock or connection is held while the consumer runs.
func paginate(ctx context.Context, q ScanQuery, fetch pageFetcher) iter.Seq2[model.TelemetryEvent, error] {
	return func(yield func(model.TelemetryEvent, error) bool) {
		var after *model.TelemetryEvent
		for {
			if err := ctx.Err(); err != nil {
				yield(model.TelemetryEvent{}, err)
				return
			}
			page, err := fetch(ctx, q, after, scanPageSize)
			if err != nil {
				yield(model.TelemetryEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			last := page[len(page)-1]
			after = &last
		}
	}
}

func kindMatches(kinds []model.EventKind, kind model.EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func prepareForAppend(ev model.TelemetryEvent) (model.TelemetryEvent, error) {
	if ev.DeviceID == "" || ev.DedupKey == "" {
		return ev, fmt.Errorf("append: %w: device_id and dedup_key required", model.ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev = ev.Clone()
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}

const eventColumns = `seq, id, device_id, occurred_at, received_at, kind, dedup_key, fields_json, labels_json, source, raw_payload`

// baseStore carries the SQL shared by the sqlite and postgres drivers. Times are
// stored as unix nanoseconds so ordering and keyset comparisons are integer-only.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return model.Unavailable("ping", b.db.PingContext(ctx))
}

// rebind rewrites ? placeholders to $n for drivers that need numbered parameters.
func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) Append(ctx context.Context, ev model.TelemetryEvent) (AppendResult, error) {
	ev, err := prepareForAppend(ev)
	if err != nil {
		return AppendResult{}, err
	}
	query := b.rebind(`INSERT INTO events (id, device_id, occurred_at, received_at, kind, dedup_key, fields_json, labels_json, source, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING seq`)
	var seq int64
	err = b.db.QueryRowContext(ctx, query,
		ev.ID,
		ev.DeviceID,
		ev.OccurredAt.UnixNano(),
		ev.ReceivedAt.UnixNano(),
		string(ev.Kind),
		ev.DedupKey,
		encodeJSON(ev.Fields),
		encodeJSON(ev.Labels),
		ev.Source,
		ev.RawPayload,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lerr := b.Lookup(ctx, ev.DedupKey)
		if lerr != nil {
			return AppendResult{}, lerr
		}
		return AppendResult{ExistingID: existing.ID, Event: existing}, nil
	}
	if err != nil {
		return AppendResult{}, model.Unavailable("append event", err)
	}
	ev.Seq = seq
	return AppendResult{Inserted: true, Event: ev}, nil
}

func (b *baseStore) Scan(ctx context.Context, q ScanQuery) iter.Seq2[model.TelemetryEvent, error] {
	return paginate(ctx, q, b.fetchPage)
}

func (b *baseStore) fetchPage(ctx context.Context, q ScanQuery, after *model.TelemetryEvent, limit int) ([]model.TelemetryEvent, error) {
	var where []string
	var args []any
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, q.To.UnixNano())
	}
	where, args = appendKindClause(where, args, q.Kinds)
	order := "ASC"
	cmp := ">"
	if q.Reverse {
		order = "DESC"
		cmp = "<"
	}
	if after != nil {
		where = append(where, "(occurred_at, received_at, seq) "+cmp+" (?, ?, ?)")
		args = append(args, after.OccurredAt.UnixNano(), after.ReceivedAt.UnixNano(), after.Seq)
	}
	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at %s, received_at %s, seq %s LIMIT %d", order, order, order, limit)
	return b.queryEvents(ctx, "scan events", query, args...)
}

func appendKindClause(where []string, args []any, kinds []model.EventKind) ([]string, []any) {
	if len(kinds) == 0 {
		return where, args
	}
	marks := make([]string, len(kinds))
	for i, k := range kinds {
		marks[i] = "?"
		args = append(args, string(k))
	}
	return append(where, "kind IN ("+strings.Join(marks, ", ")+")"), args
}

func (b *baseStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]model.TelemetryEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, model.Unavailable(op, err)
	}
	defer rows.Close()
	var out []model.TelemetryEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, model.Unavailable(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable(op, err)
	}
	return out, nil
}

func (b *baseStore) queryOne(ctx context.Context, op, query string, args ...any) (model.TelemetryEvent, error) {
	events, err := b.queryEvents(ctx, op, query, args...)
	if err != nil {
		return model.TelemetryEvent{}, err
	}
	if len(events) == 0 {
		return model.TelemetryEvent{}, fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return events[0], nil
}

func (b *baseStore) Latest(ctx context.Context, deviceID string) (model.TelemetryEvent, bool, error) {
	ev, err := b.queryOne(ctx, "latest event",
		"SELECT "+eventColumns+" FROM events WHERE device_id = ? ORDER BY occurred_at DESC, received_at DESC, seq DESC LIMIT 1",
		deviceID)
	if errors.Is(err, model.ErrNotFound) {
		return model.TelemetryEvent{}, false, nil
	}
	if err != nil {
		return model.TelemetryEvent{}, false, err
	}
	return ev, true, nil
}

func (b *baseStore) Get(ctx context.Context, id string) (model.TelemetryEvent, error) {
	return b.queryOne(ctx, "get event", "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
}

func (b *baseStore) Lookup(ctx context.Context, dedupKey string) (model.TelemetryEvent, error) {
	return b.queryOne(ctx, "lookup dedup key", "SELECT "+eventColumns+" FROM events WHERE dedup_key = ?", dedupKey)
}

func (b *baseStore) Devices(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT DISTINCT device_id FROM events ORDER BY device_id")
	if err != nil {
		return nil, model.Unavailable("list devices", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Unavailable("list devices", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("list devices", err)
	}
	return out, nil
}

func (b *baseStore) Query(ctx context.Context, f EventFilter) ([]model.TelemetryEvent, error) {
	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, f.To.UnixNano())
	}
	where, args = appendKindClause(where, args, f.Kinds)
	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, received_at DESC, seq DESC LIMIT %d OFFSET %d", f.normalizedLimit(), offset)
	return b.queryEvents(ctx, "query events", query, args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.TelemetryEvent, error) {
	var (
		ev                   model.TelemetryEvent
		occurred, received   int64
		kind                 string
		fieldsRaw, labelsRaw []byte
		source               sql.NullString
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.DeviceID, &occurred, &received, &kind, &ev.DedupKey, &fieldsRaw, &labelsRaw, &source, &ev.RawPayload); err != nil {
		return ev, err
	}
	ev.OccurredAt = time.Unix(0, occurred).UTC()
	ev.ReceivedAt = time.Unix(0, received).UTC()
	ev.Kind = model.EventKind(kind)
	ev.Source = source.String
	if err := decodeJSON(fieldsRaw, &ev.Fields); err != nil {
		return ev, fmt.Errorf("decode fields: %w", err)
	}
	if err := decodeJSON(labelsRaw, &ev.Labels); err != nil {
		return ev, fmt.Errorf("decode labels: %w", err)
	}
	return ev, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
