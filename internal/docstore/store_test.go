package docstore

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/stickybus/internal/schema"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	// One in-memory database per connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := OpenWithDB(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	return s
}

func storedEvent(key string, seq uint32, eventType string, ts int64) schema.Event {
	return schema.Event{
		Consistency: schema.Consistency{
			Key:   key,
			Value: schema.Explicit(seq),
		},
		CorrelationID: 1,
		Data:          json.RawMessage(`{"a":1}`),
		EventType:     eventType,
		Sender:        "test",
		SessionID:     7,
		Timestamp:     "Wed, 09 Jun 2010 22:20:00 +0000",
		TimestampRaw:  ts,
	}
}

func mustUpsert(t *testing.T, s *Store, ev schema.Event) {
	t.Helper()
	id, err := schema.HashJSON(ev)
	if err != nil {
		t.Fatalf("hash event: %v", err)
	}
	if err := s.UpsertEvent(id, ev); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
}

func TestQueryEventsOrderAndBound(t *testing.T) {
	s := testStore(t)

	mustUpsert(t, s, storedEvent("k", 1, "deposit", 200))
	mustUpsert(t, s, storedEvent("k", 0, "deposit", 100))
	mustUpsert(t, s, storedEvent("k", 2, "deposit", 300))

	events, err := s.QueryEvents([]string{"deposit"}, 1)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].TimestampRaw < events[i-1].TimestampRaw {
			t.Errorf("results out of order at %d: %d after %d",
				i, events[i].TimestampRaw, events[i-1].TimestampRaw)
		}
	}

	// The bound is strict: timestamp_raw must be greater than since.
	events, err = s.QueryEvents([]string{"deposit"}, 100)
	if err != nil {
		t.Fatalf("QueryEvents since 100: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events since 100 = %d, want 2 (bound is exclusive)", len(events))
	}

	events, err = s.QueryEvents([]string{"deposit"}, 300)
	if err != nil {
		t.Fatalf("QueryEvents since 300: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events past the range = %d, want 0", len(events))
	}
}

func TestQueryEventsFiltersTypes(t *testing.T) {
	s := testStore(t)

	mustUpsert(t, s, storedEvent("k1", 0, "deposit", 100))
	mustUpsert(t, s, storedEvent("k2", 0, "withdrawal", 200))
	mustUpsert(t, s, storedEvent("k3", 0, "transfer", 300))

	events, err := s.QueryEvents([]string{"deposit", "transfer"}, 0)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.EventType == "withdrawal" {
			t.Error("unrequested type in results")
		}
	}

	all, err := s.QueryEvents([]string{"*"}, 0)
	if err != nil {
		t.Fatalf("QueryEvents wildcard: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("wildcard events = %d, want 3", len(all))
	}

	none, err := s.QueryEvents(nil, 0)
	if err != nil {
		t.Fatalf("QueryEvents empty types: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("empty type list events = %d, want 0", len(none))
	}
}

func TestUpsertEventIsIdempotent(t *testing.T) {
	s := testStore(t)

	ev := storedEvent("k", 0, "deposit", 100)
	mustUpsert(t, s, ev)
	mustUpsert(t, s, ev)

	events, err := s.QueryEvents([]string{"deposit"}, 0)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (content-addressed upsert)", len(events))
	}
}

func TestEventRoundTripPreservesFields(t *testing.T) {
	s := testStore(t)

	ev := storedEvent("k", 3, "deposit", 100)
	mustUpsert(t, s, ev)

	events, err := s.QueryEvents([]string{"deposit"}, 0)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	got := events[0]
	if got.Consistency.Key != "k" || got.Consistency.Value != schema.Explicit(3) {
		t.Errorf("consistency = %v, want k/3", got.Consistency)
	}
	if got.SessionID != 7 || got.Sender != "test" {
		t.Errorf("sender fields = %d/%q, want 7/test", got.SessionID, got.Sender)
	}
}

func TestConsistencyRoundTrip(t *testing.T) {
	s := testStore(t)

	want := map[schema.ConsistencyKey]uint32{"a": 0, "b": 17}
	if err := s.SaveConsistency(want); err != nil {
		t.Fatalf("SaveConsistency: %v", err)
	}

	got, err := s.LoadConsistency()
	if err != nil {
		t.Fatalf("LoadConsistency: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("map = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("map[%s] = %d, want %d", k, got[k], v)
		}
	}

	// A save replaces the whole document.
	if err := s.SaveConsistency(map[schema.ConsistencyKey]uint32{"a": 1}); err != nil {
		t.Fatalf("SaveConsistency replace: %v", err)
	}
	got, err = s.LoadConsistency()
	if err != nil {
		t.Fatalf("LoadConsistency after replace: %v", err)
	}
	if len(got) != 1 || got["a"] != 1 {
		t.Errorf("map after replace = %v, want {a:1}", got)
	}
}

func TestLoadConsistencyMissingYieldsEmptyMap(t *testing.T) {
	s := testStore(t)

	got, err := s.LoadConsistency()
	if err != nil {
		t.Fatalf("LoadConsistency: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("map = %v, want empty", got)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := testStore(t)

	// A second migration against the same database must tolerate the
	// existing tables and indexes.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
