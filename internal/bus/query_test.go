package bus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nugget/stickybus/internal/schema"
)

func queryFrame(t *testing.T, eventTypes []string, since string) []byte {
	t.Helper()
	raw, err := json.Marshal(schema.Query{
		MessageType: schema.TypeQuery,
		EventTypes:  eventTypes,
		Since:       since,
	})
	if err != nil {
		t.Fatalf("marshal query: %v", err)
	}
	return raw
}

func TestQueryReturnsRebuildEnvelope(t *testing.T) {
	b, gw := newTestBus(t)
	sender := connect(b, "a:1", 1)
	gw.queryResult = []schema.Event{
		mkEvent("k1", 0, "deposit"),
		mkEvent("k1", 1, "deposit"),
	}

	b.handleQuery(Query{Addr: "a:1", Raw: queryFrame(t, []string{"deposit"}, "1970-01-01T00:00:01Z")})

	if len(sender.frames) != 1 {
		t.Fatalf("frames = %d, want 1 rebuild", len(sender.frames))
	}
	var rebuild schema.Rebuild
	if err := json.Unmarshal(sender.frames[0], &rebuild); err != nil {
		t.Fatalf("decode rebuild: %v", err)
	}
	if rebuild.MessageType != schema.TypeRebuild {
		t.Errorf("message_type = %q, want rebuild", rebuild.MessageType)
	}
	if len(rebuild.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(rebuild.Events))
	}
	for i, ev := range rebuild.Events {
		if ev.MessageType != schema.TypeRebuild {
			t.Errorf("event %d inner message_type = %q, want rebuild", i, ev.MessageType)
		}
	}

	if gw.querySince != 1 {
		t.Errorf("since = %d, want 1", gw.querySince)
	}
	if len(gw.queryTypes) != 1 || gw.queryTypes[0] != "deposit" {
		t.Errorf("queried types = %v, want [deposit]", gw.queryTypes)
	}
}

func TestQueryWildcardSinceIsEpochZero(t *testing.T) {
	b, gw := newTestBus(t)
	connect(b, "a:1", 1)

	b.handleQuery(Query{Addr: "a:1", Raw: queryFrame(t, []string{"deposit"}, "*")})

	if gw.querySince != 0 {
		t.Errorf("since = %d, want 0 for wildcard", gw.querySince)
	}
}

func TestQueryEmptyResultStillAnswers(t *testing.T) {
	b, _ := newTestBus(t)
	sender := connect(b, "a:1", 1)

	b.handleQuery(Query{Addr: "a:1", Raw: queryFrame(t, []string{"deposit"}, "*")})

	if len(sender.frames) != 1 {
		t.Fatalf("frames = %d, want an empty rebuild", len(sender.frames))
	}
	var rebuild schema.Rebuild
	if err := json.Unmarshal(sender.frames[0], &rebuild); err != nil {
		t.Fatalf("decode rebuild: %v", err)
	}
	if len(rebuild.Events) != 0 {
		t.Errorf("events = %d, want 0", len(rebuild.Events))
	}
}

func TestQueryBadSinceIsDropped(t *testing.T) {
	b, _ := newTestBus(t)
	sender := connect(b, "a:1", 1)

	b.handleQuery(Query{Addr: "a:1", Raw: queryFrame(t, []string{"deposit"}, "yesterday")})

	if len(sender.frames) != 0 {
		t.Error("bad since produced a response")
	}
}

func TestQueryGatewayFailureIsDropped(t *testing.T) {
	b, gw := newTestBus(t)
	sender := connect(b, "a:1", 1)
	gw.queryErr = errors.New("store down")

	b.handleQuery(Query{Addr: "a:1", Raw: queryFrame(t, []string{"deposit"}, "*")})

	if len(sender.frames) != 0 {
		t.Error("failed query produced a response")
	}
}
