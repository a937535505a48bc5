package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/stickybus/internal/schema"
)

// fakeGateway records every log interaction and lets tests inject
// failures and canned query results.
type fakeGateway struct {
	appended  []schema.Event
	persisted []schema.Event

	appendErr  error
	persistErr error
	saveErr    error

	saved     map[schema.ConsistencyKey]uint32
	saveCalls int

	loaded  map[schema.ConsistencyKey]uint32
	loadErr error

	queryResult []schema.Event
	queryErr    error
	queryTypes  []string
	querySince  int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{loaded: make(map[schema.ConsistencyKey]uint32)}
}

func (g *fakeGateway) Append(_ context.Context, ev schema.Event) error {
	if g.appendErr != nil {
		return g.appendErr
	}
	g.appended = append(g.appended, ev)
	return nil
}

func (g *fakeGateway) Persist(ev schema.Event) error {
	if g.persistErr != nil {
		return g.persistErr
	}
	g.persisted = append(g.persisted, ev)
	return nil
}

func (g *fakeGateway) Query(eventTypes []string, since int64) ([]schema.Event, error) {
	g.queryTypes = eventTypes
	g.querySince = since
	return g.queryResult, g.queryErr
}

func (g *fakeGateway) SaveConsistency(m map[schema.ConsistencyKey]uint32) error {
	g.saveCalls++
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saved = make(map[schema.ConsistencyKey]uint32, len(m))
	for k, v := range m {
		g.saved[k] = v
	}
	return nil
}

func (g *fakeGateway) LoadConsistency() (map[schema.ConsistencyKey]uint32, error) {
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	return g.loaded, nil
}

// fakeSender collects every frame the bus hands to a session writer.
type fakeSender struct {
	frames [][]byte
}

func (s *fakeSender) Send(payload []byte) {
	s.frames = append(s.frames, payload)
}

// messageTypes decodes the discriminator of every captured frame.
func (s *fakeSender) messageTypes(t *testing.T) []string {
	t.Helper()
	types := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		mt, err := schema.ParseMessageType(frame)
		if err != nil {
			t.Fatalf("captured frame is not JSON: %v", err)
		}
		types = append(types, mt)
	}
	return types
}

// events decodes every captured frame with message_type "event".
func (s *fakeSender) events(t *testing.T) []schema.Event {
	t.Helper()
	var events []schema.Event
	for _, frame := range s.frames {
		mt, err := schema.ParseMessageType(frame)
		if err != nil {
			t.Fatalf("captured frame is not JSON: %v", err)
		}
		if mt != schema.TypeEvent {
			continue
		}
		var ev schema.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("decode event frame: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

// receipts decodes the single receipts frame; fails if there is not
// exactly one.
func (s *fakeSender) receipts(t *testing.T) schema.Receipts {
	t.Helper()
	var found []schema.Receipts
	for _, frame := range s.frames {
		mt, _ := schema.ParseMessageType(frame)
		if mt != schema.TypeReceipt {
			continue
		}
		var r schema.Receipts
		if err := json.Unmarshal(frame, &r); err != nil {
			t.Fatalf("decode receipts frame: %v", err)
		}
		found = append(found, r)
	}
	if len(found) != 1 {
		t.Fatalf("captured %d receipts frames, want 1", len(found))
	}
	return found[0]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) (*Bus, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	return New(gw, testLogger()), gw
}

func connect(b *Bus, addr string, sessionID int64) *fakeSender {
	sender := &fakeSender{}
	b.handleConnect(Connect{Addr: addr, SessionID: sessionID, Client: sender})
	return sender
}

func register(t *testing.T, b *Bus, addr, clientType string, eventTypes ...string) {
	t.Helper()
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}
	raw, err := json.Marshal(schema.Register{
		MessageType: schema.TypeRegister,
		ClientType:  clientType,
		EventTypes:  eventTypes,
	})
	if err != nil {
		t.Fatalf("marshal register: %v", err)
	}
	b.handleRegister(Register{Addr: addr, Raw: raw})
}

func mkEvent(key string, seq uint32, eventType string) schema.Event {
	return schema.Event{
		Consistency: schema.Consistency{
			Key:   key,
			Value: schema.Explicit(seq),
		},
		CorrelationID: 1,
		Data:          json.RawMessage(`{"a":1}`),
		EventType:     eventType,
		Sender:        "test",
		SessionID:     99,
		Timestamp:     "Wed, 09 Jun 2010 22:20:00 +0000",
		TimestampRaw:  1276122000,
	}
}

func ackFrame(t *testing.T, delivered schema.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(delivered.Tagged(schema.TypeAck))
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	return raw
}
