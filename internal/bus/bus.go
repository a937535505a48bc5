// Package bus implements the central event-bus agent: the session
// registry, consistency sequencer, sticky round-robin dispatcher,
// ingress path, redelivery machinery and historical query path. One
// goroutine owns all of the state; every other component talks to it
// through a serialized inbox of signals.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/stickybus/internal/schema"
)

// inboxSize bounds the central inbox. Producers block when the bus
// falls this far behind, which is the only backpressure in the system.
const inboxSize = 256

// rfc2822 is the human-readable timestamp layout carried on events and
// receipts alongside the raw unix seconds.
const rfc2822 = time.RFC1123Z

// LogGateway is the durable log surface the bus writes accepted events
// to and answers historical queries from.
type LogGateway interface {
	// Append publishes one accepted event to the durable topic.
	Append(ctx context.Context, ev schema.Event) error
	// Persist stores the event content-addressed in the document store.
	Persist(ev schema.Event) error
	// Query returns stored events of the given types strictly after
	// since, ascending by timestamp_raw.
	Query(eventTypes []string, since int64) ([]schema.Event, error)
	// SaveConsistency persists the full consistency map.
	SaveConsistency(m map[schema.ConsistencyKey]uint32) error
	// LoadConsistency restores the consistency map at startup.
	LoadConsistency() (map[schema.ConsistencyKey]uint32, error)
}

// Sender delivers one serialized frame to a client connection. The
// bus holds a Sender per session instead of the connection itself;
// the per-session writer owns the socket.
type Sender interface {
	Send(payload []byte)
}

// Signal is one unit of work for the central loop. Each producer
// (session readers, the loopback consumer) wraps its input in a signal
// and sends it to the inbox.
type Signal interface {
	signal()
}

// Connect announces a new client connection.
type Connect struct {
	Addr      string
	SessionID int64
	Client    Sender
}

// Disconnect announces that a client connection has gone away.
type Disconnect struct {
	Addr string
}

// Register carries a raw register frame from a session.
type Register struct {
	Addr string
	Raw  []byte
}

// NewEvents carries a raw new-events batch frame from a session.
type NewEvents struct {
	Addr string
	Raw  []byte
}

// Query carries a raw historical query frame from a session.
type Query struct {
	Addr string
	Raw  []byte
}

// Acknowledge carries a raw ack frame from a session.
type Acknowledge struct {
	Addr string
	Raw  []byte
}

// Propagate carries one event read back from the durable topic for
// dispatch to subscribed client types.
type Propagate struct {
	Event schema.Event
}

func (Connect) signal()     {}
func (Disconnect) signal()  {}
func (Register) signal()    {}
func (NewEvents) signal()   {}
func (Query) signal()       {}
func (Acknowledge) signal() {}
func (Propagate) signal()   {}

// stickyKey pins a consistency key to one session per client type.
type stickyKey struct {
	clientType     string
	consistencyKey schema.ConsistencyKey
}

// subscription is a session's event-type filter: everything, or an
// explicit set.
type subscription struct {
	all   bool
	types map[string]struct{}
}

func subscribeAll() subscription {
	return subscription{all: true}
}

func subscribeSome(eventTypes []string) subscription {
	s := subscription{types: make(map[string]struct{}, len(eventTypes))}
	for _, et := range eventTypes {
		s.types[et] = struct{}{}
	}
	return s
}

func (s subscription) matches(eventType string) bool {
	if s.all {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// sessionState is everything the bus tracks for one connected client.
// Mutated only by the central loop.
type sessionState struct {
	addr       string
	sessionID  int64
	client     Sender
	clientType string // empty until the client registers
	filter     subscription
	stickyKeys map[stickyKey]struct{}
	unacked    map[string]schema.Event // identity → delivered event
}

// Bus owns the session registry, the round-robin queues, the sticky
// bindings, the pending events and the consistency map.
type Bus struct {
	logger *slog.Logger
	gw     LogGateway
	inbox  chan Signal

	sessions    map[string]*sessionState
	roundRobin  map[string][]string // client type → queue of session addrs
	sticky      map[stickyKey]string
	pending     map[string][]schema.Event
	consistency map[schema.ConsistencyKey]uint32
}

// New creates a Bus and restores the consistency map from the gateway.
// A failure to load the map is not fatal: the bus starts with an empty
// map, matching a first boot.
func New(gw LogGateway, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	consistency, err := gw.LoadConsistency()
	if err != nil {
		logger.Info("consistency map unavailable, starting fresh", "error", err)
		consistency = nil
	}
	if consistency == nil {
		consistency = make(map[schema.ConsistencyKey]uint32)
	}

	return &Bus{
		logger:      logger,
		gw:          gw,
		inbox:       make(chan Signal, inboxSize),
		sessions:    make(map[string]*sessionState),
		roundRobin:  make(map[string][]string),
		sticky:      make(map[stickyKey]string),
		pending:     make(map[string][]schema.Event),
		consistency: consistency,
	}
}

// Send queues a signal for the central loop. It blocks when the inbox
// is full.
func (b *Bus) Send(sig Signal) {
	b.inbox <- sig
}

// Run processes signals until ctx is cancelled. It must be the only
// goroutine touching the bus maps.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("bus started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus stopped")
			return
		case sig := <-b.inbox:
			b.handle(ctx, sig)
		}
	}
}

func (b *Bus) handle(ctx context.Context, sig Signal) {
	switch s := sig.(type) {
	case Connect:
		b.handleConnect(s)
	case Disconnect:
		b.handleDisconnect(s)
	case Register:
		b.handleRegister(s)
	case NewEvents:
		b.handleNewEvents(ctx, s)
	case Query:
		b.handleQuery(s)
	case Acknowledge:
		b.handleAcknowledge(s)
	case Propagate:
		b.handlePropagate(s.Event)
	default:
		b.logger.Error("unknown signal type on bus inbox")
	}
}

// deliver marshals an outgoing message and hands it to the session's
// writer.
func (b *Bus) deliver(sess *sessionState, message any) {
	payload, err := marshalMessage(message)
	if err != nil {
		b.logger.Error("serialize outgoing message",
			"client", sess.addr, "error", err)
		return
	}
	b.logger.Log(context.Background(), levelTrace, "sending frame",
		"client", sess.addr, "payload", string(payload))
	sess.client.Send(payload)
}
