package bus

import (
	"encoding/json"

	"github.com/nugget/stickybus/internal/schema"
)

// handleConnect creates the session record. A second connect with the
// same address replaces the prior record and orphans the old writer.
// A Disconnect names only the address, so one that arrives after the
// replacement removes the replacing record, whichever connection
// raised it.
func (b *Bus) handleConnect(sig Connect) {
	sess := &sessionState{
		addr:       sig.Addr,
		sessionID:  sig.SessionID,
		client:     sig.Client,
		filter:     subscribeAll(),
		stickyKeys: make(map[stickyKey]struct{}),
		unacked:    make(map[string]schema.Event),
	}

	if _, existed := b.sessions[sig.Addr]; existed {
		b.sessions[sig.Addr] = sess
		b.logger.Info("session replaced in registry", "client", sig.Addr)
	} else {
		b.sessions[sig.Addr] = sess
		b.logger.Info("session added to registry", "client", sig.Addr)
	}
}

// handleDisconnect releases everything the session owned: its sticky
// bindings, its round-robin slot, and its unacknowledged events, which
// are re-dispatched to a surviving session of the same type.
func (b *Bus) handleDisconnect(sig Disconnect) {
	b.logger.Info("removing session from registry", "client", sig.Addr)

	sess, ok := b.sessions[sig.Addr]
	if !ok {
		b.logger.Warn("disconnect for unknown session", "client", sig.Addr)
		return
	}

	// Release the sticky bindings first so redelivery below rotates
	// the queue instead of re-selecting the dead session.
	for sk := range sess.stickyKeys {
		if _, bound := b.sticky[sk]; bound {
			delete(b.sticky, sk)
			b.logger.Debug("released sticky binding",
				"client", sig.Addr,
				"client_type", sk.clientType,
				"consistency_key", sk.consistencyKey,
			)
		} else {
			b.logger.Error("sticky key missing from binding map",
				"client_type", sk.clientType,
				"consistency_key", sk.consistencyKey,
			)
		}
	}

	if sess.clientType != "" {
		b.removeFromQueue(sess.clientType, sig.Addr)
	} else {
		b.logger.Debug("session had no client type", "client", sig.Addr)
	}

	// Re-dispatch unacknowledged events. Typeless sessions never hold
	// unacknowledged events because dispatch requires a declared type.
	if sess.clientType != "" && len(sess.unacked) > 0 {
		b.redeliver(sess)
	}

	delete(b.sessions, sig.Addr)
	b.logger.Info("removed session from registry", "client", sig.Addr)
}

// redeliver re-enters every unacknowledged event of a disconnecting
// session into dispatch for its client type. The sticky bindings are
// already gone, so each event either lands on a sibling session or in
// the pending queue.
func (b *Bus) redeliver(sess *sessionState) {
	b.logger.Info("re-dispatching unacknowledged events",
		"client", sess.addr,
		"client_type", sess.clientType,
		"events", len(sess.unacked),
	)
	for _, ev := range sess.unacked {
		b.propagateToType(ev.Tagged(schema.TypeEvent), sess.clientType)
	}
}

// removeFromQueue drops one session from its client-type round-robin
// queue, preserving the order of the rest.
func (b *Bus) removeFromQueue(clientType, addr string) {
	queue, ok := b.roundRobin[clientType]
	if !ok {
		b.logger.Warn("client type has no round-robin queue",
			"client", addr, "client_type", clientType)
		return
	}
	for i, a := range queue {
		if a == addr {
			b.roundRobin[clientType] = append(queue[:i], queue[i+1:]...)
			b.logger.Debug("removed session from round-robin queue",
				"client", addr, "client_type", clientType)
			return
		}
	}
	b.logger.Warn("session was not in expected queue",
		"client", addr, "client_type", clientType)
}

// handleRegister updates the session's declared type and subscription
// filter, refreshes queue membership, drains pending events for the
// type, and echoes the accepted registration.
func (b *Bus) handleRegister(sig Register) {
	var parsed schema.Register
	if err := json.Unmarshal(sig.Raw, &parsed); err != nil {
		b.logger.Error("parse register message", "client", sig.Addr, "error", err)
		return
	}

	sess, ok := b.sessions[sig.Addr]
	if !ok {
		b.logger.Error("register for session missing from registry, this is a bug",
			"client", sig.Addr)
		return
	}

	if parsed.WantsAll() {
		sess.filter = subscribeAll()
		b.logger.Info("updated subscription filter",
			"client", sig.Addr, "event_types", "all")
	} else {
		sess.filter = subscribeSome(parsed.EventTypes)
		b.logger.Info("updated subscription filter",
			"client", sig.Addr, "event_types", parsed.EventTypes)
	}

	// Leave the previous type's queue before joining the new one.
	if sess.clientType != "" {
		b.removeFromQueue(sess.clientType, sig.Addr)
	}
	sess.clientType = parsed.ClientType
	b.roundRobin[parsed.ClientType] = append(b.roundRobin[parsed.ClientType], sig.Addr)
	b.logger.Info("session joined round-robin queue",
		"client", sig.Addr,
		"client_type", parsed.ClientType,
		"queue_len", len(b.roundRobin[parsed.ClientType]),
	)

	b.drainPending(parsed.ClientType)

	b.deliver(sess, schema.Registration{
		MessageType: schema.TypeRegistration,
		ClientType:  parsed.ClientType,
		EventTypes:  parsed.EventTypes,
	})
}

// drainPending dispatches events held for a client type in FIFO order.
// The queue is reset before the drain starts so a dispatch that fails
// back into pending does not loop.
func (b *Bus) drainPending(clientType string) {
	held := b.pending[clientType]
	if len(held) == 0 {
		return
	}
	b.pending[clientType] = nil

	b.logger.Info("draining pending events",
		"client_type", clientType, "events", len(held))
	for _, ev := range held {
		b.propagateToType(ev, clientType)
	}
}

// handleAcknowledge removes one event from the session's
// unacknowledged set. Acknowledging an event that is not in the set is
// a no-op with a warning.
func (b *Bus) handleAcknowledge(sig Acknowledge) {
	var parsed schema.Event
	if err := json.Unmarshal(sig.Raw, &parsed); err != nil {
		b.logger.Error("parse acknowledgement", "client", sig.Addr, "error", err)
		return
	}

	sess, ok := b.sessions[sig.Addr]
	if !ok {
		b.logger.Error("acknowledgement for session missing from registry, this is a bug",
			"client", sig.Addr)
		return
	}

	id, err := parsed.Identity()
	if err != nil {
		b.logger.Error("hash acknowledged event", "client", sig.Addr, "error", err)
		return
	}

	if _, held := sess.unacked[id]; held {
		delete(sess.unacked, id)
		b.logger.Info("acknowledged event",
			"client", sig.Addr,
			"consistency_key", parsed.Consistency.Key,
			"remaining", len(sess.unacked),
		)
	} else {
		b.logger.Warn("acknowledgement for event not awaiting ack",
			"client", sig.Addr,
			"consistency_key", parsed.Consistency.Key,
		)
	}
}
