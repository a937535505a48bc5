package bus

import "github.com/nugget/stickybus/internal/schema"

// handlePropagate dispatches one event read back from the durable
// topic to every declared client type.
func (b *Bus) handlePropagate(ev schema.Event) {
	types := make([]string, 0, len(b.roundRobin))
	for clientType := range b.roundRobin {
		types = append(types, clientType)
	}
	b.logger.Debug("propagating event",
		"event_type", ev.EventType,
		"consistency_key", ev.Consistency.Key,
		"client_types", len(types),
	)
	for _, clientType := range types {
		b.propagateToType(ev, clientType)
	}
}

// propagateToType selects the recipient session for one (event, client
// type) pair and delivers the event to it.
//
// The sticky binding wins when present. Otherwise the round-robin
// queue is rotated, and the head becomes both the recipient and the
// new sticky owner of the event's consistency key. The rotation
// happens even when the chosen session is later filtered out: the head
// has been used for this attempt, and rotating unconditionally keeps
// the queue making progress.
func (b *Bus) propagateToType(ev schema.Event, clientType string) {
	sk := stickyKey{clientType: clientType, consistencyKey: ev.Consistency.Key}

	addr, bound := b.sticky[sk]
	if bound {
		b.logger.Debug("found sticky session for key",
			"consistency_key", sk.consistencyKey, "client", addr)
	} else {
		queue := b.roundRobin[clientType]
		if len(queue) == 0 {
			b.logger.Debug("no session of type connected, holding event as pending",
				"client_type", clientType,
				"event_type", ev.EventType,
			)
			b.pending[clientType] = append(b.pending[clientType], ev)
			return
		}
		addr = queue[0]
		b.roundRobin[clientType] = append(queue[1:], queue[0])
	}

	sess, ok := b.sessions[addr]
	if !ok {
		b.logger.Error("selected session missing from registry, this is a bug",
			"client", addr, "client_type", clientType)
		return
	}

	// Pin the key to this session for as long as it stays connected.
	b.sticky[sk] = addr
	sess.stickyKeys[sk] = struct{}{}

	if !b.shouldSend(sess, ev.EventType) {
		return
	}

	delivered := ev.Tagged(schema.TypeEvent)
	id, err := delivered.Identity()
	if err != nil {
		b.logger.Error("hash event for unacknowledged set",
			"client", addr, "error", err)
		return
	}
	sess.unacked[id] = delivered

	b.logger.Info("delivering event",
		"client", addr,
		"client_type", clientType,
		"event_type", ev.EventType,
		"consistency_key", ev.Consistency.Key,
		"consistency_value", ev.Consistency.Value.String(),
	)
	b.deliver(sess, delivered)
}

// shouldSend evaluates the subscription filter. A session with no
// declared client type or a filter that excludes the event type does
// not receive the event; that is a client configuration matter, not a
// transient condition, so the event is not held as pending.
func (b *Bus) shouldSend(sess *sessionState, eventType string) bool {
	send := sess.clientType != "" && sess.filter.matches(eventType)
	if !send {
		b.logger.Info("subscription filter excluded event",
			"client", sess.addr,
			"event_type", eventType,
			"registered", sess.clientType != "",
		)
	}
	return send
}
