package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/nugget/stickybus/internal/broker"
	"github.com/nugget/stickybus/internal/bus"
	"github.com/nugget/stickybus/internal/schema"
)

// Loopback returns the broker message handler that feeds events read
// back from the durable topic into the dispatcher. Every accepted
// event travels bus → topic → here → dispatch, so the topic remains
// the single record of what was accepted.
func Loopback(b *bus.Bus, logger *slog.Logger) broker.MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(topic string, payload []byte) {
		var ev schema.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Error("invalid JSON on event topic",
				"topic", topic, "error", err)
			return
		}

		logger.Debug("event received from topic",
			"topic", topic,
			"event_type", ev.EventType,
			"consistency_key", ev.Consistency.Key,
		)
		b.Send(bus.Propagate{Event: ev.Tagged(schema.TypeEvent)})
	}
}
