// Package gateway joins the durable topic and the document store into
// the single log surface the bus talks to: append publishes an
// accepted event to the topic, persist stores it content-addressed,
// and query serves historical rebuilds from the store's indexes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/stickybus/internal/broker"
	"github.com/nugget/stickybus/internal/docstore"
	"github.com/nugget/stickybus/internal/schema"
)

// Gateway is the production event-log surface.
type Gateway struct {
	broker *broker.Client
	store  *docstore.Store
	logger *slog.Logger
}

// New creates a Gateway over a broker client and an open document
// store. Append fails until the broker client has been started.
func New(b *broker.Client, store *docstore.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{broker: b, store: store, logger: logger}
}

// Append publishes one accepted event to the durable topic, keyed by
// its event_type. The event is serialized without a message_type; the
// loopback consumer tags frames on the way back out.
func (g *Gateway) Append(ctx context.Context, ev schema.Event) error {
	payload, err := json.Marshal(ev.Tagged(""))
	if err != nil {
		return fmt.Errorf("serialize event for topic: %w", err)
	}

	g.logger.Debug("appending event to topic",
		"event_type", ev.EventType,
		"consistency_key", ev.Consistency.Key,
		"consistency_value", ev.Consistency.Value.String(),
	)
	return g.broker.Append(ctx, ev.EventType, payload)
}

// Persist stores the event content-addressed by the SHA1 of its full
// canonical JSON. Hashing the whole document (timestamps, sender and
// all) keeps the key unique across resubmissions of identical data.
func (g *Gateway) Persist(ev schema.Event) error {
	id, err := schema.HashJSON(ev.Tagged(""))
	if err != nil {
		return fmt.Errorf("hash event for persistence: %w", err)
	}
	return g.store.UpsertEvent(id, ev.Tagged(""))
}

// Query returns stored events matching the given types with
// timestamp_raw strictly after since, in ascending timestamp order.
func (g *Gateway) Query(eventTypes []string, since int64) ([]schema.Event, error) {
	return g.store.QueryEvents(eventTypes, since)
}

// SaveConsistency persists the full consistency map.
func (g *Gateway) SaveConsistency(m map[schema.ConsistencyKey]uint32) error {
	return g.store.SaveConsistency(m)
}

// LoadConsistency restores the consistency map at startup.
func (g *Gateway) LoadConsistency() (map[schema.ConsistencyKey]uint32, error) {
	return g.store.LoadConsistency()
}
