package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nugget/stickybus/internal/schema"
)

// handleNewEvents runs the publish path for one batch: sequence each
// event, log and persist the accepted ones, and answer with a single
// receipts envelope. The loop continues across per-event errors; a
// batch is never rolled back.
//
// Dispatch does not happen here. Accepted events come back through the
// durable topic's loopback consumer, which keeps the log the single
// source of what was actually accepted.
func (b *Bus) handleNewEvents(ctx context.Context, sig NewEvents) {
	sess, ok := b.sessions[sig.Addr]
	if !ok {
		b.logger.Error("new events for session missing from registry, this is a bug",
			"client", sig.Addr)
		return
	}

	var parsed schema.NewEvents
	if err := json.Unmarshal(sig.Raw, &parsed); err != nil {
		b.logger.Error("parse new events message", "client", sig.Addr, "error", err)
		return
	}

	now := time.Now()
	receipts := schema.Receipts{
		MessageType: schema.TypeReceipt,
		Receipts:    make([]schema.Receipt, 0, len(parsed.Events)),
		Timestamp:   now.Format(rfc2822),
		Sender:      sig.Addr,
	}

	for _, raw := range parsed.Events {
		checksum, err := schema.HashRaw(raw.Data)
		if err != nil {
			b.logger.Error("hash event data for receipt",
				"client", sig.Addr,
				"event_type", raw.EventType,
				"error", err,
			)
			continue
		}

		value, status := b.sequence(raw.Consistency.Key, raw.Consistency.Value)
		if status == sequenceInconsistent {
			receipts.Receipts = append(receipts.Receipts, schema.Receipt{
				Checksum: checksum,
				Status:   schema.StatusInconsistent,
			})
			continue
		}

		ev := schema.Event{
			Consistency: schema.Consistency{
				Key:   raw.Consistency.Key,
				Value: schema.Explicit(value),
			},
			CorrelationID: raw.CorrelationID,
			Data:          raw.Data,
			EventType:     raw.EventType,
			Sender:        sig.Addr,
			SessionID:     sess.sessionID,
			Timestamp:     now.Format(rfc2822),
			TimestampRaw:  now.Unix(),
		}

		if err := b.gw.Append(ctx, ev); err != nil {
			// The consistency map is not rolled back: the value is
			// spent even though the log write failed.
			b.logger.Error("append to event log failed",
				"client", sig.Addr,
				"event_type", ev.EventType,
				"consistency_key", ev.Consistency.Key,
				"error", err,
			)
			continue
		}

		if err := b.gw.Persist(ev); err != nil {
			b.logger.Warn("persist event document failed",
				"event_type", ev.EventType,
				"error", err,
			)
		}

		receipts.Receipts = append(receipts.Receipts, schema.Receipt{
			Checksum: checksum,
			Status:   schema.StatusSuccess,
		})
	}

	b.deliver(sess, receipts)
}
