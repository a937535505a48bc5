package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nugget/stickybus/internal/schema"
)

// handleQuery answers a historical query with a single rebuild
// envelope. Events are returned in ascending timestamp_raw order with
// their inner message_type set to "rebuild" so clients can tell
// replays from live traffic.
func (b *Bus) handleQuery(sig Query) {
	sess, ok := b.sessions[sig.Addr]
	if !ok {
		b.logger.Error("query for session missing from registry, this is a bug",
			"client", sig.Addr)
		return
	}

	var parsed schema.Query
	if err := json.Unmarshal(sig.Raw, &parsed); err != nil {
		b.logger.Error("parse query message", "client", sig.Addr, "error", err)
		return
	}

	var since int64
	if strings.TrimSpace(parsed.Since) == "*" {
		since = 0
	} else {
		t, err := time.Parse(time.RFC3339, parsed.Since)
		if err != nil {
			b.logger.Error("parse query since timestamp",
				"client", sig.Addr, "since", parsed.Since, "error", err)
			return
		}
		since = t.Unix()
	}

	events, err := b.gw.Query(parsed.EventTypes, since)
	if err != nil {
		b.logger.Error("historical query failed",
			"client", sig.Addr,
			"event_types", parsed.EventTypes,
			"since", since,
			"error", err,
		)
		return
	}

	rebuild := schema.Rebuild{
		MessageType: schema.TypeRebuild,
		Events:      make([]schema.Event, 0, len(events)),
	}
	for _, ev := range events {
		rebuild.Events = append(rebuild.Events, ev.Tagged(schema.TypeRebuild))
	}

	b.logger.Info("answering historical query",
		"client", sig.Addr,
		"event_types", parsed.EventTypes,
		"since", since,
		"events", len(rebuild.Events),
	)
	b.deliver(sess, rebuild)
}
