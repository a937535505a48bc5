package schema

// Receipt statuses returned for each event in a new batch.
const (
	StatusSuccess      = "success"
	StatusInconsistent = "inconsistent"
)

// Receipts is the bus→client response to a new batch, one entry per
// sequenced event in submission order. An event whose data is not
// valid JSON, or whose append to the durable topic fails, gets no
// entry.
type Receipts struct {
	MessageType string    `json:"message_type"`
	Receipts    []Receipt `json:"receipts"`
	Timestamp   string    `json:"timestamp"`
	Sender      string    `json:"sender"`
}

// Receipt carries the SHA1 of one event's data and its acceptance
// status.
type Receipt struct {
	Checksum string `json:"checksum"`
	Status   string `json:"status"`
}

// Registration echoes an accepted registration back to the client.
type Registration struct {
	MessageType string   `json:"message_type"`
	ClientType  string   `json:"client_type"`
	EventTypes  []string `json:"event_types"`
}

// Rebuild is the bus→client response to a historical query. Each
// embedded event carries message_type "rebuild" so clients can tell
// replays from live events.
type Rebuild struct {
	MessageType string  `json:"message_type"`
	Events      []Event `json:"events"`
}
