package schema

import "encoding/json"

// Message type discriminator values used on the wire.
const (
	TypeNew          = "new"
	TypeRegister     = "register"
	TypeQuery        = "query"
	TypeAck          = "ack"
	TypeEvent        = "event"
	TypeReceipt      = "receipt"
	TypeRegistration = "registration"
	TypeRebuild      = "rebuild"
)

// Event is a fully qualified event as accepted by the bus. It is
// immutable once accepted: the same document is published to the
// durable topic, persisted content-addressed in the store, and
// delivered to subscribers (tagged with the appropriate MessageType).
type Event struct {
	Consistency   Consistency     `json:"consistency"`
	CorrelationID uint64          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	EventType     string          `json:"event_type"`
	MessageType   string          `json:"message_type,omitempty"`
	Sender        string          `json:"sender"`
	SessionID     int64           `json:"session_id"`
	Timestamp     string          `json:"timestamp"`
	TimestampRaw  int64           `json:"timestamp_raw"`
}

// Identity returns the SHA1 identity used to match acknowledgements
// against the unacknowledged set. The MessageType field is excluded:
// the delivered frame says "event" while the echoed ack frame says
// "ack", and the two must still identify the same event.
func (e Event) Identity() (string, error) {
	clone := e
	clone.MessageType = ""
	return HashJSON(clone)
}

// Tagged returns a copy of the event with the given message type set.
func (e Event) Tagged(messageType string) Event {
	clone := e
	clone.MessageType = messageType
	return clone
}

// Envelope is the minimal frame shape used to sniff the discriminator
// before full decoding.
type Envelope struct {
	MessageType string `json:"message_type"`
}

// ParseMessageType extracts the message_type discriminator from a raw
// frame. An empty result with nil error means the field was absent.
func ParseMessageType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.MessageType, nil
}
