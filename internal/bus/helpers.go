package bus

import (
	"encoding/json"
	"log/slog"
)

// levelTrace mirrors config.LevelTrace for wire-level forensics.
const levelTrace = slog.Level(-8)

func marshalMessage(message any) ([]byte, error) {
	return json.Marshal(message)
}
