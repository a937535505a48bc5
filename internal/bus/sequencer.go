package bus

import "github.com/nugget/stickybus/internal/schema"

// sequenceStatus is the outcome of sequencing one incoming value.
type sequenceStatus int

const (
	sequenceAccepted sequenceStatus = iota
	sequenceInconsistent
)

// sequence validates or assigns the consistency value for one key.
// Implicit values take the next available number. Explicit values are
// accepted only when they are exactly the next expected number;
// anything else is inconsistent and leaves the map untouched.
//
// On acceptance the whole map is persisted. A persistence failure is
// logged but does not fail the event: the in-memory map stays
// authoritative for the life of the process, and downstream consumers
// tolerate a replayed value after a restart.
func (b *Bus) sequence(key schema.ConsistencyKey, incoming schema.ConsistencyValue) (uint32, sequenceStatus) {
	current, seen := b.consistency[key]

	var next uint32
	if seen {
		next = current + 1
	}

	if !incoming.Implicit && incoming.Seq != next {
		b.logger.Info("rejecting out-of-order consistency value",
			"consistency_key", key,
			"offered", incoming.Seq,
			"expected", next,
		)
		return incoming.Seq, sequenceInconsistent
	}

	b.consistency[key] = next
	if err := b.gw.SaveConsistency(b.consistency); err != nil {
		b.logger.Warn("failed to persist consistency map", "error", err)
	}
	return next, sequenceAccepted
}
