package feed

import (
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// Merge applies a delta document onto accumulated state, in place, and
// returns the result. Wire semantics, per key:
//
//   - null deletes the entry (part of the protocol; never dropped silently)
//   - a sequence replaces wholesale
//   - a sub-mapping merges recursively
//   - a scalar replaces
//
// Applying a delta equal to the current state is a no-op, which keeps
// repeated snapshots idempotent.
func Merge(state, delta sportsdata.Payload) sportsdata.Payload {
	if state == nil {
		state = sportsdata.Payload{}
	}
	for key, val := range delta {
		switch v := val.(type) {
		case nil:
			delete(state, key)
		case map[string]any:
			existing := sportsdata.AsMap(state[key])
			if existing == nil {
				state[key] = Merge(sportsdata.Payload{}, v)
			} else {
				state[key] = Merge(existing, v)
			}
		default:
			// Sequences and scalars replace.
			state[key] = val
		}
	}
	return state
}
