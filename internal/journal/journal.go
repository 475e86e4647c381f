package journal

import "time"

// Entry is one protocol event worth auditing: a command issued, a
// notification applied, a state transition taken.
type Entry struct {
	ID     string         `json:"id"`
	Time   time.Time      `json:"time"`
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Journal records the protocol audit trail. Implementations must tolerate
// being called from the runtime loop without blocking it meaningfully.
type Journal interface {
	Append(kind string, detail map[string]any) Entry
	Tail(limit int) []Entry
}
