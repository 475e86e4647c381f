package mining

import (
	"time"

	"waveminer/internal/domain"
)

// Builder converts the session's consumption profile into discrete
// extraction requests on a fixed cadence. One pulse per interval, one
// request per distinct frequency, count fixed at 1 per pulse.
type Builder struct {
	interval time.Duration
	elapsed  time.Duration
}

func NewBuilder(interval time.Duration) *Builder {
	return &Builder{interval: interval}
}

// Tick accumulates elapsed time and reports whether a pulse is due. The
// elapsed timer resets whenever a pulse fires, even if the caller then finds
// nothing to request; a missing profile is retried on the next pulse, not
// immediately.
func (b *Builder) Tick(dt time.Duration) bool {
	b.elapsed += dt
	if b.elapsed < b.interval {
		return false
	}
	b.elapsed = 0
	return true
}

// Reset clears the cadence timer. Called on entry to Active.
func (b *Builder) Reset() {
	b.elapsed = 0
}

// BuildRequests produces one request per distinct frequency in the profile,
// each with count 1, regardless of the profile's own counts. Duplicate
// frequencies (within tolerance) collapse to a single request.
func BuildRequests(profile []domain.FrequencyCount) []domain.ExtractionRequest {
	if len(profile) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(profile))
	out := make([]domain.ExtractionRequest, 0, len(profile))
	for _, fc := range profile {
		key := domain.FreqKey(fc.Frequency)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.ExtractionRequest{Frequency: fc.Frequency, Count: 1})
	}
	return out
}
