package mining

import (
	"time"

	"go.uber.org/zap"

	"waveminer/internal/domain"
	"waveminer/internal/service/spatial"
)

// Retargeter watches for repeated "cannot fulfill" extraction failures and,
// at the threshold, picks a replacement source sharing frequency overlap
// with the current profile. The controller owns command sequencing; the
// retargeter owns counting and target selection.
type Retargeter struct {
	log       *zap.Logger
	query     *spatial.Query
	threshold int
	delay     time.Duration

	failures int
}

func NewRetargeter(log *zap.Logger, query *spatial.Query, threshold int, delay time.Duration) *Retargeter {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Retargeter{log: log, query: query, threshold: threshold, delay: delay}
}

// OnCannotFulfill records one consecutive failure and reports whether the
// threshold was reached. Reaching it clears the counter, so firing again
// requires a full new run of failures.
func (r *Retargeter) OnCannotFulfill() bool {
	r.failures++
	r.log.Debug("extraction cannot be fulfilled",
		zap.Int("consecutive_failures", r.failures),
		zap.Int("threshold", r.threshold))
	if r.failures < r.threshold {
		return false
	}
	r.failures = 0
	return true
}

// Reset zeroes the consecutive-failure counter. Invoked on any successful
// extraction confirmation and on every new session creation.
func (r *Retargeter) Reset() {
	r.failures = 0
}

// Failures returns the current consecutive-failure count.
func (r *Retargeter) Failures() int {
	return r.failures
}

// SwitchDelay is the fixed pause between the stop command for the old
// session and the start command for the new one. The store does not
// arbitrate a same-actor start racing an in-flight teardown; the delay is a
// pragmatic mitigation, not a guarantee.
func (r *Retargeter) SwitchDelay() time.Duration {
	return r.delay
}

// FindAlternative returns the nearest in-range, non-depleted source whose
// composition overlaps the profile within tolerance, excluding the current
// target.
func (r *Retargeter) FindAlternative(pos domain.Vec3, profile []domain.FrequencyCount, currentSource uint64) (domain.ResourceSource, bool) {
	return r.query.FindCompatible(pos, profile, currentSource)
}
