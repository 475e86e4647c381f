package mining

import "strings"

// FailureClass buckets remote command failure reasons into the handling
// strategies the controller knows. The store reports reasons as free text,
// so classification is substring-based.
type FailureClass int

const (
	FailureUnclassified FailureClass = iota
	FailureCooldown
	FailureDepleted
	FailureCannotFulfill
	FailureInventoryFull
)

func (c FailureClass) String() string {
	switch c {
	case FailureCooldown:
		return "cooldown"
	case FailureDepleted:
		return "depleted"
	case FailureCannotFulfill:
		return "cannot_fulfill"
	case FailureInventoryFull:
		return "inventory_full"
	default:
		return "unclassified"
	}
}

// ClassifyExtractionFailure maps a RequestExtraction failure reason.
// Cooldown is steady-state noise; depleted or vanished sources end the
// session; "Cannot fulfill" feeds the retargeting counter.
func ClassifyExtractionFailure(reason string) FailureClass {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "cooldown"):
		return FailureCooldown
	case strings.Contains(lower, "depleted"), strings.Contains(lower, "no longer exists"):
		return FailureDepleted
	case strings.Contains(lower, "cannot fulfill"):
		return FailureCannotFulfill
	default:
		return FailureUnclassified
	}
}

// ClassifyCaptureFailure maps a CaptureUnit failure reason. Only a full
// inventory changes controller state; everything else is logged and the
// record's delete notification cleans up tracking regardless.
func ClassifyCaptureFailure(reason string) FailureClass {
	if strings.Contains(strings.ToLower(reason), "inventory full") {
		return FailureInventoryFull
	}
	return FailureUnclassified
}
