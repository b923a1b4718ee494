package fleet

// Capabilities are the flags that decide how a scale decision may be applied
// to the pool.
type Capabilities struct {
	DirectApply    bool
	ReviewRequired bool
	Frozen         bool
}

// ApplyRoute is the tagged outcome of routing a scale decision.
type ApplyRoute string

const (
	ApplyDirect     ApplyRoute = "APPLY_DIRECT"
	ApplyWithReview ApplyRoute = "APPLY_WITH_REVIEW"
	ApplyBlocked    ApplyRoute = "APPLY_BLOCKED"
)

// Route maps capability flags to an apply route. Frozen wins over everything;
// a review requirement wins over direct apply; absent any grant the decision
// is blocked.
func Route(caps Capabilities) ApplyRoute {
	switch {
	case caps.Frozen:
		return ApplyBlocked
	case caps.ReviewRequired:
		return ApplyWithReview
	case caps.DirectApply:
		return ApplyDirect
	default:
		return ApplyBlocked
	}
}
