package governor

// Operator tiers, lowest to highest trust.
const (
	TierObserver    = "observer"
	TierParticipant = "participant"
	TierBuilder     = "builder"
	TierArchitect   = "architect"
	TierSovereign   = "sovereign"
)

// DefaultTierLimits maps each tier to its maximum concurrent active tasks.
// Zero means the tier may never spawn.
func DefaultTierLimits() map[string]int {
	return map[string]int{
		TierObserver:    0,
		TierParticipant: 0,
		TierBuilder:     1,
		TierArchitect:   3,
		TierSovereign:   10,
	}
}
