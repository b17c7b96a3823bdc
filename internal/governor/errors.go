package governor

import "fmt"

// SpawnDeniedError reports an admission refusal. It carries enough context
// for the caller to explain the denial to the operator without another read.
type SpawnDeniedError struct {
	OperatorID  string
	Tier        string
	ActiveCount int
	TierLimit   int
}

func (e *SpawnDeniedError) Error() string {
	if e.TierLimit == 0 {
		return fmt.Sprintf("operator %s: tier %s may not spawn agents", e.OperatorID, e.Tier)
	}
	return fmt.Sprintf("operator %s: %d active tasks at tier %s limit %d", e.OperatorID, e.ActiveCount, e.Tier, e.TierLimit)
}
