package sync

import "fmt"

// Conflict resolution strategies.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyPriorityBased = "priority_based"
	StrategyManual        = "manual"
)

// ValidStrategy reports whether the configured strategy name is known.
func ValidStrategy(strategy string) bool {
	switch strategy {
	case StrategyLastWriteWins, StrategyPriorityBased, StrategyManual:
		return true
	}
	return false
}

// Decide determines whether an incoming change replaces the state last
// written by the mapping's owning source. Pure function; the caller
// persists the conflict record when the decision matters for audit.
//
// priority_based applies the change when the incoming source's priority is
// greater than or equal to the owner's, so a tie favors the incoming
// change. An unrecognized strategy falls back to last_write_wins; the
// caller logs the configuration warning.
func Decide(existingPriority, incomingPriority int, strategy string) (bool, string) {
	switch strategy {
	case StrategyLastWriteWins:
		return true, StrategyLastWriteWins
	case StrategyPriorityBased:
		if incomingPriority >= existingPriority {
			return true, fmt.Sprintf("priority_based: incoming priority %d >= existing priority %d", incomingPriority, existingPriority)
		}
		return false, fmt.Sprintf("priority_based: incoming priority %d < existing priority %d", incomingPriority, existingPriority)
	case StrategyManual:
		return false, "manual: change held for manual review"
	default:
		return true, "last_write_wins (default)"
	}
}
