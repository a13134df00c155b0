// Package model defines the core domain types for GoKarma.
package model

// Karma adjustments applied to every winner and loser of a settled post.
const (
	KarmaWin  int64 = 10
	KarmaLoss int64 = -10
)

// StreakOp selects how BulkAdjustKarma changes the streak of each user.
type StreakOp int

const (
	StreakIncrement StreakOp = iota // winner: streak + 1
	StreakReset                     // loser: streak = 0
)

func (op StreakOp) String() string {
	switch op {
	case StreakIncrement:
		return "increment"
	case StreakReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Session represents a live connection registered with the hub (in-memory only).
type Session struct {
	ID string
}
