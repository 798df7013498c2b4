package pool

import (
	"time"

	"arcaded/models"
)

// Cooldown is the minimum gap between claims.
const Cooldown = 24 * time.Hour

// StreakWindow is the widest gap that still continues a streak.
const StreakWindow = 48 * time.Hour

// AdvanceStreak computes the streak value a claim at the given instant earns.
// No prior claim starts at 1; a gap within the window continues the streak;
// a missed day resets it. Gaps under the cooldown are unreachable here
// because CanClaim gates them first.
func AdvanceStreak(prev *models.ClaimState, at time.Time) int {
	if prev == nil {
		return 1
	}
	gap := at.Sub(prev.LastClaimAt)
	if gap <= StreakWindow {
		return prev.Streak + 1
	}
	return 1
}

// MaxClaimable maps a streak to its reward tier in quarters.
func MaxClaimable(streak int) int64 {
	switch {
	case streak >= 4:
		return 4
	case streak >= 2:
		return 2
	default:
		return 1
	}
}

// NextClaimTime returns when a wallet that last claimed at lastClaim becomes
// eligible again: the first UTC midnight strictly after the cooldown
// boundary.
func NextClaimTime(lastClaim time.Time) time.Time {
	boundary := lastClaim.Add(Cooldown).UTC()
	midnight := time.Date(boundary.Year(), boundary.Month(), boundary.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}
