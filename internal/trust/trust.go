// Package trust derives a user's 0-100 reputation score from their rating
// history. Scores are pure functions of the rating set; nothing here is
// persisted, so the same inputs always produce the same score.
package trust

import "swapmarket/internal/models"

const (
	// NeutralScore is assigned to users with no ratings yet.
	NeutralScore = 50.0

	// ConfidenceThreshold is the rating count below which the score is
	// shrunk toward the neutral midpoint, so one glowing (or scathing)
	// review cannot produce an extreme score.
	ConfidenceThreshold = 5

	highTrustMin   = 80.0
	mediumTrustMin = 60.0
)

// Score computes a trust score in [0,100] from a set of ratings.
// The mean 1-5 score is scaled to 0-100, then shrunk toward 50 in proportion
// to how far the sample count falls short of ConfidenceThreshold.
func Score(ratings []models.Rating) float64 {
	n := len(ratings)
	if n == 0 {
		return NeutralScore
	}

	sum := 0
	for _, r := range ratings {
		sum += r.Score
	}
	mean := float64(sum) / float64(n)
	base := (mean - 1) / 4 * 100

	if n < ConfidenceThreshold {
		base = NeutralScore + (base-NeutralScore)*float64(n)/float64(ConfidenceThreshold)
	}

	if base < 0 {
		return 0
	}
	if base > 100 {
		return 100
	}
	return base
}

// Label maps a score to its display classification. Labels are derived at
// read time, never stored.
func Label(score float64) string {
	switch {
	case score >= highTrustMin:
		return "High Trust"
	case score >= mediumTrustMin:
		return "Medium Trust"
	default:
		return "Low Trust"
	}
}

// MeanRating returns the arithmetic mean of the raw 1-5 scores, or 0 for an
// empty set. Shown alongside the trust score on profiles.
func MeanRating(ratings []models.Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Score
	}
	return float64(sum) / float64(len(ratings))
}

// Badges returns the derived achievement labels for a user given their score
// and completed swap count.
func Badges(score float64, totalSwaps int, verified bool) []string {
	badges := []string{}
	if verified {
		badges = append(badges, "Verified")
	}
	if score >= highTrustMin {
		badges = append(badges, "Trusted Trader")
	}
	if totalSwaps >= 10 {
		badges = append(badges, "Power Swapper")
	} else if totalSwaps >= 1 {
		badges = append(badges, "First Swap")
	}
	return badges
}
