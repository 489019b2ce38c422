package reputation

import "math"

const (
	// Neutral is the score of an account that has never been rated.
	Neutral = 2.5
	// ConfidentRatings is the number of ratings after which the raw average is trusted as is.
	ConfidentRatings = 10
)

// Score returns the confidence-weighted reputation for an account holding the
// given star sum over totalRatings ratings. Low sample sizes are pulled towards
// Neutral so that a single extreme rating cannot dominate.
func Score(stars, totalRatings int) float64 {
	if totalRatings <= 0 {
		return Neutral
	}

	avg := float64(stars) / float64(totalRatings)
	confidence := math.Min(float64(totalRatings)/ConfidentRatings, 1)

	return avg*confidence + Neutral*(1-confidence)
}

// Average returns the plain average rating, or 0 when there are no ratings.
func Average(stars, totalRatings int) float64 {
	if totalRatings <= 0 {
		return 0
	}
	return float64(stars) / float64(totalRatings)
}
