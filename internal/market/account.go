package market

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/spigell/service-exchange/internal/reputation"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 20
)

// Account is a registered participant. Buyers and providers share the same shape.
type Account struct {
	Username      string `json:"username"`
	PasswordHash  string `json:"password_hash"`
	CreatedOn     int64  `json:"created_on"`
	Stars         int    `json:"stars"`
	TotalRatings  int    `json:"total_ratings"`
	CompletedJobs int    `json:"completed_jobs"`
}

// AccountInfo is the public view of an account.
type AccountInfo struct {
	Username        string  `json:"username"`
	CreatedOn       int64   `json:"created_on"`
	Stars           float64 `json:"stars"`
	TotalRatings    int     `json:"total_ratings"`
	CompletedJobs   int     `json:"completed_jobs"`
	ReputationScore float64 `json:"reputation_score"`
}

// Reputation returns the confidence-weighted reputation of the account.
func (a *Account) Reputation() float64 {
	return reputation.Score(a.Stars, a.TotalRatings)
}

// Info returns the public view with the average rating rounded to two places.
func (a *Account) Info() *AccountInfo {
	return &AccountInfo{
		Username:        a.Username,
		CreatedOn:       a.CreatedOn,
		Stars:           Round2(reputation.Average(a.Stars, a.TotalRatings)),
		TotalRatings:    a.TotalRatings,
		CompletedJobs:   a.CompletedJobs,
		ReputationScore: a.Reputation(),
	}
}

// ValidateUsername checks the length constraints on a username.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return Errorf(KindBadInput, "username is required")
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return Errorf(KindBadInput, "username must be %d-%d characters", MinUsernameLength, MaxUsernameLength)
	}
	return nil
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
