package challenge

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBet                 = errors.New("invalid bet")
	ErrInvalidChallengeType       = errors.New("invalid challenge type")
	ErrInvalidCharityOrganization = errors.New("invalid charity organization")
	ErrInvalidDuration            = errors.New("invalid duration")
	ErrInvalidStartDate           = errors.New("invalid start date")
	ErrInvalidIsTopChallenge      = errors.New("invalid is top challenge")
	ErrInvalidProgress            = errors.New("invalid progress")
	ErrInvalidGoal                = errors.New("invalid goal")

	// ErrUpload is returned when a challenge cannot be posted because no
	// user is signed in.
	ErrUpload = errors.New("upload error: no authenticated user")
)

// ValidationError attributes a factory failure to a single record field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
