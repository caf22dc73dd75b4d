package challenge

import (
	"encoding/json"
	"math"
	"time"
)

// StartDateLayout is the timestamp layout the factory accepts for start_date.
const StartDateLayout = "2006-01-02 15:04:05 -0700"

// Parse validates a raw challenge record fetched from the store. Fields are
// checked in a fixed order and the first invalid one decides the error.
func Parse(id string, fields map[string]any, bus *Bus) (*SelfChallenge, error) {
	bet, ok := intValue(fields["betting_amount"])
	if !ok {
		return nil, &ValidationError{Field: "betting_amount", Err: ErrInvalidBet}
	}

	kindToken, ok := fields["challenge_type"].(string)
	if !ok {
		return nil, &ValidationError{Field: "challenge_type", Err: ErrInvalidChallengeType}
	}
	kind, ok := ParseKind(kindToken)
	if !ok {
		return nil, &ValidationError{Field: "challenge_type", Err: ErrInvalidChallengeType}
	}

	orgToken, ok := fields["charity_organization"].(string)
	if !ok {
		return nil, &ValidationError{Field: "charity_organization", Err: ErrInvalidCharityOrganization}
	}
	org, ok := ParseOrganization(orgToken)
	if !ok {
		return nil, &ValidationError{Field: "charity_organization", Err: ErrInvalidCharityOrganization}
	}

	seconds, ok := floatValue(fields["duration_seconds"])
	if !ok {
		return nil, &ValidationError{Field: "duration_seconds", Err: ErrInvalidDuration}
	}
	duration, ok := DurationFromSeconds(seconds)
	if !ok {
		return nil, &ValidationError{Field: "duration_seconds", Err: ErrInvalidDuration}
	}

	startToken, ok := fields["start_date"].(string)
	if !ok {
		return nil, &ValidationError{Field: "start_date", Err: ErrInvalidStartDate}
	}
	start, err := time.Parse(StartDateLayout, startToken)
	if err != nil {
		return nil, &ValidationError{Field: "start_date", Err: ErrInvalidStartDate}
	}

	isTop, ok := fields["is_top_challenge"].(bool)
	if !ok {
		return nil, &ValidationError{Field: "is_top_challenge", Err: ErrInvalidIsTopChallenge}
	}

	progress, ok := intValue(fields["progress"])
	if !ok {
		return nil, &ValidationError{Field: "progress", Err: ErrInvalidProgress}
	}

	goal, ok := intValue(fields["goal"])
	if !ok {
		return nil, &ValidationError{Field: "goal", Err: ErrInvalidGoal}
	}

	return New(Params{
		ID:             id,
		Kind:           kind,
		Duration:       duration,
		StartDate:      start,
		Progress:       progress,
		Goal:           goal,
		Organization:   org,
		IsTopChallenge: isTop,
		BettingAmount:  bet,
	}, bus), nil
}

// intValue accepts Go integers and integral floats; decoded JSON numbers
// arrive as float64.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return integral(n)
	case float32:
		return integral(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return integral(f)
		}
	}
	return 0, false
}

func integral(f float64) (int, bool) {
	if math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int(f), true
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
