// Package health aggregates the activity samples reported by a user's
// device. Challenges turn these sums into progress.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Metric string

const (
	MetricActiveEnergyBurned Metric = "active_energy_burned"
	MetricStepCount          Metric = "step_count"
)

func (m Metric) Valid() bool {
	return m == MetricActiveEnergyBurned || m == MetricStepCount
}

// ErrNoSamples is returned when no sample starts inside the queried range.
var ErrNoSamples = errors.New("no health samples in range")

// Sample is one device measurement. Active energy is in kilocalories,
// steps are a count.
type Sample struct {
	ID        uuid.UUID `json:"id"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (s Sample) Validate() error {
	if !s.Metric.Valid() {
		return fmt.Errorf("unknown metric %q", s.Metric)
	}
	if s.Value < 0 {
		return fmt.Errorf("negative value %v", s.Value)
	}
	if s.StartTime.IsZero() || s.EndTime.Before(s.StartTime) {
		return fmt.Errorf("invalid sample interval")
	}
	return nil
}

// Provider sums samples of one metric whose start lies in [from, to).
type Provider interface {
	CumulativeSum(ctx context.Context, userID string, metric Metric, from, to time.Time) (float64, error)
}

// Recorder stores samples uploaded by a device.
type Recorder interface {
	RecordSamples(ctx context.Context, userID string, samples []Sample) error
}
