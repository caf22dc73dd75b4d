package challenge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Params describes a challenge at construction time.
type Params struct {
	ID             string
	Kind           Kind
	Duration       Duration
	StartDate      time.Time
	Progress       int
	Goal           int
	Organization   Organization
	IsTopChallenge bool
	BettingAmount  int
}

// SelfChallenge is a challenge a user has joined, with live progress.
// Identity, schedule, goal and wager are fixed at construction; progress
// and state change through SetProgress and SetState.
type SelfChallenge struct {
	mu sync.RWMutex

	id             string
	kind           Kind
	duration       Duration
	startDate      time.Time
	goal           int
	organization   Organization
	isTopChallenge bool
	bettingAmount  int

	progress int
	state    State

	bus *Bus
}

// Snapshot is a point-in-time copy of a SelfChallenge.
type Snapshot struct {
	ID              string       `json:"challenge_id"`
	Kind            Kind         `json:"challenge_type"`
	Duration        Duration     `json:"duration"`
	DurationSeconds float64      `json:"duration_seconds"`
	StartDate       time.Time    `json:"start_date"`
	EndDate         time.Time    `json:"end_date"`
	Progress        int          `json:"progress"`
	Goal            int          `json:"goal"`
	BettingAmount   int          `json:"betting_amount"`
	Organization    Organization `json:"charity_organization"`
	IsTopChallenge  bool         `json:"is_top_challenge"`
	State           State        `json:"state"`
}

// New builds a challenge in the idle state and publishes the idle event.
func New(p Params, bus *Bus) *SelfChallenge {
	c := &SelfChallenge{
		id:             p.ID,
		kind:           p.Kind,
		duration:       p.Duration,
		startDate:      p.StartDate,
		goal:           p.Goal,
		organization:   p.Organization,
		isTopChallenge: p.IsTopChallenge,
		bettingAmount:  p.BettingAmount,
		progress:       p.Progress,
		state:          StateIdle,
		bus:            bus,
	}
	c.bus.Publish(Event{State: StateIdle, Challenge: c.Snapshot()})
	return c
}

// NewTopChallenge offers the organization's featured challenge starting at
// now under a fresh id.
func NewTopChallenge(org Organization, now time.Time, bus *Bus) *SelfChallenge {
	top := org.TopChallenge()
	return New(Params{
		ID:             uuid.New().String(),
		Kind:           top.Kind,
		Duration:       top.Duration,
		StartDate:      now,
		Progress:       top.Kind.BaseProgress(),
		Goal:           top.Goal,
		Organization:   org,
		IsTopChallenge: true,
		BettingAmount:  top.Bet,
	}, bus)
}

func (c *SelfChallenge) ID() string                 { return c.id }
func (c *SelfChallenge) Kind() Kind                 { return c.kind }
func (c *SelfChallenge) Duration() Duration         { return c.duration }
func (c *SelfChallenge) StartDate() time.Time       { return c.startDate }
func (c *SelfChallenge) Goal() int                  { return c.goal }
func (c *SelfChallenge) Organization() Organization { return c.organization }
func (c *SelfChallenge) IsTopChallenge() bool       { return c.isTopChallenge }
func (c *SelfChallenge) BettingAmount() int         { return c.bettingAmount }

// EndDate is always derived from the start date and duration.
func (c *SelfChallenge) EndDate() time.Time {
	return c.startDate.Add(c.duration.Length())
}

func (c *SelfChallenge) Progress() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func (c *SelfChallenge) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetProgress overwrites the local progress value. No clamping is applied.
func (c *SelfChallenge) SetProgress(v int) {
	c.mu.Lock()
	c.progress = v
	c.mu.Unlock()
}

// SetState assigns s and publishes exactly one event for it, also when s
// equals the current state.
func (c *SelfChallenge) SetState(s State) {
	c.mu.Lock()
	c.state = s
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(Event{State: s, Challenge: snap})
}

func (c *SelfChallenge) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *SelfChallenge) snapshotLocked() Snapshot {
	return Snapshot{
		ID:              c.id,
		Kind:            c.kind,
		Duration:        c.duration,
		DurationSeconds: c.duration.Seconds(),
		StartDate:       c.startDate,
		EndDate:         c.EndDate(),
		Progress:        c.progress,
		Goal:            c.goal,
		BettingAmount:   c.bettingAmount,
		Organization:    c.organization,
		IsTopChallenge:  c.isTopChallenge,
		State:           c.state,
	}
}
