package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"beneFitterAPI/internal/auth"
	"beneFitterAPI/internal/challenge"
	"beneFitterAPI/internal/health"
	"beneFitterAPI/internal/store"

	"golang.org/x/sync/errgroup"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrHealthUnavailable = errors.New("health data is not configured")
	ErrNotJoined         = errors.New("challenge is not joined or already settled")
)

// fetchConcurrency bounds the per-challenge record reads of one fetch.
const fetchConcurrency = 8

// JoinResult describes a completed join. OrganizationInfoErr holds the
// outcome of the organization info write, which does not decide whether the
// join succeeded.
type JoinResult struct {
	ChallengeID         string
	UserID              string
	OrganizationInfoErr error
}

// ChallengeService owns every live SelfChallenge. There is one instance per
// challenge id; all mutation goes through the service.
type ChallengeService struct {
	store  store.Store
	auth   auth.Provider
	health health.Provider
	bus    *challenge.Bus
	now    func() time.Time

	mu         sync.RWMutex
	challenges map[string]*challenge.SelfChallenge
	owners     map[string]string
	joined     map[string]bool
	// offers maps a user to the top challenge offered but not yet joined.
	offers map[string]string
	// topJoins holds one channel per user with a top challenge join in
	// flight; it is closed when that join returns.
	topJoins map[string]chan struct{}
}

// NewChallengeService wires the collaborators. hp may be nil, in which case
// RefreshProgress fails with ErrHealthUnavailable.
func NewChallengeService(st store.Store, ap auth.Provider, hp health.Provider, bus *challenge.Bus) *ChallengeService {
	if bus == nil {
		bus = challenge.NewBus()
	}
	countStateEvents(bus)

	return &ChallengeService{
		store:      st,
		auth:       ap,
		health:     hp,
		bus:        bus,
		now:        time.Now,
		challenges: make(map[string]*challenge.SelfChallenge),
		owners:     make(map[string]string),
		joined:     make(map[string]bool),
		offers:     make(map[string]string),
		topJoins:   make(map[string]chan struct{}),
	}
}

func (s *ChallengeService) Bus() *challenge.Bus {
	return s.bus
}

// Track registers c. If a challenge with the same id is already tracked that
// instance is returned and c is discarded.
func (s *ChallengeService) Track(c *challenge.SelfChallenge) *challenge.SelfChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackLocked(c)
}

func (s *ChallengeService) trackLocked(c *challenge.SelfChallenge) *challenge.SelfChallenge {
	if existing, ok := s.challenges[c.ID()]; ok {
		return existing
	}
	s.challenges[c.ID()] = c
	return c
}

func (s *ChallengeService) Get(id string) (*challenge.SelfChallenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	return c, ok
}

// adopt tracks a challenge read back from the user's active index. A
// challenge whose window has already closed is returned untracked.
func (s *ChallengeService) adopt(uid string, c *challenge.SelfChallenge) *challenge.SelfChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.challenges[c.ID()]; ok {
		return existing
	}
	if !s.now().Before(c.EndDate()) {
		return c
	}
	s.markJoinedLocked(uid, s.trackLocked(c))
	return c
}

func (s *ChallengeService) markJoinedLocked(uid string, c *challenge.SelfChallenge) {
	id := c.ID()
	s.owners[id] = uid
	s.joined[id] = true
	if s.offers[uid] == id {
		delete(s.offers, uid)
	}
}

// untrack forgets a settled challenge.
func (s *ChallengeService) untrack(c *challenge.SelfChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.ID()
	if s.challenges[id] != c {
		return
	}
	uid := s.owners[id]
	delete(s.challenges, id)
	delete(s.owners, id)
	delete(s.joined, id)
	if s.offers[uid] == id {
		delete(s.offers, uid)
	}
}

func (s *ChallengeService) requireJoined(c *challenge.SelfChallenge) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.challenges[c.ID()] != c || !s.joined[c.ID()] {
		return ErrNotJoined
	}
	return nil
}

// OfferTopChallenge returns the organization's featured challenge for the
// current user. A pending offer is reused until it is joined.
func (s *ChallengeService) OfferTopChallenge(ctx context.Context, org challenge.Organization) *challenge.SelfChallenge {
	uid, hasUser := s.auth.CurrentUserID(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if hasUser {
		if id, ok := s.offers[uid]; ok {
			if c, ok := s.challenges[id]; ok && c.Organization() == org && !s.joined[id] {
				return c
			}
		}
	}

	c := s.trackLocked(challenge.NewTopChallenge(org, s.now(), s.bus))
	if hasUser {
		s.owners[c.ID()] = uid
		s.offers[uid] = c.ID()
	}
	return c
}

// Join persists c for the current user: the challenge record, the user's
// active index, then the organization info and the organization's active
// index concurrently. The join succeeds when the organization index write
// does; a failing organization info write is reported on the result only.
// Nothing is rolled back.
func (s *ChallengeService) Join(ctx context.Context, c *challenge.SelfChallenge) (*JoinResult, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		challengeJoinsTotal.WithLabelValues("unauthenticated").Inc()
		return nil, challenge.ErrUpload
	}

	c = s.Track(c)
	id := c.ID()
	org := c.Organization()

	if err := s.store.Update(ctx, challenge.ChallengePath(id), challenge.Record(c)); err != nil {
		challengeJoinsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write challenge record: %w", err)
	}

	if err := s.store.Update(ctx, challenge.UserActiveChallengesPath(uid), map[string]any{id: 1}); err != nil {
		challengeJoinsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write user active challenges: %w", err)
	}

	var (
		wg        sync.WaitGroup
		infoErr   error
		activeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		infoErr = s.store.Update(ctx, challenge.OrganizationInfoPath(org), challenge.OrganizationRecord(org))
	}()
	go func() {
		defer wg.Done()
		activeErr = s.store.Update(ctx, challenge.OrganizationActiveChallengesPath(org), map[string]any{id: "1"})
	}()
	wg.Wait()

	if infoErr != nil {
		slog.Warn("organization info write failed, join continues",
			"challenge_id", id, "organization", org.ID(), "error", infoErr)
	}
	if activeErr != nil {
		challengeJoinsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write organization active challenges: %w", activeErr)
	}

	s.mu.Lock()
	s.markJoinedLocked(uid, c)
	s.mu.Unlock()

	challengeJoinsTotal.WithLabelValues("success").Inc()
	slog.Info("challenge joined", "challenge_id", id, "user_id", uid, "organization", org.ID())
	c.SetState(challenge.StateDidEnter)

	return &JoinResult{ChallengeID: id, UserID: uid, OrganizationInfoErr: infoErr}, nil
}

// UpdateProgress overwrites the local progress of a joined challenge and
// writes it to the store. The local value is kept when the write fails.
func (s *ChallengeService) UpdateProgress(ctx context.Context, c *challenge.SelfChallenge, v int) error {
	if err := s.requireJoined(c); err != nil {
		return err
	}
	return s.writeProgress(ctx, c, v)
}

func (s *ChallengeService) writeProgress(ctx context.Context, c *challenge.SelfChallenge, v int) error {
	c.SetProgress(v)
	err := s.store.Set(ctx, challenge.ProgressPath(c.ID()), v)
	challengeProgressUpdatesTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

// FetchActiveChallenges reads the user's active index and then every listed
// record. fn is called once per id as its read completes, possibly from
// several goroutines at once and in no particular order. Only the index read
// error is returned.
func (s *ChallengeService) FetchActiveChallenges(ctx context.Context, uid string, fn func(id string, c *challenge.SelfChallenge, err error)) error {
	var index map[string]any
	if err := s.store.Get(ctx, challenge.UserActiveChallengesPath(uid), &index); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read active challenges: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for id := range index {
		g.Go(func() error {
			c, err := s.load(ctx, uid, id)
			fn(id, c, err)
			return nil
		})
	}
	return g.Wait()
}

func (s *ChallengeService) load(ctx context.Context, uid, id string) (*challenge.SelfChallenge, error) {
	var fields map[string]any
	if err := s.store.Get(ctx, challenge.ChallengePath(id), &fields); err != nil {
		return nil, fmt.Errorf("read challenge %s: %w", id, err)
	}
	c, err := challenge.Parse(id, fields, s.bus)
	if err != nil {
		return nil, fmt.Errorf("parse challenge %s: %w", id, err)
	}
	return s.adopt(uid, c), nil
}

// ChallengeForUser returns the challenge with id if it belongs to the
// current user, loading it from the store when it is not tracked yet.
func (s *ChallengeService) ChallengeForUser(ctx context.Context, id string) (*challenge.SelfChallenge, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return nil, challenge.ErrUpload
	}

	s.mu.RLock()
	c, tracked := s.challenges[id]
	owner := s.owners[id]
	s.mu.RUnlock()

	if tracked {
		if owner != uid {
			return nil, ErrChallengeNotFound
		}
		return c, nil
	}

	var index map[string]any
	if err := s.store.Get(ctx, challenge.UserActiveChallengesPath(uid), &index); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("read active challenges: %w", err)
	}
	if _, ok := index[id]; !ok {
		return nil, ErrChallengeNotFound
	}
	return s.load(ctx, uid, id)
}

// FindTopChallenge returns the user's running top challenge, or nil when
// the user has not joined one.
func (s *ChallengeService) FindTopChallenge(ctx context.Context, uid string) (*challenge.SelfChallenge, error) {
	now := s.now()

	s.mu.RLock()
	for id, c := range s.challenges {
		if s.owners[id] == uid && s.joined[id] && c.IsTopChallenge() && now.Before(c.EndDate()) {
			s.mu.RUnlock()
			return c, nil
		}
	}
	s.mu.RUnlock()

	var (
		mu    sync.Mutex
		found *challenge.SelfChallenge
	)
	err := s.FetchActiveChallenges(ctx, uid, func(id string, c *challenge.SelfChallenge, err error) {
		if err != nil {
			slog.Warn("skipping unreadable challenge", "challenge_id", id, "user_id", uid, "error", err)
			return
		}
		if !c.IsTopChallenge() || !now.Before(c.EndDate()) {
			return
		}
		mu.Lock()
		if found == nil {
			found = c
		}
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// TopChallenge returns the featured challenge for the current user: the
// running one in state alreadyEntered, or an offer in state hasNotEntered.
func (s *ChallengeService) TopChallenge(ctx context.Context, org challenge.Organization) (*challenge.SelfChallenge, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return nil, challenge.ErrUpload
	}

	found, err := s.FindTopChallenge(ctx, uid)
	if err != nil {
		return nil, err
	}
	if found != nil {
		found.SetState(challenge.StateAlreadyEntered)
		return found, nil
	}

	offer := s.OfferTopChallenge(ctx, org)
	offer.SetState(challenge.StateHasNotEntered)
	return offer, nil
}

// JoinTopChallenge joins the organization's featured challenge. When the
// user already runs one it is returned in state alreadyEntered with a nil
// JoinResult.
func (s *ChallengeService) JoinTopChallenge(ctx context.Context, org challenge.Organization) (*challenge.SelfChallenge, *JoinResult, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return nil, nil, challenge.ErrUpload
	}

	release, err := s.lockTopJoin(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	found, err := s.FindTopChallenge(ctx, uid)
	if err != nil {
		return nil, nil, err
	}
	if found != nil {
		found.SetState(challenge.StateAlreadyEntered)
		return found, nil, nil
	}

	c := s.OfferTopChallenge(ctx, org)
	res, err := s.Join(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return c, res, nil
}

// lockTopJoin serializes top challenge joins of one user. Later callers
// wait for the join in flight and then see its outcome.
func (s *ChallengeService) lockTopJoin(ctx context.Context, uid string) (func(), error) {
	for {
		s.mu.Lock()
		inFlight, busy := s.topJoins[uid]
		if !busy {
			done := make(chan struct{})
			s.topJoins[uid] = done
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.topJoins, uid)
				s.mu.Unlock()
				close(done)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-inFlight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RefreshProgress replaces the progress of a joined challenge with the
// health sum for its metric over its whole window, then marks it finished
// once the window has closed. A finished challenge is no longer tracked.
func (s *ChallengeService) RefreshProgress(ctx context.Context, c *challenge.SelfChallenge) error {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return challenge.ErrUpload
	}
	if err := s.requireJoined(c); err != nil {
		return err
	}
	if s.health == nil {
		return ErrHealthUnavailable
	}
	return s.refresh(ctx, uid, c)
}

func (s *ChallengeService) refresh(ctx context.Context, uid string, c *challenge.SelfChallenge) error {
	sum, err := s.health.CumulativeSum(ctx, uid, health.Metric(c.Kind().Metric()), c.StartDate(), c.EndDate())
	if err != nil && !errors.Is(err, health.ErrNoSamples) {
		return fmt.Errorf("query health data: %w", err)
	}

	if err := s.writeProgress(ctx, c, int(sum)); err != nil {
		return err
	}

	if s.now().Before(c.EndDate()) {
		c.SetState(challenge.StateDidUpdateProgress)
		return nil
	}
	c.SetState(challenge.StateDidFinish)
	s.untrack(c)
	return nil
}

// FinishExpired settles every joined challenge whose window has closed,
// pulling final progress when health data is available, and stops tracking
// it. It returns how many challenges were settled.
func (s *ChallengeService) FinishExpired(ctx context.Context) int {
	type due struct {
		c   *challenge.SelfChallenge
		uid string
	}

	now := s.now()
	var pending []due
	s.mu.RLock()
	for id, c := range s.challenges {
		if s.joined[id] && !now.Before(c.EndDate()) && c.State() != challenge.StateDidFinish {
			pending = append(pending, due{c: c, uid: s.owners[id]})
		}
	}
	s.mu.RUnlock()

	settled := 0
	for _, d := range pending {
		if s.health == nil {
			d.c.SetState(challenge.StateDidFinish)
			s.untrack(d.c)
			settled++
			continue
		}
		if err := s.refresh(ctx, d.uid, d.c); err != nil {
			slog.Warn("could not settle expired challenge", "challenge_id", d.c.ID(), "user_id", d.uid, "error", err)
			continue
		}
		settled++
	}
	return settled
}

// RemainingTime is the time left until the challenge ends, never negative.
func (s *ChallengeService) RemainingTime(c *challenge.SelfChallenge, now time.Time) time.Duration {
	left := c.EndDate().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
