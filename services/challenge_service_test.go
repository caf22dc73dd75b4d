package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"beneFitterAPI/internal/auth"
	"beneFitterAPI/internal/challenge"
	"beneFitterAPI/internal/health"
	"beneFitterAPI/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected store failure")

// failingStore wraps a MemoryStore, records every attempted write and fails
// the paths it is told to.
type failingStore struct {
	*store.MemoryStore

	mu        sync.Mutex
	attempted []string
	failWrite map[string]error
	failRead  map[string]error
}

func newFailingStore() *failingStore {
	return &failingStore{
		MemoryStore: store.NewMemoryStore(),
		failWrite:   make(map[string]error),
		failRead:    make(map[string]error),
	}
}

func (f *failingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	f.mu.Lock()
	f.attempted = append(f.attempted, path)
	err := f.failWrite[path]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Update(ctx, path, fields)
}

func (f *failingStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	f.attempted = append(f.attempted, path)
	err := f.failWrite[path]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Set(ctx, path, value)
}

func (f *failingStore) Get(ctx context.Context, path string, dest any) error {
	f.mu.Lock()
	err := f.failRead[path]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Get(ctx, path, dest)
}

func (f *failingStore) Attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempted...)
}

type fakeHealth struct {
	sum    float64
	err    error
	metric health.Metric
	from   time.Time
	to     time.Time
	userID string
}

func (h *fakeHealth) CumulativeSum(_ context.Context, userID string, metric health.Metric, from, to time.Time) (float64, error) {
	h.userID, h.metric, h.from, h.to = userID, metric, from, to
	return h.sum, h.err
}

type recorder struct {
	mu     sync.Mutex
	states []challenge.State
}

func record(bus *challenge.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e challenge.Event) {
		r.mu.Lock()
		r.states = append(r.states, e.State)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) States() []challenge.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]challenge.State(nil), r.states...)
}

const testUser = "user_2abc"

func userCtx() context.Context {
	return auth.WithUserID(context.Background(), testUser)
}

func newTestService(st store.Store, hp health.Provider) (*ChallengeService, *challenge.Bus) {
	bus := challenge.NewBus()
	return NewChallengeService(st, auth.ContextProvider{}, hp, bus), bus
}

func storedRecord(start time.Time, top bool) map[string]any {
	return map[string]any{
		"betting_amount":       20,
		"challenge_type":       "mostCaloriesBurnt",
		"charity_organization": "hjartOchLungFonden",
		"duration_seconds":     86400.0,
		"start_date":           start.Format(challenge.StartDateLayout),
		"is_top_challenge":     top,
		"progress":             0,
		"goal":                 500,
	}
}

func seed(t *testing.T, st store.Store, uid, id string, rec map[string]any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, challenge.ChallengePath(id), rec))
	require.NoError(t, st.Update(ctx, challenge.UserActiveChallengesPath(uid), map[string]any{id: 1}))
}

func offered(bus *challenge.Bus) *challenge.SelfChallenge {
	return challenge.NewTopChallenge(challenge.OrganizationHjartOchLungFonden, time.Now(), bus)
}

// joinedBy registers c as joined by uid without touching the store.
func joinedBy(svc *ChallengeService, uid string, c *challenge.SelfChallenge) *challenge.SelfChallenge {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	c = svc.trackLocked(c)
	svc.markJoinedLocked(uid, c)
	return c
}

func TestJoin_NoUserWritesNothing(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	events := record(bus)
	c := offered(bus)

	before := testutil.ToFloat64(challengeJoinsTotal.WithLabelValues("unauthenticated"))

	res, err := svc.Join(context.Background(), c)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, challenge.ErrUpload)
	assert.Empty(t, st.Attempted())
	assert.Equal(t, challenge.StateIdle, c.State())
	assert.Empty(t, events.States())
	assert.Equal(t, before+1, testutil.ToFloat64(challengeJoinsTotal.WithLabelValues("unauthenticated")))
}

func TestJoin_WritesAllRecords(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	c := offered(bus)
	events := record(bus)
	org := c.Organization()

	res, err := svc.Join(userCtx(), c)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), res.ChallengeID)
	assert.Equal(t, testUser, res.UserID)
	assert.NoError(t, res.OrganizationInfoErr)

	attempted := st.Attempted()
	require.Len(t, attempted, 4)
	assert.Equal(t, challenge.ChallengePath(c.ID()), attempted[0])
	assert.Equal(t, challenge.UserActiveChallengesPath(testUser), attempted[1])
	assert.ElementsMatch(t, []string{
		challenge.OrganizationInfoPath(org),
		challenge.OrganizationActiveChallengesPath(org),
	}, attempted[2:])

	ctx := context.Background()
	var userIndex map[string]any
	require.NoError(t, st.Get(ctx, challenge.UserActiveChallengesPath(testUser), &userIndex))
	assert.Equal(t, map[string]any{c.ID(): float64(1)}, userIndex)

	var orgIndex map[string]any
	require.NoError(t, st.Get(ctx, challenge.OrganizationActiveChallengesPath(org), &orgIndex))
	assert.Equal(t, map[string]any{c.ID(): "1"}, orgIndex)

	var info map[string]any
	require.NoError(t, st.Get(ctx, challenge.OrganizationInfoPath(org), &info))
	assert.Equal(t, "Hjärt- & Lungfonden", info["organization_name"])

	var rec map[string]any
	require.NoError(t, st.Get(ctx, challenge.ChallengePath(c.ID()), &rec))
	assert.Equal(t, float64(86400), rec["duration_seconds"])
	assert.Equal(t, true, rec["is_top_challenge"])

	assert.Equal(t, challenge.StateDidEnter, c.State())
	assert.Equal(t, []challenge.State{challenge.StateDidEnter}, events.States())

	got, ok := svc.Get(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestJoin_StopsAtFirstFailedWrite(t *testing.T) {
	tests := []struct {
		name      string
		failPath  func(c *challenge.SelfChallenge) string
		attempted int
	}{
		{"challenge record", func(c *challenge.SelfChallenge) string { return challenge.ChallengePath(c.ID()) }, 1},
		{"user index", func(*challenge.SelfChallenge) string { return challenge.UserActiveChallengesPath(testUser) }, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFailingStore()
			svc, bus := newTestService(st, nil)
			c := offered(bus)
			st.failWrite[tt.failPath(c)] = errInjected

			res, err := svc.Join(userCtx(), c)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, errInjected)
			assert.Len(t, st.Attempted(), tt.attempted)
			assert.Equal(t, challenge.StateIdle, c.State())
		})
	}
}

func TestJoin_OrganizationInfoFailureDoesNotFailJoin(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	c := offered(bus)
	st.failWrite[challenge.OrganizationInfoPath(c.Organization())] = errInjected

	res, err := svc.Join(userCtx(), c)
	require.NoError(t, err)
	assert.ErrorIs(t, res.OrganizationInfoErr, errInjected)
	assert.Len(t, st.Attempted(), 4)
	assert.Equal(t, challenge.StateDidEnter, c.State())
}

func TestJoin_OrganizationIndexFailureFailsJoin(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	c := offered(bus)
	st.failWrite[challenge.OrganizationActiveChallengesPath(c.Organization())] = errInjected

	res, err := svc.Join(userCtx(), c)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errInjected)
	assert.Len(t, st.Attempted(), 4)
	assert.Equal(t, challenge.StateIdle, c.State())

	// earlier writes are not rolled back
	var rec map[string]any
	assert.NoError(t, st.Get(context.Background(), challenge.ChallengePath(c.ID()), &rec))
}

func TestUpdateProgress(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	c := joinedBy(svc, testUser, offered(bus))
	events := record(bus)

	require.NoError(t, svc.UpdateProgress(context.Background(), c, 250))
	assert.Equal(t, 250, c.Progress())

	var stored float64
	require.NoError(t, st.Get(context.Background(), challenge.ProgressPath(c.ID()), &stored))
	assert.Equal(t, 250.0, stored)

	require.NoError(t, svc.UpdateProgress(context.Background(), c, -5))
	assert.Equal(t, -5, c.Progress())
	assert.Empty(t, events.States())
}

func TestUpdateProgress_FailureKeepsLocalValue(t *testing.T) {
	st := newFailingStore()
	svc, bus := newTestService(st, nil)
	c := joinedBy(svc, testUser, offered(bus))
	st.failWrite[challenge.ProgressPath(c.ID())] = errInjected

	err := svc.UpdateProgress(context.Background(), c, 42)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 42, c.Progress())
}

func TestUpdateProgress_OfferNotJoined(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, &fakeHealth{sum: 77})
	ctx := userCtx()

	offer, err := svc.TopChallenge(ctx, challenge.OrganizationHjartOchLungFonden)
	require.NoError(t, err)
	base := offer.Progress()

	found, err := svc.ChallengeForUser(ctx, offer.ID())
	require.NoError(t, err)
	require.Same(t, offer, found)

	assert.ErrorIs(t, svc.UpdateProgress(ctx, found, 123), ErrNotJoined)
	assert.ErrorIs(t, svc.RefreshProgress(ctx, found), ErrNotJoined)

	assert.Empty(t, st.Attempted())
	assert.Equal(t, base, offer.Progress())
	assert.Equal(t, challenge.StateHasNotEntered, offer.State())

	var rec map[string]any
	assert.ErrorIs(t, st.Get(context.Background(), challenge.ChallengePath(offer.ID()), &rec), store.ErrNotFound)
}

func TestFetchActiveChallenges_ReportsEachItem(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start.Add(2 * time.Hour) }

	seed(t, st, testUser, "a", storedRecord(start, true))
	seed(t, st, testUser, "b", storedRecord(start.Add(time.Hour), false))
	broken := storedRecord(start, false)
	delete(broken, "betting_amount")
	seed(t, st, testUser, "c", broken)

	var (
		mu     sync.Mutex
		loaded = map[string]*challenge.SelfChallenge{}
		failed = map[string]error{}
	)
	err := svc.FetchActiveChallenges(context.Background(), testUser, func(id string, c *challenge.SelfChallenge, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed[id] = err
			return
		}
		loaded[id] = c
	})
	require.NoError(t, err)

	require.Len(t, loaded, 2)
	assert.True(t, loaded["a"].IsTopChallenge())
	assert.Equal(t, start.Add(time.Hour), loaded["b"].StartDate().UTC())
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["c"], challenge.ErrInvalidBet)

	tracked, ok := svc.Get("a")
	require.True(t, ok)
	assert.Same(t, loaded["a"], tracked)
}

func TestFetchActiveChallenges_ClosedWindowNotTracked(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	seed(t, st, testUser, "past", storedRecord(now.Add(-48*time.Hour), false))

	var got *challenge.SelfChallenge
	require.NoError(t, svc.FetchActiveChallenges(context.Background(), testUser, func(_ string, c *challenge.SelfChallenge, err error) {
		assert.NoError(t, err)
		got = c
	}))
	require.NotNil(t, got)
	assert.Equal(t, "past", got.ID())

	_, ok := svc.Get("past")
	assert.False(t, ok)
	assert.ErrorIs(t, svc.UpdateProgress(context.Background(), got, 5), ErrNotJoined)
}

func TestFetchActiveChallenges_EmptyIndex(t *testing.T) {
	svc, _ := newTestService(newFailingStore(), nil)

	calls := 0
	err := svc.FetchActiveChallenges(context.Background(), testUser, func(string, *challenge.SelfChallenge, error) {
		calls++
	})
	assert.NoError(t, err)
	assert.Zero(t, calls)
}

func TestFetchActiveChallenges_IndexReadFailure(t *testing.T) {
	st := newFailingStore()
	st.failRead[challenge.UserActiveChallengesPath(testUser)] = errInjected
	svc, _ := newTestService(st, nil)

	err := svc.FetchActiveChallenges(context.Background(), testUser, func(string, *challenge.SelfChallenge, error) {
		t.Error("no item expected")
	})
	assert.ErrorIs(t, err, errInjected)
}

func TestFetchActiveChallenges_MissingRecord(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	require.NoError(t, st.Update(context.Background(), challenge.UserActiveChallengesPath(testUser), map[string]any{"gone": 1}))

	var got error
	err := svc.FetchActiveChallenges(context.Background(), testUser, func(_ string, _ *challenge.SelfChallenge, err error) {
		got = err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, got, store.ErrNotFound)
}

func TestFetchActiveChallenges_JoinedRecordDoesNotParseBack(t *testing.T) {
	st := newFailingStore()
	writer, bus := newTestService(st, nil)
	c := offered(bus)
	_, err := writer.Join(userCtx(), c)
	require.NoError(t, err)

	reader, _ := newTestService(st, nil)
	var got error
	err = reader.FetchActiveChallenges(context.Background(), testUser, func(_ string, _ *challenge.SelfChallenge, err error) {
		got = err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, got, challenge.ErrInvalidStartDate)
}

func TestTopChallenge_OfferJoinAlreadyEntered(t *testing.T) {
	svc, bus := newTestService(newFailingStore(), nil)
	events := record(bus)
	org := challenge.OrganizationHjartOchLungFonden
	ctx := userCtx()

	offer, err := svc.TopChallenge(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, challenge.StateHasNotEntered, offer.State())
	assert.True(t, offer.IsTopChallenge())
	assert.Equal(t, 500, offer.Goal())
	assert.Equal(t, 20, offer.BettingAmount())

	again, err := svc.TopChallenge(ctx, org)
	require.NoError(t, err)
	assert.Same(t, offer, again)

	joined, res, err := svc.JoinTopChallenge(ctx, org)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Same(t, offer, joined)
	assert.Equal(t, challenge.StateDidEnter, joined.State())

	second, res, err := svc.JoinTopChallenge(ctx, org)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Same(t, offer, second)
	assert.Equal(t, challenge.StateAlreadyEntered, second.State())

	current, err := svc.TopChallenge(ctx, org)
	require.NoError(t, err)
	assert.Same(t, offer, current)

	assert.Equal(t, []challenge.State{
		challenge.StateHasNotEntered,
		challenge.StateHasNotEntered,
		challenge.StateDidEnter,
		challenge.StateAlreadyEntered,
		challenge.StateAlreadyEntered,
	}, events.States()[len(events.States())-5:])
}

func TestTopChallenge_RequiresUser(t *testing.T) {
	svc, _ := newTestService(newFailingStore(), nil)

	_, err := svc.TopChallenge(context.Background(), challenge.OrganizationHjartOchLungFonden)
	assert.ErrorIs(t, err, challenge.ErrUpload)

	_, _, err = svc.JoinTopChallenge(context.Background(), challenge.OrganizationHjartOchLungFonden)
	assert.ErrorIs(t, err, challenge.ErrUpload)
}

func TestFindTopChallenge_FromStore(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	seed(t, st, testUser, "old", storedRecord(now.Add(-48*time.Hour), true))
	seed(t, st, testUser, "plain", storedRecord(now.Add(-time.Hour), false))
	seed(t, st, testUser, "top", storedRecord(now.Add(-time.Hour), true))

	found, err := svc.FindTopChallenge(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "top", found.ID())

	none, err := svc.FindTopChallenge(context.Background(), "someone_else")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestChallengeForUser(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start.Add(time.Hour) }
	seed(t, st, testUser, "mine", storedRecord(start, false))

	c, err := svc.ChallengeForUser(userCtx(), "mine")
	require.NoError(t, err)
	assert.Equal(t, "mine", c.ID())

	tracked, err := svc.ChallengeForUser(userCtx(), "mine")
	require.NoError(t, err)
	assert.Same(t, c, tracked)

	other := auth.WithUserID(context.Background(), "intruder")
	_, err = svc.ChallengeForUser(other, "mine")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = svc.ChallengeForUser(userCtx(), "unknown")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = svc.ChallengeForUser(context.Background(), "mine")
	assert.ErrorIs(t, err, challenge.ErrUpload)
}

func TestTrack_KeepsFirstInstance(t *testing.T) {
	svc, bus := newTestService(newFailingStore(), nil)
	p := challenge.Params{
		ID:           "dup",
		Kind:         challenge.KindMaxSteps,
		Duration:     challenge.DurationTwentyFourHours,
		StartDate:    time.Now(),
		Goal:         10000,
		Organization: challenge.OrganizationHjartOchLungFonden,
	}
	first := svc.Track(challenge.New(p, bus))
	second := svc.Track(challenge.New(p, bus))
	assert.Same(t, first, second)
}

func TestRefreshProgress(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	newChallenge := func(bus *challenge.Bus) *challenge.SelfChallenge {
		return challenge.New(challenge.Params{
			ID:           "r1",
			Kind:         challenge.KindMostCaloriesBurnt,
			Duration:     challenge.DurationTwentyFourHours,
			StartDate:    start,
			Goal:         500,
			Organization: challenge.OrganizationHjartOchLungFonden,
		}, bus)
	}

	t.Run("running", func(t *testing.T) {
		hp := &fakeHealth{sum: 321.7}
		st := newFailingStore()
		svc, bus := newTestService(st, hp)
		svc.now = func() time.Time { return start.Add(time.Hour) }
		c := joinedBy(svc, testUser, newChallenge(bus))

		require.NoError(t, svc.RefreshProgress(userCtx(), c))
		assert.Equal(t, 321, c.Progress())
		assert.Equal(t, challenge.StateDidUpdateProgress, c.State())
		assert.Equal(t, health.MetricActiveEnergyBurned, hp.metric)
		assert.Equal(t, testUser, hp.userID)
		assert.Equal(t, start, hp.from)
		assert.Equal(t, start.Add(24*time.Hour), hp.to)

		var stored float64
		require.NoError(t, st.Get(context.Background(), challenge.ProgressPath("r1"), &stored))
		assert.Equal(t, 321.0, stored)

		tracked, ok := svc.Get("r1")
		require.True(t, ok)
		assert.Same(t, c, tracked)
	})

	t.Run("finished", func(t *testing.T) {
		svc, bus := newTestService(newFailingStore(), &fakeHealth{sum: 600})
		svc.now = func() time.Time { return start.Add(24 * time.Hour) }
		c := joinedBy(svc, testUser, newChallenge(bus))

		require.NoError(t, svc.RefreshProgress(userCtx(), c))
		assert.Equal(t, 600, c.Progress())
		assert.Equal(t, challenge.StateDidFinish, c.State())

		_, ok := svc.Get("r1")
		assert.False(t, ok)
		assert.ErrorIs(t, svc.RefreshProgress(userCtx(), c), ErrNotJoined)
	})

	t.Run("no samples counts as zero", func(t *testing.T) {
		svc, bus := newTestService(newFailingStore(), &fakeHealth{err: health.ErrNoSamples})
		svc.now = func() time.Time { return start }
		c := joinedBy(svc, testUser, newChallenge(bus))
		c.SetProgress(50)

		require.NoError(t, svc.RefreshProgress(userCtx(), c))
		assert.Equal(t, 0, c.Progress())
	})

	t.Run("health failure", func(t *testing.T) {
		st := newFailingStore()
		svc, bus := newTestService(st, &fakeHealth{err: errInjected})
		c := joinedBy(svc, testUser, newChallenge(bus))

		err := svc.RefreshProgress(userCtx(), c)
		assert.ErrorIs(t, err, errInjected)
		assert.Empty(t, st.Attempted())
		assert.Equal(t, challenge.StateIdle, c.State())
	})

	t.Run("store failure", func(t *testing.T) {
		st := newFailingStore()
		st.failWrite[challenge.ProgressPath("r1")] = errInjected
		svc, bus := newTestService(st, &fakeHealth{sum: 10})
		c := joinedBy(svc, testUser, newChallenge(bus))

		err := svc.RefreshProgress(userCtx(), c)
		assert.ErrorIs(t, err, errInjected)
		assert.Equal(t, challenge.StateIdle, c.State())
	})

	t.Run("unconfigured", func(t *testing.T) {
		svc, bus := newTestService(newFailingStore(), nil)
		err := svc.RefreshProgress(userCtx(), joinedBy(svc, testUser, newChallenge(bus)))
		assert.ErrorIs(t, err, ErrHealthUnavailable)
	})
}

func TestRemainingTime(t *testing.T) {
	svc, bus := newTestService(newFailingStore(), nil)
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := challenge.New(challenge.Params{
		ID:           "t1",
		Kind:         challenge.KindMaxSteps,
		Duration:     challenge.DurationTwentyFourHours,
		StartDate:    start,
		Goal:         10000,
		Organization: challenge.OrganizationHjartOchLungFonden,
	}, bus)

	assert.Equal(t, 24*time.Hour, svc.RemainingTime(c, start))
	assert.Equal(t, 90*time.Minute, svc.RemainingTime(c, start.Add(22*time.Hour+30*time.Minute)))
	assert.Zero(t, svc.RemainingTime(c, start.Add(25*time.Hour)))
}

func TestStateEventsAreCounted(t *testing.T) {
	svc, bus := newTestService(newFailingStore(), nil)
	c := offered(svc.Bus())
	require.Same(t, bus, svc.Bus())

	before := testutil.ToFloat64(challengeStateEventsTotal.WithLabelValues(string(challenge.StateDidFinish)))
	c.SetState(challenge.StateDidFinish)
	c.SetState(challenge.StateDidFinish)
	assert.Equal(t, before+2, testutil.ToFloat64(challengeStateEventsTotal.WithLabelValues(string(challenge.StateDidFinish))))
}

func TestFinishExpired(t *testing.T) {
	st := newFailingStore()
	hp := &fakeHealth{sum: 480}
	svc, bus := newTestService(st, hp)
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-2 * time.Hour)
	svc.now = func() time.Time { return clock }

	seed(t, st, testUser, "expired", storedRecord(now.Add(-25*time.Hour), true))
	seed(t, st, testUser, "running", storedRecord(now.Add(-time.Hour), false))
	require.NoError(t, svc.FetchActiveChallenges(context.Background(), testUser, func(_ string, _ *challenge.SelfChallenge, err error) {
		assert.NoError(t, err)
	}))
	offer := svc.OfferTopChallenge(userCtx(), challenge.OrganizationHjartOchLungFonden)
	expired, ok := svc.Get("expired")
	require.True(t, ok)
	events := record(bus)

	clock = now
	assert.Equal(t, 1, svc.FinishExpired(context.Background()))

	assert.Equal(t, challenge.StateDidFinish, expired.State())
	assert.Equal(t, 480, expired.Progress())
	assert.Equal(t, testUser, hp.userID)
	assert.Equal(t, []challenge.State{challenge.StateDidFinish}, events.States())

	_, ok = svc.Get("expired")
	assert.False(t, ok)
	running, ok := svc.Get("running")
	require.True(t, ok)
	assert.Equal(t, challenge.StateIdle, running.State())
	assert.Equal(t, challenge.StateIdle, offer.State())

	// settled challenges are gone, so nothing is settled twice
	assert.Zero(t, svc.FinishExpired(context.Background()))
	assert.Len(t, events.States(), 1)
}

func TestFinishExpired_WithoutHealth(t *testing.T) {
	st := newFailingStore()
	svc, _ := newTestService(st, nil)
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now
	svc.now = func() time.Time { return clock }

	seed(t, st, testUser, "expired", storedRecord(now.Add(-23*time.Hour), false))
	c, err := svc.ChallengeForUser(userCtx(), "expired")
	require.NoError(t, err)

	clock = now.Add(2 * time.Hour)
	assert.Equal(t, 1, svc.FinishExpired(context.Background()))
	assert.Equal(t, challenge.StateDidFinish, c.State())
	assert.Zero(t, c.Progress())

	_, ok := svc.Get("expired")
	assert.False(t, ok)
}

// gatedStore holds every challenge record write until gate is closed.
type gatedStore struct {
	*failingStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if strings.HasPrefix(path, challenge.ChallengePath("")) {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.failingStore.Update(ctx, path, fields)
}

func TestJoinTopChallenge_ConcurrentCallsJoinOnce(t *testing.T) {
	st := &gatedStore{
		failingStore: newFailingStore(),
		entered:      make(chan struct{}),
		gate:         make(chan struct{}),
	}
	svc, bus := newTestService(st, nil)
	events := record(bus)
	org := challenge.OrganizationHjartOchLungFonden

	type outcome struct {
		c   *challenge.SelfChallenge
		res *JoinResult
		err error
	}
	results := make(chan outcome, 2)
	join := func() {
		c, res, err := svc.JoinTopChallenge(userCtx(), org)
		results <- outcome{c, res, err}
	}

	go join()
	<-st.entered
	go join()
	time.Sleep(20 * time.Millisecond)
	close(st.gate)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.c, second.c)
	assert.True(t, (first.res == nil) != (second.res == nil), "exactly one call joins")

	var entered int
	for _, s := range events.States() {
		if s == challenge.StateDidEnter {
			entered++
		}
	}
	assert.Equal(t, 1, entered)
	assert.Len(t, st.Attempted(), 4)

	svc.mu.RLock()
	assert.Empty(t, svc.topJoins)
	svc.mu.RUnlock()
}

func TestJoinTopChallenge_WaitHonoursContext(t *testing.T) {
	svc, _ := newTestService(newFailingStore(), nil)
	release, err := svc.lockTopJoin(context.Background(), testUser)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(userCtx(), 20*time.Millisecond)
	defer cancel()
	_, _, err = svc.JoinTopChallenge(ctx, challenge.OrganizationHjartOchLungFonden)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
