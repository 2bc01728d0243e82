package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainsync/internal/analysis"
	"trainsync/internal/strava"
)

// fakeFetcher serves scripted listing pages, details, and streams, and can
// queue errors per activity to simulate rate limits and transport failures.
type fakeFetcher struct {
	mu         sync.Mutex
	pages      [][]strava.Activity
	details    map[int64]strava.Activity
	streams    map[int64]*strava.Streams
	detailErrs map[int64][]error
	streamErrs map[int64][]error
	listErrs   []error

	listCalls   int
	detailCalls int
	streamCalls int
	listGate    chan struct{} // when set, ListActivities blocks until closed
}

func (f *fakeFetcher) ListActivities(ctx context.Context, page, perPage int) ([]strava.Activity, error) {
	f.mu.Lock()
	gate := f.listGate
	f.listCalls++
	var err error
	if len(f.listErrs) > 0 {
		err = f.listErrs[0]
		f.listErrs = f.listErrs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if page > len(f.pages) {
		return nil, nil
	}
	return f.pages[page-1], nil
}

func (f *fakeFetcher) GetActivity(ctx context.Context, id int64) (*strava.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++

	if errs := f.detailErrs[id]; len(errs) > 0 {
		err := errs[0]
		f.detailErrs[id] = errs[1:]
		return nil, err
	}

	detail, ok := f.details[id]
	if !ok {
		return nil, &strava.APIError{Kind: strava.KindNotFound, StatusCode: 404}
	}
	cp := detail
	return &cp, nil
}

func (f *fakeFetcher) GetActivityStreams(ctx context.Context, id int64) (*strava.Streams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++

	if errs := f.streamErrs[id]; len(errs) > 0 {
		err := errs[0]
		f.streamErrs[id] = errs[1:]
		return nil, err
	}
	return f.streams[id], nil
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu      sync.Mutex
	acts    map[int64]strava.Activity
	state   map[string]string
	upserts int
}

func newFakeStore(activities ...strava.Activity) *fakeStore {
	st := &fakeStore{acts: make(map[int64]strava.Activity), state: make(map[string]string)}
	for _, a := range activities {
		st.acts[a.ID] = a
	}
	return st
}

func (st *fakeStore) ListIDs() ([]int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []int64
	for id := range st.acts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (st *fakeStore) LoadAll() ([]strava.Activity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var all []strava.Activity
	for _, a := range st.acts {
		all = append(all, a)
	}
	return all, nil
}

func (st *fakeStore) Upsert(a *strava.Activity) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.acts[a.ID] = *a
	st.upserts++
	return nil
}

func (st *fakeStore) ReplaceAll(activities []strava.Activity) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.acts = make(map[int64]strava.Activity, len(activities))
	for _, a := range activities {
		st.acts[a.ID] = a
	}
	return nil
}

func (st *fakeStore) SetSyncState(key, value string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state[key] = value
	return nil
}

func (st *fakeStore) get(id int64) (strava.Activity, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.acts[id]
	return a, ok
}

func (st *fakeStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.acts)
}

// fakeAnalyzer treats every activity as analyzable unless empty is set.
type fakeAnalyzer struct {
	empty bool
}

func (fa *fakeAnalyzer) Analyze(activities []strava.Activity) (*analysis.Report, error) {
	report := &analysis.Report{}
	if fa.empty {
		return report, nil
	}
	for _, a := range activities {
		report.Activities = append(report.Activities, analysis.ActivityAnalysis{
			ActivityID: a.ID,
			Name:       a.Name,
		})
	}
	report.Distribution.TotalActivities = len(report.Activities)
	return report, nil
}

func newTestSyncer(t *testing.T, f Fetcher, st Store, an Analyzer) *Syncer {
	t.Helper()
	if an == nil {
		an = &fakeAnalyzer{}
	}
	s := New(f, st, an, filepath.Join(t.TempDir(), "report.json"))
	// Countdown steps complete immediately in tests.
	s.tick = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return s
}

// runAndWait starts a run and blocks until it reaches a terminal phase,
// returning every snapshot delivered along the way.
func runAndWait(t *testing.T, s *Syncer, windowDays, minDays int) []State {
	t.Helper()

	var mu sync.Mutex
	var snapshots []State
	done := make(chan State, 1)

	s.Subscribe(func(st State) {
		mu.Lock()
		snapshots = append(snapshots, st)
		mu.Unlock()
		if st.Phase.Terminal() {
			select {
			case done <- st:
			default:
			}
		}
	})

	require.True(t, s.Start(windowDays, minDays), "start was not accepted")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("sync did not finish; last state: %+v", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]State(nil), snapshots...)
}

func rateLimited(wait time.Duration) error {
	return &strava.APIError{Kind: strava.KindRateLimited, StatusCode: 429, RetryAfter: wait}
}

func recentActivities(n int, withStreams bool) []strava.Activity {
	base := time.Now().UTC().Add(-time.Hour)
	acts := make([]strava.Activity, 0, n)
	for i := 0; i < n; i++ {
		a := act(int64(i+1), base.Add(-time.Duration(i)*24*time.Hour), withStreams)
		a.Name = fmt.Sprintf("Workout %d", i+1)
		a.AverageHeartrate = 130
		acts = append(acts, a)
	}
	return acts
}

func TestSyncer_DownloadsOnlyDelta(t *testing.T) {
	// Cache holds {1,2,3} without streams; the provider lists {1,2,3,4}.
	listed := recentActivities(3, false)
	st := newFakeStore(listed...)
	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	newest.Name = "New Ride"
	newest.AverageHeartrate = 140
	page := append([]strava.Activity{newest}, listed...)

	f := &fakeFetcher{
		pages:   [][]strava.Activity{page},
		details: map[int64]strava.Activity{4: newest},
		streams: map[int64]*strava.Streams{
			4: {Time: &strava.StreamData[int]{Data: []int{0, 1}}, Heartrate: &strava.StreamData[int]{Data: []int{140, 141}}},
		},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, 1, final.TotalCount)
	assert.Equal(t, 1, final.ProcessedCount)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, []string{"New Ride"}, final.NewActivities)

	// Only the missing activity was fetched.
	assert.Equal(t, 1, f.detailCalls)
	assert.Equal(t, 1, f.streamCalls)

	// Merged corpus is {1,2,3,4} with streams attached to 4.
	assert.Equal(t, 4, st.count())
	got, ok := st.get(4)
	require.True(t, ok)
	assert.True(t, got.HasStreams())
}

func TestSyncer_UpToDate(t *testing.T) {
	listed := recentActivities(14, false)
	st := newFakeStore(listed...)
	f := &fakeFetcher{pages: [][]strava.Activity{listed}}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 14)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Contains(t, final.Message, "up to date")
	assert.Zero(t, f.detailCalls)
	assert.Zero(t, f.streamCalls)
}

func TestSyncer_InsufficientData(t *testing.T) {
	listed := recentActivities(3, false)
	st := newFakeStore(listed...)
	f := &fakeFetcher{pages: [][]strava.Activity{listed}}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 14)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseError, final.Phase)
	assert.Contains(t, final.Error, "insufficient data")
}

func TestSyncer_ListingRateLimitRetriesPage(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	newest.Name = "After The Wait"
	page := append([]strava.Activity{newest}, existing...)

	f := &fakeFetcher{
		pages:    [][]strava.Activity{page},
		details:  map[int64]strava.Activity{4: newest},
		listErrs: []error{rateLimited(2 * time.Second)},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	require.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, []string{"After The Wait"}, final.NewActivities)

	// The rejected page was requested again after the wait.
	assert.Equal(t, 2, f.listCalls)

	// The wait was visible during listing and resumed back into it.
	var sawResume bool
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i-1].Phase == PhaseRateLimited && snapshots[i].Phase == PhaseListing {
			sawResume = true
		}
	}
	assert.True(t, sawResume, "never observed rate_limited resuming into listing")
}

func TestSyncer_ListingErrorIsFatal(t *testing.T) {
	st := newFakeStore(recentActivities(3, false)...)
	f := &fakeFetcher{
		listErrs: []error{&strava.APIError{Kind: strava.KindTransient, StatusCode: 503}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseError, final.Phase)
	assert.Contains(t, final.Error, "fetching page 1")
	assert.Zero(t, f.detailCalls, "no downloads after a fatal listing failure")
}

func TestSyncer_ListingStopsAtWindowStart(t *testing.T) {
	// A full first page forces a second request; the second page starts
	// before the window and must end the listing there.
	recent := recentActivities(30, false)
	st := newFakeStore(recent...)

	old := act(99, time.Now().UTC().AddDate(0, 0, -40), false)
	f := &fakeFetcher{pages: [][]strava.Activity{recent, {old}}}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 14)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Contains(t, final.Message, "up to date")

	assert.Equal(t, 2, f.listCalls)
	// The out-of-window activity is not part of the delta.
	assert.Zero(t, f.detailCalls)
}

func TestSyncer_AuthErrorNamesTheAuthFlow(t *testing.T) {
	st := newFakeStore(recentActivities(3, false)...)
	f := &fakeFetcher{
		listErrs: []error{&strava.APIError{Kind: strava.KindAuth, StatusCode: 401}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 14)

	final := snapshots[len(snapshots)-1]
	require.Equal(t, PhaseError, final.Phase)
	assert.Contains(t, final.Message, "auth flow")
}

func TestSyncer_PersistsDownloadsIncrementally(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	a4 := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	a5 := act(5, time.Now().UTC().Add(-20*time.Minute), false)
	page := append([]strava.Activity{a5, a4}, existing...)

	f := &fakeFetcher{
		pages:   [][]strava.Activity{page},
		details: map[int64]strava.Activity{4: a4, 5: a5},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	require.Equal(t, PhaseCompleted, snapshots[len(snapshots)-1].Phase)
	// One write per downloaded activity, ahead of the final replace.
	assert.Equal(t, 2, st.upserts)
}

func TestSyncer_RateLimitResumption(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	newest.Name = "Tempo Run"
	page := append([]strava.Activity{newest}, existing...)

	f := &fakeFetcher{
		pages:   [][]strava.Activity{page},
		details: map[int64]strava.Activity{4: newest},
		streams: map[int64]*strava.Streams{
			4: {Time: &strava.StreamData[int]{Data: []int{0, 1}}, Heartrate: &strava.StreamData[int]{Data: []int{150, 151}}},
		},
		streamErrs: map[int64][]error{4: {rateLimited(2 * time.Second)}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	require.Equal(t, PhaseCompleted, final.Phase)

	// The item still made it into the corpus exactly once, with streams.
	assert.Equal(t, 4, st.count())
	got, ok := st.get(4)
	require.True(t, ok)
	assert.True(t, got.HasStreams())

	// Phase order: downloading -> rate_limited -> downloading.
	var phases []Phase
	for _, snap := range snapshots {
		if len(phases) == 0 || phases[len(phases)-1] != snap.Phase {
			phases = append(phases, snap.Phase)
		}
	}
	idx := -1
	for i, p := range phases {
		if p == PhaseRateLimited {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 1, "rate_limited phase never observed (phases: %v)", phases)
	assert.Equal(t, PhaseDownloading, phases[idx-1])
	assert.Equal(t, PhaseDownloading, phases[idx+1])

	// Countdown was visible to observers.
	var sawCountdown bool
	for _, snap := range snapshots {
		if snap.Phase == PhaseRateLimited && snap.RateLimitWaitSeconds > 0 {
			sawCountdown = true
		}
	}
	assert.True(t, sawCountdown)
}

func TestSyncer_StreamsStillAbsentAfterRetry(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	page := append([]strava.Activity{newest}, existing...)

	f := &fakeFetcher{
		pages:   [][]strava.Activity{page},
		details: map[int64]strava.Activity{4: newest},
		streamErrs: map[int64][]error{4: {
			rateLimited(time.Second),
			&strava.APIError{Kind: strava.KindTransient, StatusCode: 500},
		}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	// A second failure means the activity is kept without streams, not
	// that the run aborts.
	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseCompleted, final.Phase)
	got, ok := st.get(4)
	require.True(t, ok)
	assert.False(t, got.HasStreams())
}

func TestSyncer_SkipsFailedItem(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	a4 := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	a4.Name = "Bad Item"
	a5 := act(5, time.Now().UTC().Add(-20*time.Minute), false)
	a5.Name = "Good Item"
	page := append([]strava.Activity{a5, a4}, existing...)

	f := &fakeFetcher{
		pages:      [][]strava.Activity{page},
		details:    map[int64]strava.Activity{4: a4, 5: a5},
		detailErrs: map[int64][]error{4: {&strava.APIError{Kind: strava.KindTransient, StatusCode: 502}}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, []string{"Good Item"}, final.NewActivities)

	_, ok := st.get(4)
	assert.False(t, ok, "failed item should not be persisted")
	_, ok = st.get(5)
	assert.True(t, ok)
}

func TestSyncer_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	listed := recentActivities(14, false)
	st := newFakeStore(listed...)
	f := &fakeFetcher{pages: [][]strava.Activity{listed}, listGate: gate}

	s := newTestSyncer(t, f, st, nil)

	done := make(chan State, 1)
	s.Subscribe(func(snap State) {
		if snap.Phase.Terminal() {
			select {
			case done <- snap:
			default:
			}
		}
	})

	require.True(t, s.Start(30, 14))
	assert.False(t, s.Start(30, 14), "second start must be rejected while running")

	close(gate)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("sync did not finish")
	}

	// Terminal again: a new run is accepted.
	assert.True(t, s.Start(30, 14))
}

func TestSyncer_SubscriberPanicIsolated(t *testing.T) {
	listed := recentActivities(14, false)
	st := newFakeStore(listed...)
	f := &fakeFetcher{pages: [][]strava.Activity{listed}}

	s := newTestSyncer(t, f, st, nil)

	s.Subscribe(func(State) { panic("bad subscriber") })

	done := make(chan struct{}, 1)
	s.Subscribe(func(snap State) {
		if snap.Phase.Terminal() {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	require.True(t, s.Start(30, 14))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("second subscriber never reached despite first panicking")
	}
}

func TestSyncer_ProgressMonotonic(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	page := append([]strava.Activity{newest}, existing...)

	f := &fakeFetcher{
		pages:      [][]strava.Activity{page},
		details:    map[int64]strava.Activity{4: newest},
		streamErrs: map[int64][]error{4: {rateLimited(3 * time.Second)}},
	}

	s := newTestSyncer(t, f, st, nil)
	snapshots := runAndWait(t, s, 30, 3)

	prev := -1
	for _, snap := range snapshots {
		require.GreaterOrEqual(t, snap.Progress, prev, "progress went backwards")
		prev = snap.Progress
	}
}

func TestSyncer_NothingAnalyzableIsFatal(t *testing.T) {
	existing := recentActivities(3, false)
	st := newFakeStore(existing...)

	newest := act(4, time.Now().UTC().Add(-30*time.Minute), false)
	page := append([]strava.Activity{newest}, existing...)

	f := &fakeFetcher{
		pages:   [][]strava.Activity{page},
		details: map[int64]strava.Activity{4: newest},
	}

	s := newTestSyncer(t, f, st, &fakeAnalyzer{empty: true})
	snapshots := runAndWait(t, s, 30, 3)

	final := snapshots[len(snapshots)-1]
	assert.Equal(t, PhaseError, final.Phase)
	assert.Contains(t, final.Error, "no analyzable activities")
}
