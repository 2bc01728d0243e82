package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trainsync/internal/analysis"
	"trainsync/internal/strava"
)

// Defaults for Start when the caller passes zero values.
const (
	DefaultWindowDays = 30
	DefaultMinDays    = 14
)

// lastSyncKey is the sync-state record holding the last successful run time.
const lastSyncKey = "last_sync"

// Fetcher is the slice of the Strava client the sync run needs.
type Fetcher interface {
	ListActivities(ctx context.Context, page, perPage int) ([]strava.Activity, error)
	GetActivity(ctx context.Context, id int64) (*strava.Activity, error)
	GetActivityStreams(ctx context.Context, id int64) (*strava.Streams, error)
}

// Store is the durable activity corpus the run diffs against and persists to.
type Store interface {
	ListIDs() ([]int64, error)
	LoadAll() ([]strava.Activity, error)
	Upsert(*strava.Activity) error
	ReplaceAll([]strava.Activity) error
	SetSyncState(key, value string) error
}

// Analyzer produces the derived report over the merged corpus.
type Analyzer interface {
	Analyze([]strava.Activity) (*analysis.Report, error)
}

// Subscriber receives a state snapshot after every transition.
type Subscriber func(State)

// Syncer drives one end-to-end synchronization run at a time: diff against
// the cache, download what is missing, merge, analyze, persist. All state
// access is serialized through one mutex so status queries and start
// requests from concurrent handlers are safe against a progressing run.
type Syncer struct {
	client     Fetcher
	db         Store
	analyzer   Analyzer
	reportPath string
	perPage    int

	mu          sync.Mutex
	state       State
	subscribers map[int]Subscriber
	nextSubID   int

	// tick and stopc make the rate-limit countdown interruptible; tests
	// swap tick for an immediate timer.
	tick  func(time.Duration) <-chan time.Time
	stopc chan struct{}
}

// New creates a Syncer. reportPath is where the analysis artifact is
// written after each successful run.
func New(client Fetcher, db Store, analyzer Analyzer, reportPath string) *Syncer {
	return &Syncer{
		client:      client,
		db:          db,
		analyzer:    analyzer,
		reportPath:  reportPath,
		perPage:     30,
		state:       State{Phase: PhaseIdle},
		subscribers: make(map[int]Subscriber),
		tick:        time.After,
		stopc:       make(chan struct{}),
	}
}

// Start begins a sync run covering the last windowDays of activities.
// It returns false without side effects when a run is already in flight.
// minDays is the minimum cached history required for an analysis to be
// considered meaningful.
func (s *Syncer) Start(windowDays, minDays int) bool {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if minDays <= 0 {
		minDays = DefaultMinDays
	}

	s.mu.Lock()
	if s.state.Phase.Active() {
		s.mu.Unlock()
		return false
	}
	// Reset state for the new run; this clears the previous run's error.
	s.state = State{Phase: PhaseInitializing, Message: "Starting sync..."}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyAll(subs, snap)

	go s.run(windowDays, minDays)
	return true
}

// State returns a snapshot of the current sync state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.snapshot()
}

// Subscribe registers fn to be called synchronously, in transition order,
// with a snapshot after every state change. The returned id unsubscribes.
func (s *Syncer) Subscribe(fn Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return id
}

// Unsubscribe removes a subscriber registered with Subscribe.
func (s *Syncer) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Close interrupts any rate-limit wait in progress. It does not cancel
// the run itself.
func (s *Syncer) Close() {
	close(s.stopc)
}

// run executes one sync and maps any fatal error into the Error phase.
func (s *Syncer) run(windowDays, minDays int) {
	if err := s.runSync(context.Background(), windowDays, minDays); err != nil {
		slog.Error("sync failed", "error", err)
		msg := "Sync failed: " + err.Error()
		if strava.IsAuthError(err) {
			msg = "Sync failed: Strava authorization expired or missing. Run the auth flow again."
		}
		s.update(func(st *State) {
			st.Phase = PhaseError
			st.Error = err.Error()
			st.Message = msg
			st.Progress = 100
		})
	}
}

func (s *Syncer) runSync(ctx context.Context, windowDays, minDays int) error {
	// Persisted entries are ground truth for what is already cached.
	ids, err := s.db.ListIDs()
	if err != nil {
		return fmt.Errorf("listing cached activities: %w", err)
	}
	cached := make(map[int64]bool, len(ids))
	for _, id := range ids {
		cached[id] = true
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -windowDays)

	s.update(func(st *State) {
		st.Phase = PhaseListing
		st.Message = fmt.Sprintf("Fetching activities from %s to %s...",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
		st.Progress = 5
	})

	listed, err := s.listWindow(ctx, start)
	if err != nil {
		return err
	}

	delta := computeDelta(cached, listed)
	s.update(func(st *State) {
		st.TotalCount = len(delta)
		st.Message = fmt.Sprintf("Found %d activities in date range, %d new.", len(listed), len(delta))
		st.Progress = 35
	})

	if len(delta) == 0 {
		if len(cached) < minDays {
			return fmt.Errorf("insufficient data: only %d activities cached, need at least %d days", len(cached), minDays)
		}
		s.update(func(st *State) {
			st.Phase = PhaseCompleted
			st.Message = "No new activities found. Cache is up to date."
			st.Progress = 100
		})
		return nil
	}

	s.update(func(st *State) {
		st.Phase = PhaseDownloading
		st.Message = fmt.Sprintf("Downloading %d new activities...", len(delta))
		st.Progress = 40
	})

	fetched := s.downloadAll(ctx, delta)

	s.update(func(st *State) {
		st.Phase = PhaseProcessing
		st.CurrentActivity = ""
		st.Message = "Processing activities and regenerating analysis..."
		st.Progress = 85
	})

	existing, err := s.db.LoadAll()
	if err != nil {
		return fmt.Errorf("loading cached activities: %w", err)
	}

	merged := Merge(existing, fetched)

	report, err := s.analyzer.Analyze(merged)
	if err != nil {
		return fmt.Errorf("analyzing activities: %w", err)
	}
	if len(report.Activities) == 0 {
		return errors.New("no analyzable activities found after merge")
	}

	if err := s.db.ReplaceAll(merged); err != nil {
		return fmt.Errorf("persisting merged activities: %w", err)
	}
	if err := analysis.WriteReport(s.reportPath, report); err != nil {
		return fmt.Errorf("writing analysis report: %w", err)
	}
	if err := s.db.SetSyncState(lastSyncKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("recording last sync time failed", "error", err)
	}

	s.update(func(st *State) {
		st.Phase = PhaseCompleted
		st.Message = fmt.Sprintf("Successfully downloaded %d new activities!", len(fetched))
		st.Progress = 100
	})
	return nil
}

// listWindow pages through the athlete's activities, newest first, and
// stops as soon as a page reaches past the window start. Listing failures
// are run-fatal except rate limits, which wait and retry the same page.
func (s *Syncer) listWindow(ctx context.Context, windowStart time.Time) ([]strava.Activity, error) {
	var listed []strava.Activity
	page := 1
	for {
		s.update(func(st *State) {
			st.Message = fmt.Sprintf("Fetching activities page %d...", page)
			st.Progress = min(10+(page-1)*5, 30)
		})

		summaries, err := s.client.ListActivities(ctx, page, s.perPage)
		if wait, ok := strava.RateLimitWait(err); ok {
			s.waitRateLimited(wait, PhaseListing)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching page %d: %w", page, err)
		}
		if len(summaries) == 0 {
			return listed, nil
		}

		for _, a := range summaries {
			if a.StartDate.Before(windowStart) {
				return listed, nil
			}
			listed = append(listed, a)
		}

		if len(summaries) < s.perPage {
			return listed, nil
		}
		page++
	}
}

// downloadAll fetches detail and streams for every activity in the delta.
// Failures on one item never abort the run: a rate limit waits and retries
// the item once, anything else logs and skips. Each fetched activity is
// persisted as soon as it is complete, so an interrupted run keeps its
// progress and the next delta shrinks accordingly.
func (s *Syncer) downloadAll(ctx context.Context, delta []strava.Activity) []strava.Activity {
	var fetched []strava.Activity
	for i, summary := range delta {
		s.update(func(st *State) {
			st.CurrentActivity = summary.Name
			st.Message = fmt.Sprintf("Downloading: %s (%d/%d)", summary.Name, i+1, len(delta))
			st.Progress = 40 + int(float64(i)/float64(len(delta))*40)
		})

		detail, err := s.client.GetActivity(ctx, summary.ID)
		if wait, ok := strava.RateLimitWait(err); ok {
			s.waitRateLimited(wait, PhaseDownloading)
			detail, err = s.client.GetActivity(ctx, summary.ID)
		}
		if err != nil {
			slog.Warn("skipping activity", "id", summary.ID, "name", summary.Name, "error", err)
			continue
		}

		detail.Streams = s.fetchStreams(ctx, summary.ID)

		if err := s.db.Upsert(detail); err != nil {
			slog.Warn("persisting activity failed", "id", detail.ID, "error", err)
		}

		fetched = append(fetched, *detail)
		s.update(func(st *State) {
			st.ProcessedCount = i + 1
			st.NewActivities = append(st.NewActivities, detail.Name)
		})
	}
	return fetched
}

// fetchStreams attempts the time-series for one activity. A 404 from
// Strava means the activity genuinely has none; a rate limit waits and
// retries once; any remaining failure means the activity is kept without
// streams rather than aborting the run.
func (s *Syncer) fetchStreams(ctx context.Context, id int64) *strava.Streams {
	streams, err := s.client.GetActivityStreams(ctx, id)
	if wait, ok := strava.RateLimitWait(err); ok {
		s.waitRateLimited(wait, PhaseDownloading)
		streams, err = s.client.GetActivityStreams(ctx, id)
	}
	if err != nil {
		slog.Warn("proceeding without streams", "id", id, "error", err)
		return nil
	}
	return streams
}

// waitRateLimited sits out the provider's suggested wait in one-second
// steps, updating the countdown in state each step so observers see it
// live, then restores the resume phase.
func (s *Syncer) waitRateLimited(wait time.Duration, resume Phase) {
	secs := int(wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	for i := secs; i > 0; i-- {
		remaining := i
		s.update(func(st *State) {
			st.Phase = PhaseRateLimited
			st.RateLimitWaitSeconds = remaining
			st.Message = fmt.Sprintf("Rate limited. Waiting %d seconds...", remaining)
		})
		select {
		case <-s.tick(time.Second):
		case <-s.stopc:
			return
		}
	}
	s.update(func(st *State) {
		st.Phase = resume
		st.RateLimitWaitSeconds = 0
		st.Message = "Resuming..."
	})
}

// update mutates state under the lock and delivers a snapshot to every
// subscriber, in subscription order, outside the lock. Progress never goes
// backwards within a run.
func (s *Syncer) update(mutate func(*State)) {
	s.mu.Lock()
	prev := s.state.Progress
	mutate(&s.state)
	if s.state.Progress < prev {
		s.state.Progress = prev
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyAll(subs, snap)
}

// snapshotLocked copies the state and the subscriber list. Caller holds
// the lock. Copying the list means a subscriber added or removed during
// notification never causes a skipped or duplicated callback.
func (s *Syncer) snapshotLocked() (State, []Subscriber) {
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	return s.state.snapshot(), subs
}

func (s *Syncer) notifyAll(subs []Subscriber, snap State) {
	for _, fn := range subs {
		s.notify(fn, snap)
	}
}

// notify isolates subscriber panics so one bad observer cannot block
// delivery to the rest.
func (s *Syncer) notify(fn Subscriber, snap State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync subscriber panicked", "panic", r)
		}
	}()
	fn(snap)
}
