package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatracker/internal/domain"
	"datatracker/internal/extract"
)

type fetchFunc func(ctx context.Context) (any, error)

func (f fetchFunc) Fetch(ctx context.Context) (any, error) { return f(ctx) }

type renderRecorder struct {
	mu  sync.Mutex
	got []domain.FeatureCollection
}

func (r *renderRecorder) Render(fc domain.FeatureCollection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, fc)
}

func (r *renderRecorder) last() (domain.FeatureCollection, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return domain.FeatureCollection{}, 0
	}
	return r.got[len(r.got)-1], len(r.got)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func staticFeed(v any) Fetcher {
	return fetchFunc(func(context.Context) (any, error) { return v, nil })
}

// sequenceFeed returns each response in turn and repeats the last one.
func sequenceFeed(t *testing.T, bodies ...string) Fetcher {
	var mu sync.Mutex
	i := 0
	return fetchFunc(func(context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		body := bodies[i]
		if i < len(bodies)-1 {
			i++
		}
		return decode(t, body), nil
	})
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "http://feed.test/vehicles"
	}
	e, err := New(opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Options{}, testLogger())
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestRunOnceMergesSnapshot(t *testing.T) {
	var updates []domain.History
	rec := &renderRecorder{}

	e := newEngine(t, Options{
		Fetcher: staticFeed(decode(t, `{"data":[
			{"id":"a","lon":1,"lat":1},
			{"id":"b","lon":5,"lat":5},
			{"id":"a","lon":2,"lat":2}
		]}`)),
		OnUpdate: func(h domain.History) { updates = append(updates, h) },
		Renderer: rec,
	})

	require.NoError(t, e.RunOnce(context.Background()))

	h := e.History()
	assert.Len(t, h["a"], 2)
	assert.Len(t, h["b"], 1)

	require.Len(t, updates, 1)
	assert.Equal(t, h, updates[0])

	fc, n := rec.last()
	require.Equal(t, 1, n)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, domain.EntityID("a"), fc.Features[0].Properties.ID)
	assert.Equal(t, [][2]float64{{1, 1}, {2, 2}}, fc.Features[0].Geometry.Coordinates)
	assert.Equal(t, fc, e.Tracks())
	assert.True(t, e.IsReady())
}

func TestRunOnceAcrossCyclesAppliesBounds(t *testing.T) {
	e := newEngine(t, Options{
		MaxHistorySize: 3,
		Fetcher: sequenceFeed(t,
			`[{"id":"x","lon":1,"lat":1},{"id":"x","lon":2,"lat":2},{"id":"x","lon":3,"lat":3}]`,
			`[{"id":"x","lon":4,"lat":4}]`,
		),
	})

	require.NoError(t, e.RunOnce(context.Background()))
	require.NoError(t, e.RunOnce(context.Background()))

	tracks := e.Tracks()
	require.Len(t, tracks.Features, 1)
	assert.Equal(t, [][2]float64{{2, 2}, {3, 3}, {4, 4}}, tracks.Features[0].Geometry.Coordinates)
}

func TestShapeErrorLeavesStateUntouched(t *testing.T) {
	var errCalls, updateCalls int
	e := newEngine(t, Options{
		Fetcher: sequenceFeed(t,
			`{"data":[{"id":"a","lon":1,"lat":1},{"id":"a","lon":2,"lat":2}]}`,
			`{"data":{"id":"a","lon":3,"lat":3}}`,
		),
		OnUpdate: func(domain.History) { updateCalls++ },
		OnError:  func(error) { errCalls++ },
	})

	require.NoError(t, e.RunOnce(context.Background()))
	before := e.History()

	err := e.RunOnce(context.Background())

	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, before, e.History())
	assert.Equal(t, 1, updateCalls)
	assert.Zero(t, errCalls)
	assert.Equal(t, int64(1), e.Stats().ShapeErrors)
}

func TestTransportErrorReportedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var errs []error
	e := newEngine(t, Options{
		URL:      srv.URL,
		OnError:  func(err error) { errs = append(errs, err) },
		OnUpdate: func(domain.History) { t.Error("unexpected update") },
	})

	err := e.RunOnce(context.Background())

	require.Len(t, errs, 1)
	assert.Equal(t, err, errs[0])
	var transportErr *TransportError
	require.ErrorAs(t, errs[0], &transportErr)
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.Empty(t, e.History())
	assert.False(t, e.IsReady())
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestParseErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	var got error
	e := newEngine(t, Options{
		URL:     srv.URL,
		OnError: func(err error) { got = err },
	})

	require.Error(t, e.RunOnce(context.Background()))

	var parseErr *ParseError
	assert.ErrorAs(t, got, &parseErr)
}

func TestNetworkErrorIsTransportError(t *testing.T) {
	e := newEngine(t, Options{
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			return nil, errors.New("connection refused")
		}),
	})

	err := e.RunOnce(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Zero(t, transportErr.StatusCode)
}

func TestFailureWithoutCallbackIsDropped(t *testing.T) {
	e := newEngine(t, Options{
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			return nil, errors.New("offline")
		}),
	})

	assert.Error(t, e.RunOnce(context.Background()))
	assert.Empty(t, e.History())
}

func TestItemFilterApplied(t *testing.T) {
	e := newEngine(t, Options{
		Fetcher: staticFeed(decode(t, `[
			{"id":"a","lon":1,"lat":1,"active":true},
			{"id":"b","lon":2,"lat":2,"active":false}
		]`)),
		Extractors: extract.Set{
			Filter: func(item any) bool {
				active, _ := item.(map[string]any)["active"].(bool)
				return active
			},
		},
	})

	require.NoError(t, e.RunOnce(context.Background()))

	h := e.History()
	assert.Contains(t, h, domain.EntityID("a"))
	assert.NotContains(t, h, domain.EntityID("b"))
}

func TestItemsWithoutIDOrMetadataSkipped(t *testing.T) {
	e := newEngine(t, Options{
		Fetcher: staticFeed(decode(t, `[
			{"lon":1,"lat":1},
			{"id":null,"lon":1,"lat":1},
			{"id":"nometa"},
			{"id":0,"longitude":3,"latitude":4}
		]`)),
	})

	require.NoError(t, e.RunOnce(context.Background()))

	h := e.History()
	assert.Len(t, h, 1)
	assert.Equal(t, []domain.Position{{"lon": 3.0, "lat": 4.0}}, h["0"])
}

func TestExtractorPanicBecomesError(t *testing.T) {
	var errs atomic.Int32
	e := newEngine(t, Options{
		Fetcher: staticFeed(decode(t, `[{"id":"a","lon":1,"lat":1}]`)),
		Extractors: extract.Set{
			ID: func(any) (domain.EntityID, bool) { panic("bad extractor") },
		},
		OnError: func(error) { errs.Add(1) },
	})

	assert.Error(t, e.RunOnce(context.Background()))
	assert.Equal(t, int32(1), errs.Load())
}

func TestStartRunsImmediatelyAndIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	updated := make(chan struct{}, 10)

	e := newEngine(t, Options{
		Interval: time.Hour,
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			calls.Add(1)
			return decode(t, `[]`), nil
		}),
		OnUpdate: func(domain.History) { updated <- struct{}{} },
	})

	e.Start()
	e.Start()
	assert.True(t, e.IsRunning())

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate cycle")
	}
	e.Wait()
	assert.Equal(t, int32(1), calls.Load())

	e.Stop()
	e.Stop()
	assert.False(t, e.IsRunning())
}

func TestStartSchedulesRecurringCycles(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Options{
		Interval: 10 * time.Millisecond,
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			calls.Add(1)
			return decode(t, `[]`), nil
		}),
	})

	e.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Wait()
	stopped := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestStopDiscardsInFlightCycle(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var updates, errs atomic.Int32

	e := newEngine(t, Options{
		Interval: time.Hour,
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			close(entered)
			<-release
			return decode(t, `[{"id":"a","lon":1,"lat":1}]`), nil
		}),
		OnUpdate: func(domain.History) { updates.Add(1) },
		OnError:  func(error) { errs.Add(1) },
	})

	e.Start()
	<-entered
	e.Stop()
	close(release)
	e.Wait()

	assert.Zero(t, updates.Load())
	assert.Zero(t, errs.Load())
	assert.Empty(t, e.History())
	assert.Equal(t, int64(1), e.Stats().Discarded)
}

func TestOlderCompletionKeepsNewerEntityData(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)

	e := newEngine(t, Options{
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			if first.CompareAndSwap(true, false) {
				close(entered)
				<-release
				return decode(t, `[{"id":"old","lon":1,"lat":1},{"id":"shared","lon":1,"lat":1}]`), nil
			}
			return decode(t, `[{"id":"new","lon":2,"lat":2},{"id":"shared","lon":2,"lat":2}]`), nil
		}),
	})

	slow := make(chan error, 1)
	go func() { slow <- e.RunOnce(context.Background()) }()
	<-entered

	require.NoError(t, e.RunOnce(context.Background()))
	close(release)

	require.NoError(t, <-slow)
	h := e.History()
	assert.Contains(t, h, domain.EntityID("new"))
	assert.Contains(t, h, domain.EntityID("old"))
	assert.Equal(t, []domain.Position{{"lon": 2.0, "lat": 2.0}}, h["shared"])
}

func TestPublishFollowsApplyOrder(t *testing.T) {
	inUpdate := make(chan struct{})
	release := make(chan struct{})
	var fetches, updates atomic.Int32
	rec := &renderRecorder{}

	e := newEngine(t, Options{
		Fetcher: fetchFunc(func(context.Context) (any, error) {
			if fetches.Add(1) == 1 {
				return decode(t, `[{"id":"a","lon":1,"lat":1},{"id":"a","lon":2,"lat":2}]`), nil
			}
			return decode(t, `[{"id":"a","lon":3,"lat":3}]`), nil
		}),
		OnUpdate: func(domain.History) {
			if updates.Add(1) == 1 {
				close(inUpdate)
				<-release
			}
		},
		Renderer: rec,
	})

	done := make(chan error, 2)
	go func() { done <- e.RunOnce(context.Background()) }()
	<-inUpdate

	go func() { done <- e.RunOnce(context.Background()) }()
	require.Eventually(t, func() bool {
		positions, _ := e.Entity("a")
		return len(positions) == 3
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	fc, _ := rec.last()
	require.Len(t, fc.Features, 1)
	assert.Equal(t, 3, fc.Features[0].Properties.PointCount)
	assert.Equal(t, e.Tracks(), fc)
}

func TestStaleVersionSkipsPublish(t *testing.T) {
	rec := &renderRecorder{}
	var updates atomic.Int32
	e := newEngine(t, Options{
		Fetcher:  staticFeed(decode(t, `[]`)),
		OnUpdate: func(domain.History) { updates.Add(1) },
		Renderer: rec,
	})

	e.publish(e.version+1, true)

	assert.Zero(t, updates.Load())
	_, n := rec.last()
	assert.Zero(t, n)
}

func TestRestartAfterStop(t *testing.T) {
	updated := make(chan struct{}, 10)
	e := newEngine(t, Options{
		Interval: time.Hour,
		Fetcher:  staticFeed(decode(t, `[]`)),
		OnUpdate: func(domain.History) { updated <- struct{}{} },
	})

	for i := 0; i < 2; i++ {
		e.Start()
		select {
		case <-updated:
		case <-time.After(2 * time.Second):
			t.Fatalf("start %d: no cycle", i)
		}
		e.Wait()
		e.Stop()
	}
	assert.Equal(t, int64(2), e.Stats().Succeeded)
}

func TestAutoStart(t *testing.T) {
	updated := make(chan struct{}, 1)
	e := newEngine(t, Options{
		Interval:  time.Hour,
		AutoStart: true,
		Fetcher:   staticFeed(decode(t, `[]`)),
		OnUpdate:  func(domain.History) { updated <- struct{}{} },
	})

	assert.True(t, e.IsRunning())
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("auto start did not run a cycle")
	}
}

func TestClearHistoryPublishesEmptyCollection(t *testing.T) {
	rec := &renderRecorder{}
	e := newEngine(t, Options{
		Fetcher:  staticFeed(decode(t, `[{"id":"a","lon":1,"lat":1},{"id":"a","lon":2,"lat":2}]`)),
		Renderer: rec,
	})
	require.NoError(t, e.RunOnce(context.Background()))
	require.Len(t, e.Tracks().Features, 1)

	e.ClearHistory()

	assert.Empty(t, e.History())
	assert.Empty(t, e.Tracks().Features)
	fc, n := rec.last()
	assert.Equal(t, 2, n)
	assert.Empty(t, fc.Features)
}

func TestRestoreRebuildsTracks(t *testing.T) {
	e := newEngine(t, Options{Fetcher: staticFeed(decode(t, `[]`))})

	e.Restore(domain.History{"a": {{"lon": 1.0, "lat": 1.0}, {"lon": 2.0, "lat": 2.0}}})

	assert.Len(t, e.Tracks().Features, 1)
	assert.Len(t, e.TrackList(), 1)
	positions, ok := e.Entity("a")
	require.True(t, ok)
	assert.Len(t, positions, 2)
}

func TestCloseBlocksRestart(t *testing.T) {
	e, err := New(Options{URL: "http://feed.test", Fetcher: staticFeed(decode(t, `[]`))}, testLogger())
	require.NoError(t, err)

	e.Close()
	e.Start()

	assert.False(t, e.IsRunning())
}
