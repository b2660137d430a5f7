package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datatracker/internal/domain"
	"datatracker/internal/extract"
	"datatracker/internal/history"
	"datatracker/internal/track"
	"datatracker/pkg/feedclient"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultMaxHistorySize = 10

	// Unbounded disables history bounding when used as MaxHistorySize.
	Unbounded = -1
)

// Fetcher retrieves one decoded feed response.
type Fetcher interface {
	Fetch(ctx context.Context) (any, error)
}

// Renderer receives the track collection after every applied cycle.
type Renderer interface {
	Render(fc domain.FeatureCollection)
}

type Options struct {
	URL          string
	Interval     time.Duration
	FetchTimeout time.Duration

	Extractors extract.Set

	// MinPositions defaults to 2 when zero.
	MinPositions int
	// MaxHistorySize defaults to 10 when zero; negative values disable bounding.
	MaxHistorySize int

	OnUpdate func(domain.History)
	OnError  func(error)
	Renderer Renderer

	// Fetcher overrides the HTTP client built from URL.
	Fetcher Fetcher

	AutoStart bool
}

// Engine polls the feed, merges positions into the history store and
// publishes the resulting tracks.
type Engine struct {
	fetcher    Fetcher
	extractors extract.Set
	store      *history.Store
	builder    *track.Builder
	renderer   Renderer
	onUpdate   func(domain.History)
	onError    func(error)
	interval   time.Duration
	logger     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	stopTicker context.CancelFunc
	generation uint64
	seq        uint64

	applyMu sync.Mutex
	// entitySeq records the newest cycle merged into each entity.
	entitySeq map[domain.EntityID]uint64
	version   uint64
	tracks    domain.FeatureCollection

	// publishMu orders callbacks; only the newest version is published.
	publishMu sync.Mutex

	inflight sync.WaitGroup
	stats    counters
}

func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MinPositions == 0 {
		opts.MinPositions = track.DefaultMinPositions
	}
	if opts.MaxHistorySize == 0 {
		opts.MaxHistorySize = DefaultMaxHistorySize
	}
	if opts.Fetcher == nil {
		opts.Fetcher = feedclient.New(opts.URL, opts.FetchTimeout)
	}

	ext := opts.Extractors.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		fetcher:    opts.Fetcher,
		extractors: ext,
		store:      history.New(opts.MaxHistorySize, ext.Coordinates),
		builder:    track.New(opts.MinPositions, ext.Coordinates),
		renderer:   opts.Renderer,
		onUpdate:   opts.OnUpdate,
		onError:    opts.OnError,
		interval:   opts.Interval,
		logger:     logger.With("component", "tracker"),
		baseCtx:    ctx,
		baseCancel: cancel,
		entitySeq:  make(map[domain.EntityID]uint64),
		tracks:     domain.NewFeatureCollection(),
	}

	if opts.AutoStart {
		e.Start()
	}
	return e, nil
}

// Start runs one cycle immediately and then one per interval. Calling Start
// on a running engine does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopTicker != nil || e.baseCtx.Err() != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(e.baseCtx)
	e.stopTicker = cancel
	gen := e.generation

	e.logger.Info("tracker started", "interval", e.interval)

	e.launch(gen)
	go e.run(tickCtx, gen)
}

// Stop cancels the schedule. Cycles still in flight finish but their
// results are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.stopTicker == nil {
		return
	}
	e.stopTicker()
	e.stopTicker = nil
	e.generation++
	e.logger.Info("tracker stopped")
}

// Close stops the engine, aborts in-flight requests and waits for them.
func (e *Engine) Close() {
	e.Stop()
	e.baseCancel()
	e.inflight.Wait()
}

// Wait blocks until every launched cycle has returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopTicker != nil
}

// IsReady reports whether at least one cycle has been applied.
func (e *Engine) IsReady() bool {
	return e.stats.succeeded.Load() > 0
}

func (e *Engine) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.generation == gen {
				e.launch(gen)
			}
			e.mu.Unlock()
		}
	}
}

// launch starts a cycle without waiting for earlier ones. Callers hold e.mu.
func (e *Engine) launch(gen uint64) {
	e.seq++
	seq := e.seq
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tracker cycle panicked", "panic", r)
			}
		}()
		e.cycle(e.baseCtx, gen, seq)
	}()
}

// RunOnce performs a single synchronous cycle and returns its error.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.mu.Lock()
	e.seq++
	gen, seq := e.generation, e.seq
	e.mu.Unlock()
	return e.cycle(ctx, gen, seq)
}

func (e *Engine) cycle(ctx context.Context, gen, seq uint64) error {
	e.stats.cycles.Add(1)
	start := time.Now()

	data, err := e.fetcher.Fetch(ctx)
	if err != nil {
		err = classify(err)
		e.fail(gen, err)
		return err
	}

	snapshot, err := e.snapshot(data)
	if err != nil {
		var shapeErr *ShapeError
		if errors.As(err, &shapeErr) {
			e.stats.shapeErrors.Add(1)
			e.logger.Error("invalid feed shape", "error", err)
			return err
		}
		e.fail(gen, err)
		return err
	}

	version, err := e.apply(gen, seq, snapshot)
	if err != nil {
		e.stats.discarded.Add(1)
		e.logger.Debug("cycle discarded", "seq", seq, "generation", gen)
		return err
	}

	e.publish(version, true)

	e.logger.Debug("cycle completed",
		"seq", seq,
		"observed", len(snapshot),
		"duration", time.Since(start),
	)
	return nil
}

// publish hands the current state to the callbacks unless a newer version
// has been applied since, in which case that version's publish covers it.
// Callbacks must not call ClearHistory or Restore.
func (e *Engine) publish(version uint64, update bool) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.applyMu.Lock()
	if version != e.version {
		e.applyMu.Unlock()
		return
	}
	h := e.store.Get()
	fc := e.tracks
	e.applyMu.Unlock()

	if update && e.onUpdate != nil {
		e.onUpdate(h)
	}
	if e.renderer != nil {
		e.renderer.Render(fc)
	}
}

func (e *Engine) snapshot(data any) (snapshot domain.History, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()

	items, ok := e.extractors.Items(data)
	if !ok {
		return nil, &ShapeError{Response: fmt.Sprintf("%T", data)}
	}

	snapshot = make(domain.History)
	for _, item := range items {
		if !e.extractors.Filter(item) {
			continue
		}
		id, ok := e.extractors.ID(item)
		if !ok {
			continue
		}
		meta, ok := e.extractors.Metadata(item)
		if !ok || meta == nil {
			continue
		}
		snapshot[id] = append(snapshot[id], meta)
	}
	return snapshot, nil
}

// apply merges snapshot unless the engine was stopped or restarted since the
// cycle began. Entities already merged by a newer cycle keep that data; the
// rest of an older snapshot is still merged.
func (e *Engine) apply(gen, seq uint64, snapshot domain.History) (uint64, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if !e.current(gen) {
		return 0, ErrStaleCycle
	}

	for id := range snapshot {
		if e.entitySeq[id] > seq {
			delete(snapshot, id)
			continue
		}
		e.entitySeq[id] = seq
	}

	e.store.Merge(snapshot)
	e.tracks = e.builder.Build(e.store.Get())
	e.version++

	e.stats.succeeded.Add(1)
	e.stats.lastSuccess.Store(time.Now().UnixNano())
	return e.version, nil
}

func (e *Engine) fail(gen uint64, err error) {
	if !e.current(gen) {
		e.stats.discarded.Add(1)
		return
	}
	e.stats.failed.Add(1)
	e.stats.lastFailure.Store(time.Now().UnixNano())

	if e.onError != nil {
		e.onError(err)
		return
	}
	e.logger.Error("tracker fetch error", "error", err)
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == gen
}

// ClearHistory empties the history and publishes an empty collection.
func (e *Engine) ClearHistory() {
	e.applyMu.Lock()
	e.store.Clear()
	e.entitySeq = make(map[domain.EntityID]uint64)
	e.tracks = domain.NewFeatureCollection()
	e.version++
	version := e.version
	e.applyMu.Unlock()

	e.publish(version, false)
}

// Restore seeds the history, typically from a persisted copy.
func (e *Engine) Restore(h domain.History) {
	e.applyMu.Lock()
	e.store.Restore(h)
	e.entitySeq = make(map[domain.EntityID]uint64)
	e.tracks = e.builder.Build(e.store.Get())
	e.version++
	e.applyMu.Unlock()
}

func (e *Engine) History() domain.History {
	return e.store.Get()
}

func (e *Engine) Entity(id domain.EntityID) ([]domain.Position, bool) {
	return e.store.Entity(id)
}

// Tracks returns the collection built by the last applied cycle.
func (e *Engine) Tracks() domain.FeatureCollection {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.tracks
}

// TrackList returns the current tracks with their lengths.
func (e *Engine) TrackList() []domain.Track {
	return e.builder.Tracks(e.store.Get())
}

func (e *Engine) Stats() Stats {
	tracks := e.Tracks()
	return Stats{
		Running:     e.IsRunning(),
		Ready:       e.IsReady(),
		Entities:    e.store.Len(),
		Tracks:      len(tracks.Features),
		Cycles:      e.stats.cycles.Load(),
		Succeeded:   e.stats.succeeded.Load(),
		Failed:      e.stats.failed.Load(),
		ShapeErrors: e.stats.shapeErrors.Load(),
		Discarded:   e.stats.discarded.Load(),
		LastSuccess: unixNanoPtr(e.stats.lastSuccess.Load()),
		LastFailure: unixNanoPtr(e.stats.lastFailure.Load()),
	}
}
