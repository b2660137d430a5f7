package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"datatracker/internal/domain"
)

// HistoryCache persists the tracker history so a restart resumes with the
// tracks it had.
type HistoryCache struct {
	kv     KV
	ttl    time.Duration
	logger *slog.Logger

	pendingHistory chan domain.History
	pendingTracks  chan domain.FeatureCollection
}

func NewHistoryCache(kv KV, ttl time.Duration, logger *slog.Logger) *HistoryCache {
	return &HistoryCache{
		kv:             kv,
		ttl:            ttl,
		logger:         logger.With("component", "history_cache"),
		pendingHistory: make(chan domain.History, 1),
		pendingTracks:  make(chan domain.FeatureCollection, 1),
	}
}

// Run writes submitted values until ctx is done. Only the newest pending
// value of each kind is written.
func (c *HistoryCache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-c.pendingHistory:
			if err := c.Save(ctx, h); err != nil {
				c.logger.Error("failed to save history", "error", err)
			}
		case fc := <-c.pendingTracks:
			if err := c.SaveTracks(ctx, fc); err != nil {
				c.logger.Error("failed to save tracks", "error", err)
			}
		}
	}
}

// Submit queues h for saving, replacing any unsaved history.
func (c *HistoryCache) Submit(h domain.History) {
	for {
		select {
		case c.pendingHistory <- h:
			return
		default:
			select {
			case <-c.pendingHistory:
			default:
			}
		}
	}
}

// Render queues fc for saving, replacing any unsaved collection.
func (c *HistoryCache) Render(fc domain.FeatureCollection) {
	for {
		select {
		case c.pendingTracks <- fc:
			return
		default:
			select {
			case <-c.pendingTracks:
			default:
			}
		}
	}
}

type historyEntry struct {
	History domain.History `json:"history"`
	SavedAt time.Time      `json:"savedAt"`
}

// Save stores h. An empty history removes the saved copy.
func (c *HistoryCache) Save(ctx context.Context, h domain.History) error {
	if len(h) == 0 {
		return c.kv.Delete(ctx, KeyHistory)
	}
	data, err := json.Marshal(historyEntry{History: h, SavedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.kv.Set(ctx, KeyHistory, data, c.ttl)
}

// Load returns the saved history, or nil when nothing was saved.
func (c *HistoryCache) Load(ctx context.Context) (domain.History, error) {
	data, err := c.kv.Get(ctx, KeyHistory)
	if err != nil || data == nil {
		return nil, err
	}
	var entry historyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	c.logger.Info("loaded saved history", "entities", len(entry.History), "saved_at", entry.SavedAt)
	return entry.History, nil
}

// SaveTracks stores the last published collection for renderers that read
// Redis directly.
func (c *HistoryCache) SaveTracks(ctx context.Context, fc domain.FeatureCollection) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.kv.Set(ctx, KeyTracks, data, c.ttl)
}

// Reset queues an empty history, superseding any unsaved one, so the saved
// copy is removed in order with regular saves.
func (c *HistoryCache) Reset() {
	c.Submit(domain.History{})
}
