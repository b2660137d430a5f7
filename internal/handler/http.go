package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"datatracker/internal/domain"
	"datatracker/internal/tracker"
)

// Tracker is the engine surface the HTTP and websocket handlers use.
type Tracker interface {
	Start()
	Stop()
	IsRunning() bool
	IsReady() bool
	ClearHistory()
	History() domain.History
	Entity(id domain.EntityID) ([]domain.Position, bool)
	Tracks() domain.FeatureCollection
	TrackList() []domain.Track
	Stats() tracker.Stats
}

type HTTPHandler struct {
	tracker Tracker
	onClear func()
	logger  *slog.Logger
}

// NewHTTPHandler serves the tracker API. onClear, if set, runs after the
// history has been cleared.
func NewHTTPHandler(t Tracker, onClear func(), logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{tracker: t, onClear: onClear, logger: logger.With("component", "http_handler")}
}

func (h *HTTPHandler) GetTracks(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	fc := h.tracker.Tracks()

	if bboxStr := r.URL.Query().Get("bbox"); bboxStr != "" {
		bbox, err := parseBBox(bboxStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := domain.NewFeatureCollection()
		for _, f := range fc.Features {
			if bbox.Intersects(f.Geometry.Coordinates) {
				filtered.Features = append(filtered.Features, f)
			}
		}
		fc = filtered
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSONType(w, http.StatusOK, "application/geo+json", fc)
}

type TrackSummary struct {
	ID           domain.EntityID `json:"id"`
	PointCount   int             `json:"pointCount"`
	LengthMeters float64         `json:"lengthMeters"`
}

type TrackSummaryResponse struct {
	Tracks     []TrackSummary `json:"tracks"`
	Count      int            `json:"count"`
	ServerTime time.Time      `json:"serverTime"`
}

func (h *HTTPHandler) GetTrackSummary(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	tracks := h.tracker.TrackList()
	summaries := make([]TrackSummary, 0, len(tracks))
	for _, t := range tracks {
		summaries = append(summaries, TrackSummary{
			ID:           t.ID,
			PointCount:   t.PointCount,
			LengthMeters: t.LengthMeters,
		})
	}

	respondJSON(w, http.StatusOK, TrackSummaryResponse{
		Tracks:     summaries,
		Count:      len(summaries),
		ServerTime: time.Now(),
	})
}

type HistoryResponse struct {
	History    domain.History `json:"history"`
	Entities   int            `json:"entities"`
	ServerTime time.Time      `json:"serverTime"`
}

func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	hist := h.tracker.History()
	respondJSON(w, http.StatusOK, HistoryResponse{
		History:    hist,
		Entities:   len(hist),
		ServerTime: time.Now(),
	})
}

type EntityResponse struct {
	ID        domain.EntityID   `json:"id"`
	Positions []domain.Position `json:"positions"`
}

func (h *HTTPHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing entity id")
		return
	}

	positions, ok := h.tracker.Entity(domain.EntityID(id))
	if !ok {
		respondError(w, http.StatusNotFound, "entity not found")
		return
	}

	respondJSON(w, http.StatusOK, EntityResponse{ID: domain.EntityID(id), Positions: positions})
}

func (h *HTTPHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	h.tracker.ClearHistory()
	if h.onClear != nil {
		h.onClear()
	}
	h.logger.Info("history cleared")
	w.WriteHeader(http.StatusNoContent)
}

type TrackerStateResponse struct {
	Running bool `json:"running"`
}

func (h *HTTPHandler) StartTracker(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	h.tracker.Start()
	respondJSON(w, http.StatusOK, TrackerStateResponse{Running: h.tracker.IsRunning()})
}

func (h *HTTPHandler) StopTracker(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	h.tracker.Stop()
	respondJSON(w, http.StatusOK, TrackerStateResponse{Running: h.tracker.IsRunning()})
}

func parseBBox(s string) (*domain.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errInvalidBBox("expected minLat,minLon,maxLat,maxLon")
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errInvalidBBox(err.Error())
		}
		vals[i] = v
	}
	return &domain.BoundingBox{
		MinLat: vals[0], MinLon: vals[1],
		MaxLat: vals[2], MaxLon: vals[3],
	}, nil
}

type errInvalidBBox string

func (e errInvalidBBox) Error() string {
	return "invalid bbox: " + string(e)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	respondJSONType(w, status, "application/json", data)
}

func respondJSONType(w http.ResponseWriter, status int, contentType string, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
