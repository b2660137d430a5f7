package tracker

import (
	"sync/atomic"
	"time"
)

type counters struct {
	cycles      atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	shapeErrors atomic.Int64
	discarded   atomic.Int64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// Stats is a point-in-time view of the engine counters
type Stats struct {
	Running     bool       `json:"running"`
	Ready       bool       `json:"ready"`
	Entities    int        `json:"entities"`
	Tracks      int        `json:"tracks"`
	Cycles      int64      `json:"cycles"`
	Succeeded   int64      `json:"succeeded"`
	Failed      int64      `json:"failed"`
	ShapeErrors int64      `json:"shapeErrors"`
	Discarded   int64      `json:"discarded"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
}

func unixNanoPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(0, v)
	return &t
}
