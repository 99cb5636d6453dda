// Package trail archives accepted GPS fixes as compressed segments.
//
// Fixes are buffered per child and written as one segment every
// FlushEvery fixes, or when the child's monitoring session stops. A segment
// payload is JSON lines compressed with zstd.
package trail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"safewatch/internal/types"
)

// DefaultFlushEvery is the number of buffered fixes that triggers a segment.
const DefaultFlushEvery = 50

// Fix is one archived location.
type Fix struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// Segment is a compressed run of fixes for one child.
type Segment struct {
	ChildID   string
	StartedAt time.Time
	EndedAt   time.Time
	Count     int
	Data      []byte
}

// SegmentStore persists segments.
type SegmentStore interface {
	InsertSegment(ctx context.Context, seg Segment) error
}

// Recorder buffers fixes and writes segments to a SegmentStore.
type Recorder struct {
	store      SegmentStore
	flushEvery int
	logger     types.Logger
	encoder    *zstd.Encoder

	mu      sync.Mutex
	pending map[string][]Fix
}

// NewRecorder returns a Recorder. flushEvery <= 0 uses DefaultFlushEvery.
func NewRecorder(store SegmentStore, flushEvery int, logger types.Logger) (*Recorder, error) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Recorder{
		store:      store,
		flushEvery: flushEvery,
		logger:     logger,
		encoder:    enc,
		pending:    make(map[string][]Fix),
	}, nil
}

// Record buffers a fix and writes a segment once the buffer is full.
func (r *Recorder) Record(ctx context.Context, childID string, p types.LatLon, at time.Time) error {
	r.mu.Lock()
	buf := append(r.pending[childID], Fix{Lat: p.Lat, Lon: p.Lon, At: at.UTC()})
	if len(buf) < r.flushEvery {
		r.pending[childID] = buf
		r.mu.Unlock()
		return nil
	}
	delete(r.pending, childID)
	r.mu.Unlock()

	return r.write(ctx, childID, buf)
}

// Flush writes the buffered fixes of one child, if any.
func (r *Recorder) Flush(ctx context.Context, childID string) error {
	r.mu.Lock()
	buf := r.pending[childID]
	delete(r.pending, childID)
	r.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}
	return r.write(ctx, childID, buf)
}

// Close flushes every child and releases the encoder.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string][]Fix)
	r.mu.Unlock()

	var firstErr error
	for childID, buf := range all {
		if err := r.write(ctx, childID, buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.encoder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Pending returns the number of buffered fixes for childID.
func (r *Recorder) Pending(childID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[childID])
}

func (r *Recorder) write(ctx context.Context, childID string, fixes []Fix) error {
	seg, err := r.encode(childID, fixes)
	if err != nil {
		return err
	}
	if err := r.store.InsertSegment(ctx, seg); err != nil {
		r.logger.Error("trail segment insert failed",
			"child_id", childID,
			"fixes", seg.Count,
			"error", err,
		)
		return fmt.Errorf("insert trail segment: %w", err)
	}
	r.logger.Info("trail segment written",
		"child_id", childID,
		"fixes", seg.Count,
		"bytes", len(seg.Data),
	)
	return nil
}

func (r *Recorder) encode(childID string, fixes []Fix) (Segment, error) {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, f := range fixes {
		if err := enc.Encode(f); err != nil {
			return Segment{}, fmt.Errorf("encode fix: %w", err)
		}
	}
	return Segment{
		ChildID:   childID,
		StartedAt: fixes[0].At,
		EndedAt:   fixes[len(fixes)-1].At,
		Count:     len(fixes),
		Data:      r.encoder.EncodeAll(raw.Bytes(), nil),
	}, nil
}
