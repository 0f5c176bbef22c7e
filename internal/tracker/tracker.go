// Package tracker assigns persistent anonymous identities to per-frame
// detections using greedy nearest-neighbour centroid matching.
//
// Identities are opaque counters ("anon_0001") drawn from a Sequence,
// owned by the Tracker unless several trackers share one. Nothing about
// the detected object other than its label and bounding box is ever
// retained.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"classwatch/internal/model"
)

var ErrInvalidConfig = errors.New("invalid tracker config")

// Config holds matching and lifecycle thresholds.
type Config struct {
	MaxDistance           float64 // Max centroid distance (px) for a match
	MaxLostFrames         int     // Consecutive misses tolerated before purge
	MinFramesForConfirmed int     // Matches needed before a track is confirmed
}

func DefaultConfig() Config {
	return Config{
		MaxDistance:           120,
		MaxLostFrames:         30,
		MinFramesForConfirmed: 5,
	}
}

func (c Config) Validate() error {
	if math.IsNaN(c.MaxDistance) || math.IsInf(c.MaxDistance, 0) || c.MaxDistance <= 0 {
		return fmt.Errorf("%w: max_distance must be a positive number, got %v", ErrInvalidConfig, c.MaxDistance)
	}
	if c.MaxLostFrames < 0 {
		return fmt.Errorf("%w: max_lost_frames must be >= 0, got %d", ErrInvalidConfig, c.MaxLostFrames)
	}
	if c.MinFramesForConfirmed < 1 {
		return fmt.Errorf("%w: min_frames_for_confirmed must be >= 1, got %d", ErrInvalidConfig, c.MinFramesForConfirmed)
	}
	return nil
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithSequence draws identities from seq, so trackers sharing it never
// hand out the same id. Reset on such a tracker leaves seq untouched.
func WithSequence(seq *Sequence) Option {
	return func(t *Tracker) { t.seq = seq }
}

// WithCamera stamps every track created by this tracker with cameraID.
func WithCamera(cameraID string) Option {
	return func(t *Tracker) { t.camera = cameraID }
}

// Sequence hands out "anon_NNNN" identities in increasing order. It is
// not safe for concurrent use.
type Sequence struct {
	next int
}

func NewSequence() *Sequence {
	return &Sequence{next: 1}
}

func (s *Sequence) nextID() string {
	id := fmt.Sprintf("anon_%04d", s.next)
	s.next++
	return id
}

// Reset restarts numbering at anon_0001.
func (s *Sequence) Reset() {
	s.next = 1
}

// Tracker is not safe for concurrent use. It is driven by a single frame
// loop; callers that share it must serialise Update and Reset.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	tracks map[string]*model.TrackedEntity
	// order keeps insertion order so matching ties and output are
	// deterministic.
	order  []string
	seq    *Sequence
	ownSeq bool
	camera string

	dropped int
}

func New(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:    cfg,
		tracks: make(map[string]*model.TrackedEntity),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.seq == nil {
		t.seq = NewSequence()
		t.ownSeq = true
	}
	return t, nil
}

type candidate struct {
	detection model.Detection
	centroid  model.Point
}

type pair struct {
	trackID string
	detIdx  int
	dist    float64
}

// Update matches detections against existing tracks and returns every
// retained track, active and recently lost, in creation order.
//
// Matching is greedy: all same-label pairs within MaxDistance are sorted
// by distance and accepted in order, skipping tracks and detections that
// are already consumed. This approximates optimal bipartite assignment and
// can switch identities where an optimal solver would not. Ties keep the
// order of the first track by creation, then the first detection by index.
func (t *Tracker) Update(detections []model.Detection, timestamp time.Time) []model.TrackedEntity {
	candidates := make([]candidate, 0, len(detections))
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			t.dropped++
			if t.logger != nil {
				t.logger.Debug("dropping detection", "index", i, "label", d.Label, "err", err)
			}
			continue
		}
		candidates = append(candidates, candidate{detection: d, centroid: d.BBox.Centroid()})
	}

	pairs := make([]pair, 0)
	for _, id := range t.order {
		track := t.tracks[id]
		for i, c := range candidates {
			if c.detection.Label != track.Label {
				continue
			}
			dist := track.Centroid.DistanceTo(c.centroid)
			if dist <= t.cfg.MaxDistance {
				pairs = append(pairs, pair{trackID: id, detIdx: i, dist: dist})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	matched := make(map[string]bool, len(t.tracks))
	used := make([]bool, len(candidates))
	for _, p := range pairs {
		if matched[p.trackID] || used[p.detIdx] {
			continue
		}
		track := t.tracks[p.trackID]
		c := candidates[p.detIdx]
		track.Centroid = c.centroid
		track.BBox = c.detection.BBox
		track.Confidence = c.detection.Confidence
		track.LastSeen = timestamp
		track.FramesSeen++
		track.FramesLost = 0
		track.Active = true
		matched[p.trackID] = true
		used[p.detIdx] = true
	}

	kept := t.order[:0]
	for _, id := range t.order {
		if matched[id] {
			kept = append(kept, id)
			continue
		}
		track := t.tracks[id]
		track.FramesLost++
		track.Active = false
		if track.FramesLost > t.cfg.MaxLostFrames {
			delete(t.tracks, id)
			if t.logger != nil {
				t.logger.Debug("track purged", "track_id", id, "label", track.Label, "frames_seen", track.FramesSeen)
			}
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept

	for i, c := range candidates {
		if used[i] {
			continue
		}
		id := t.seq.nextID()
		t.tracks[id] = &model.TrackedEntity{
			TrackID:    id,
			CameraID:   t.camera,
			Label:      c.detection.Label,
			Centroid:   c.centroid,
			BBox:       c.detection.BBox,
			Confidence: c.detection.Confidence,
			FirstSeen:  timestamp,
			LastSeen:   timestamp,
			FramesSeen: 1,
			Active:     true,
		}
		t.order = append(t.order, id)
	}

	return t.All()
}

// All returns copies of every retained track.
func (t *Tracker) All() []model.TrackedEntity {
	return t.collect(func(*model.TrackedEntity) bool { return true })
}

// Active returns tracks matched in the most recent update.
func (t *Tracker) Active() []model.TrackedEntity {
	return t.collect(func(tr *model.TrackedEntity) bool { return tr.Active })
}

// Confirmed returns tracks matched at least MinFramesForConfirmed times,
// suppressing one-frame noise for consumers that prefer stability.
func (t *Tracker) Confirmed() []model.TrackedEntity {
	return t.collect(func(tr *model.TrackedEntity) bool { return tr.FramesSeen >= t.cfg.MinFramesForConfirmed })
}

func (t *Tracker) ActivePersonCount() int {
	n := 0
	for _, id := range t.order {
		if tr := t.tracks[id]; tr.Active && tr.Label == model.LabelPerson {
			n++
		}
	}
	return n
}

// Dropped returns the number of malformed detections discarded since the
// last Reset.
func (t *Tracker) Dropped() int {
	return t.dropped
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Reset clears all tracks. It restarts the identity counter only when the
// tracker owns its Sequence.
func (t *Tracker) Reset() {
	t.tracks = make(map[string]*model.TrackedEntity)
	t.order = nil
	if t.ownSeq {
		t.seq.Reset()
	}
	t.dropped = 0
}

func (t *Tracker) collect(keep func(*model.TrackedEntity) bool) []model.TrackedEntity {
	out := make([]model.TrackedEntity, 0, len(t.order))
	for _, id := range t.order {
		tr := t.tracks[id]
		if keep(tr) {
			out = append(out, *tr)
		}
	}
	return out
}
