// Package attendance classifies tracked people into presence states and
// reports entry and exit transitions between frames.
package attendance

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"classwatch/internal/model"
)

var ErrInvalidConfig = errors.New("invalid attendance config")

type Config struct {
	MinPresenceDuration   time.Duration
	MaxDisappearanceCount int
	InstabilityThreshold  float64
	ModerateThreshold     float64
}

func DefaultConfig() Config {
	return Config{
		MinPresenceDuration:   10 * time.Second,
		MaxDisappearanceCount: 5,
		InstabilityThreshold:  0.3,
		ModerateThreshold:     0.1,
	}
}

func (c Config) Validate() error {
	if c.MinPresenceDuration < 0 {
		return fmt.Errorf("%w: min_presence_duration must be >= 0", ErrInvalidConfig)
	}
	if c.MaxDisappearanceCount < 1 {
		return fmt.Errorf("%w: max_disappearance_count must be >= 1", ErrInvalidConfig)
	}
	if c.InstabilityThreshold < 0 || c.InstabilityThreshold > 1 {
		return fmt.Errorf("%w: instability_threshold must be within [0,1]", ErrInvalidConfig)
	}
	if c.ModerateThreshold < 0 || c.ModerateThreshold > c.InstabilityThreshold {
		return fmt.Errorf("%w: moderate_threshold must be within [0,instability_threshold]", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Result is produced once per Process call. Entries and Exits are never
// reported retroactively.
type Result struct {
	Snapshot model.AttendanceSnapshot
	Entries  []string
	Exits    []string
	// Marked lists tracks that became present during this call.
	Marked []string
}

// Engine keeps one record per person track for the lifetime of a session.
// It is driven from a single frame loop and is not safe for concurrent use.
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	records      map[string]*model.AttendeeRecord
	order        []string
	prevActive   map[string]bool
	prevOrder    []string
	sessionStart time.Time
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.Reset()
	return e, nil
}

func (e *Engine) Process(tracks []model.TrackedEntity) Result {
	var res Result
	currentActive := make(map[string]bool)
	currentOrder := make([]string, 0)

	for _, track := range tracks {
		if track.Label != model.LabelPerson {
			continue
		}
		if track.Active && !currentActive[track.TrackID] {
			currentActive[track.TrackID] = true
			currentOrder = append(currentOrder, track.TrackID)
		}

		rec, ok := e.records[track.TrackID]
		if !ok {
			rec = &model.AttendeeRecord{
				TrackID:   track.TrackID,
				Status:    model.StatusAbsent,
				FirstSeen: track.FirstSeen,
			}
			e.records[track.TrackID] = rec
			e.order = append(e.order, track.TrackID)
		}
		rec.PresenceDuration = track.LastSeen.Sub(track.FirstSeen)
		rec.LastSeen = track.LastSeen
		rec.Visible = track.Active

		if e.prevActive[track.TrackID] && !track.Active {
			rec.DisappearanceCount++
		}

		prev := rec.Status
		rec.Status = e.classify(rec)
		if rec.Status == model.StatusPresent && prev != model.StatusPresent {
			res.Marked = append(res.Marked, rec.TrackID)
		}
		if prev != rec.Status && e.logger != nil {
			e.logger.Debug("attendance status changed",
				"track_id", rec.TrackID,
				"from", prev,
				"to", rec.Status,
				"disappearances", rec.DisappearanceCount,
			)
		}
	}

	for _, id := range currentOrder {
		if !e.prevActive[id] {
			res.Entries = append(res.Entries, id)
		}
	}
	for _, id := range e.prevOrder {
		if !currentActive[id] {
			res.Exits = append(res.Exits, id)
		}
	}
	e.prevActive = currentActive
	e.prevOrder = currentOrder

	res.Snapshot = e.snapshot()
	return res
}

func (e *Engine) classify(rec *model.AttendeeRecord) model.AttendanceStatus {
	switch {
	case rec.DisappearanceCount >= e.cfg.MaxDisappearanceCount:
		return model.StatusUnstable
	case rec.PresenceDuration >= e.cfg.MinPresenceDuration:
		return model.StatusPresent
	default:
		return model.StatusAbsent
	}
}

// Snapshot returns the current attendance state without processing a frame.
func (e *Engine) Snapshot() model.AttendanceSnapshot {
	return e.snapshot()
}

func (e *Engine) snapshot() model.AttendanceSnapshot {
	snap := model.AttendanceSnapshot{
		Attendees:       make([]model.AttendeeRecord, 0, len(e.order)),
		SessionDuration: e.now().Sub(e.sessionStart),
	}
	for _, id := range e.order {
		rec := *e.records[id]
		snap.Attendees = append(snap.Attendees, rec)
		switch rec.Status {
		case model.StatusPresent:
			snap.PresentCount++
		case model.StatusUnstable:
			snap.UnstableCount++
		default:
			snap.AbsentCount++
		}
	}
	snap.TotalDetected = len(snap.Attendees)

	ratio := 0.0
	if snap.TotalDetected > 0 {
		ratio = float64(snap.UnstableCount) / float64(snap.TotalDetected)
	}
	switch {
	case ratio > e.cfg.InstabilityThreshold:
		snap.ClassStability = model.StabilityUnstable
	case ratio > e.cfg.ModerateThreshold:
		snap.ClassStability = model.StabilityModerate
	default:
		snap.ClassStability = model.StabilityStable
	}
	return snap
}

// Reset clears every record and restarts the session clock. It is the only
// way accumulated presence is discarded.
func (e *Engine) Reset() {
	e.records = make(map[string]*model.AttendeeRecord)
	e.order = nil
	e.prevActive = make(map[string]bool)
	e.prevOrder = nil
	e.sessionStart = e.now()
}
