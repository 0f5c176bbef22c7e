// Package exam evaluates invigilation heuristics over tracked people and
// raw detections. Violations are advisory; nothing here enforces them.
package exam

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"classwatch/internal/model"
	"classwatch/internal/ring"
)

var ErrInvalidConfig = errors.New("invalid exam config")

type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSingle:
		return ModeSingle, nil
	case ModeMulti:
		return ModeMulti, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

type Config struct {
	Mode                    Mode
	ExpectedCandidates      int
	AbsenceFrameThreshold   int
	ExtraFaceFrameThreshold int
	ProhibitedObjects       []string
	MovementThreshold       float64
	MovementFrameThreshold  int
	Cooldown                time.Duration
	MaxViolations           int
}

func DefaultConfig() Config {
	return Config{
		Mode:                    ModeSingle,
		ExpectedCandidates:      1,
		AbsenceFrameThreshold:   15,
		ExtraFaceFrameThreshold: 10,
		ProhibitedObjects:       []string{"cell phone", "phone", "book", "laptop"},
		MovementThreshold:       80,
		MovementFrameThreshold:  20,
		Cooldown:                5 * time.Second,
		MaxViolations:           200,
	}
}

func (c Config) Validate() error {
	if c.Mode != ModeSingle && c.Mode != ModeMulti {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.ExpectedCandidates < 1 {
		return fmt.Errorf("%w: expected_candidates must be >= 1", ErrInvalidConfig)
	}
	if c.AbsenceFrameThreshold < 1 || c.ExtraFaceFrameThreshold < 1 || c.MovementFrameThreshold < 1 {
		return fmt.Errorf("%w: frame thresholds must be >= 1", ErrInvalidConfig)
	}
	if math.IsNaN(c.MovementThreshold) || c.MovementThreshold < 0 {
		return fmt.Errorf("%w: movement_threshold must be >= 0", ErrInvalidConfig)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must be >= 0", ErrInvalidConfig)
	}
	if c.MaxViolations < 1 {
		return fmt.Errorf("%w: max_violations must be >= 1", ErrInvalidConfig)
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

// Engine is driven by a single frame loop and is not safe for concurrent
// use.
type Engine struct {
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
	prohibited map[string]struct{}

	noFaceFrames    int
	extraFaceFrames int
	movementFrames  int
	lastCentroids   map[string]model.Point

	violations *ring.Buffer[model.Violation]
	cooldown   *cooldown
	nextID     int
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		now:        time.Now,
		prohibited: make(map[string]struct{}, len(cfg.ProhibitedObjects)),
		cooldown:   newCooldown(cfg.Cooldown),
		violations: ring.New[model.Violation](cfg.MaxViolations),
	}
	for _, label := range cfg.ProhibitedObjects {
		e.prohibited[label] = struct{}{}
	}
	if cfg.Mode == ModeSingle {
		e.cfg.ExpectedCandidates = 1
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Reset()
	return e, nil
}

// SetMode switches between single and multi candidate rooms. Single mode
// always expects exactly one candidate.
func (e *Engine) SetMode(mode Mode, expected int) error {
	switch mode {
	case ModeSingle:
		expected = 1
	case ModeMulti:
		if expected < 1 {
			return fmt.Errorf("%w: expected candidates must be >= 1", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, mode)
	}
	e.cfg.Mode = mode
	e.cfg.ExpectedCandidates = expected
	if e.logger != nil {
		e.logger.Info("exam mode changed", "mode", mode, "expected", expected)
	}
	return nil
}

func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

func (e *Engine) ExpectedCandidates() int {
	return e.cfg.ExpectedCandidates
}

// Analyze runs every rule once and returns the violations created by this
// call.
func (e *Engine) Analyze(tracks []model.TrackedEntity, detections []model.Detection) []model.Violation {
	now := e.now()
	var out []model.Violation
	emit := func(v *model.Violation) {
		if v != nil {
			out = append(out, *v)
		}
	}

	persons := make([]model.TrackedEntity, 0, len(tracks))
	for _, t := range tracks {
		if t.Label == model.LabelPerson && t.Active {
			persons = append(persons, t)
		}
	}
	count := len(persons)
	expected := e.cfg.ExpectedCandidates

	switch {
	case count == 0:
		e.noFaceFrames++
		e.extraFaceFrames = 0
		if e.noFaceFrames >= e.cfg.AbsenceFrameThreshold {
			emit(e.create(now, model.ViolationCandidateAbsent, model.SeverityHigh,
				"Candidate Absent",
				fmt.Sprintf("No person detected for %d consecutive frames. Candidate may have left the exam area.", e.noFaceFrames),
				0, nil))
		}
	case e.cfg.Mode == ModeSingle && count > expected:
		e.noFaceFrames = 0
		e.extraFaceFrames++
		if e.extraFaceFrames >= e.cfg.ExtraFaceFrameThreshold {
			emit(e.create(now, model.ViolationMultipleFaces, model.SeverityHigh,
				"Multiple Persons Detected",
				fmt.Sprintf("%d persons detected in single-candidate exam. Expected %d. Possible unauthorized assistance.", count, expected),
				maxConfidence(persons), map[string]any{"detected": count, "expected": expected}))
		}
	case e.cfg.Mode == ModeMulti && count > expected+1:
		e.noFaceFrames = 0
		e.extraFaceFrames++
		if e.extraFaceFrames >= e.cfg.ExtraFaceFrameThreshold {
			emit(e.create(now, model.ViolationUnauthorizedPerson, model.SeverityMedium,
				"Unauthorized Person Detected",
				fmt.Sprintf("%d persons detected, expected %d. Possible unauthorized entry.", count, expected),
				maxConfidence(persons), map[string]any{"detected": count, "expected": expected}))
		}
	default:
		e.noFaceFrames = 0
		e.extraFaceFrames = 0
	}

	for _, d := range detections {
		if _, ok := e.prohibited[d.Label]; !ok {
			continue
		}
		emit(e.create(now, model.ViolationProhibitedObject, model.SeverityHigh,
			"Prohibited Object: "+d.Label,
			fmt.Sprintf("A %q was detected with %.0f%% confidence. This item is not permitted during the exam.", d.Label, d.Confidence*100),
			d.Confidence, map[string]any{"object": d.Label}))
	}

	total := 0.0
	for _, p := range persons {
		if prev, ok := e.lastCentroids[p.TrackID]; ok {
			total += prev.DistanceTo(p.Centroid)
		}
		e.lastCentroids[p.TrackID] = p.Centroid
	}
	e.pruneCentroids(tracks)
	if total > e.cfg.MovementThreshold {
		e.movementFrames++
		if e.movementFrames >= e.cfg.MovementFrameThreshold {
			emit(e.create(now, model.ViolationExcessiveMovement, model.SeverityMedium,
				"Excessive Movement Detected",
				fmt.Sprintf("Sustained high movement detected over %d frames. Possible communication or restlessness.", e.movementFrames),
				0.7, nil))
		}
	} else if e.movementFrames > 0 {
		// Quiet frames decay the streak instead of clearing it.
		e.movementFrames--
	}

	for _, v := range out {
		e.violations.Add(v.Clone())
	}
	return out
}

// pruneCentroids forgets tracks the tracker no longer reports.
func (e *Engine) pruneCentroids(tracks []model.TrackedEntity) {
	known := make(map[string]struct{}, len(tracks))
	for _, t := range tracks {
		known[t.TrackID] = struct{}{}
	}
	for id := range e.lastCentroids {
		if _, ok := known[id]; !ok {
			delete(e.lastCentroids, id)
		}
	}
}

func (e *Engine) create(now time.Time, typ model.ViolationType, sev model.Severity, title, desc string, confidence float64, meta map[string]any) *model.Violation {
	if !e.cooldown.allow(typ, now) {
		return nil
	}
	e.nextID++
	v := &model.Violation{
		ID:            fmt.Sprintf("viol_%d", e.nextID),
		Type:          typ,
		Severity:      sev,
		Title:         title,
		Description:   desc,
		Timestamp:     now,
		TimeFormatted: now.Format(model.TimeLayout),
		Confidence:    math.Round(confidence*1000) / 1000,
		Metadata:      meta,
	}
	if e.logger != nil {
		e.logger.Info("violation detected", "id", v.ID, "type", typ, "severity", sev, "confidence", v.Confidence)
	}
	return v
}

func maxConfidence(tracks []model.TrackedEntity) float64 {
	best := 0.0
	for _, t := range tracks {
		best = math.Max(best, t.Confidence)
	}
	return best
}

// RecentViolations returns copies of the retained violations, oldest
// first.
func (e *Engine) RecentViolations() []model.Violation {
	list := e.violations.List(0)
	for i := range list {
		list[i] = list[i].Clone()
	}
	return list
}

// Streaks reports the consecutive-frame counters behind the presence and
// movement rules.
type Streaks struct {
	NoFace    int `json:"no_face_frames"`
	ExtraFace int `json:"extra_face_frames"`
	Movement  int `json:"movement_frames"`
}

func (e *Engine) Streaks() Streaks {
	return Streaks{NoFace: e.noFaceFrames, ExtraFace: e.extraFaceFrames, Movement: e.movementFrames}
}

func (e *Engine) ViolationCount() int {
	return e.violations.Len()
}

// Reset zeroes every streak, forgets centroids and cooldowns, clears the
// violation buffer and restarts id numbering.
func (e *Engine) Reset() {
	e.noFaceFrames = 0
	e.extraFaceFrames = 0
	e.movementFrames = 0
	e.lastCentroids = make(map[string]model.Point)
	e.violations.Clear()
	e.cooldown.reset()
	e.nextID = 0
}
