// Package monitor drives one observation session: frames go through the
// tracker and the active rule engine, and the outcome is recorded in the
// session event log.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"classwatch/internal/attendance"
	"classwatch/internal/config"
	"classwatch/internal/eventlog"
	"classwatch/internal/exam"
	"classwatch/internal/logging"
	"classwatch/internal/metrics"
	"classwatch/internal/model"
	"classwatch/internal/storage"
	"classwatch/internal/tracker"
)

var (
	ErrInvalidConfig = errors.New("invalid session config")
	ErrClosed        = errors.New("session closed")
	ErrNotExam       = errors.New("session is not an exam")
)

type Kind string

const (
	KindClassroom Kind = "classroom"
	KindExam      Kind = "exam"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindClassroom:
		return KindClassroom, nil
	case KindExam:
		return KindExam, nil
	default:
		return "", fmt.Errorf("%w: unknown session kind %q", ErrInvalidConfig, s)
	}
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithStore archives events and violations for the lifetime of the
// session.
func WithStore(store storage.Store) Option {
	return func(s *Session) { s.store = store }
}

func WithStats(stats *metrics.Store) Option {
	return func(s *Session) { s.stats = stats }
}

func WithCollector(c *metrics.Collector) Option {
	return func(s *Session) { s.collector = c }
}

// FrameResult describes what one frame changed.
type FrameResult struct {
	CameraID   string                    `json:"camera_id"`
	Timestamp  time.Time                 `json:"timestamp"`
	Duplicate  bool                      `json:"duplicate,omitempty"`
	Tracks     []model.TrackedEntity     `json:"tracks,omitempty"`
	Attendance *model.AttendanceSnapshot `json:"attendance,omitempty"`
	Violations []model.Violation         `json:"violations,omitempty"`
	Events     []model.SessionEvent      `json:"events,omitempty"`
}

type cameraState struct {
	tracker    *tracker.Tracker
	frames     uint64
	duplicates uint64
	rate       *rateWindow
	lastAlert  time.Time
}

// Session observes one room. Every camera gets its own tracker, drawing
// identities from a shared sequence; the attendance and exam engines see
// the union of all cameras' current tracks, in order of first frame.
// Process and Reset are serialised by mu; the event log is safe to read
// without it.
type Session struct {
	kind      Kind
	now       func() time.Time
	logger    *slog.Logger
	store     storage.Store
	stats     *metrics.Store
	collector *metrics.Collector

	cfg    atomic.Value
	labels atomic.Value

	events *eventlog.Log

	mu          sync.Mutex
	trackerCfg  tracker.Config
	seq         *tracker.Sequence
	attendance  *attendance.Engine
	exam        *exam.Engine
	dedupe      *dedupeCache
	cameras     map[string]*cameraState
	order       []string
	lastDropped int
	frames      uint64
	duplicates  uint64
	begun       bool
	closed      bool
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	kind, err := ParseKind(cfg.Session.Kind)
	if err != nil {
		return nil, err
	}
	s := &Session{
		kind:    kind,
		now:     time.Now,
		dedupe:  newDedupeCache(),
		cameras: make(map[string]*cameraState),
		seq:     tracker.NewSequence(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.trackerCfg = cfg.Tracker.ToTracker()
	if err := s.trackerCfg.Validate(); err != nil {
		return nil, err
	}
	s.attendance, err = attendance.New(cfg.Attendance.ToAttendance(),
		attendance.WithClock(s.now),
		attendance.WithLogger(logging.Component(s.logger, "attendance")))
	if err != nil {
		return nil, err
	}
	examCfg, err := cfg.Exam.ToExam()
	if err != nil {
		return nil, err
	}
	s.exam, err = exam.New(examCfg,
		exam.WithClock(s.now),
		exam.WithLogger(logging.Component(s.logger, "exam")))
	if err != nil {
		return nil, err
	}
	s.events = eventlog.New(
		eventlog.WithMaxEvents(cfg.EventLog.MaxEvents),
		eventlog.WithClock(s.now),
		eventlog.WithLogger(logging.Component(s.logger, "eventlog")),
	)
	s.events.OnEvent(s.recordEvent)
	s.ApplyConfig(cfg)
	return s, nil
}

// ApplyConfig swaps the hot-reloadable settings: admission, label filter
// and frame rate. Tracker and engine thresholds apply to new sessions
// only.
func (s *Session) ApplyConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.labels.Store(buildLabelFilter(cfg))
}

func (s *Session) config() *config.Config {
	if v := s.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (s *Session) labelFilter() *labelFilter {
	if v := s.labels.Load(); v != nil {
		return v.(*labelFilter)
	}
	return nil
}

func (s *Session) recordEvent(ev model.SessionEvent) {
	if s.collector != nil {
		s.collector.ObserveEvent(string(ev.Type))
	}
	if s.store != nil {
		if err := s.store.SaveEvent(context.Background(), ev); err != nil && s.logger != nil {
			s.logger.Warn("archive event failed", "event_id", ev.ID, "err", err)
		}
	}
}

// OnEvent subscribes fn to every event logged after this call.
func (s *Session) OnEvent(fn eventlog.Listener) func() {
	return s.events.OnEvent(fn)
}

// Begin logs session_start once. Process calls it for sessions driven
// without Start.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begin()
}

func (s *Session) begin() {
	if s.begun || s.closed {
		return
	}
	s.begun = true
	s.events.Log(model.EventSessionStart, model.SeverityInfo, "Session Started",
		fmt.Sprintf("%s session started.", titleCase(string(s.kind))),
		map[string]any{"kind": string(s.kind)})
}

// Start consumes frames until ctx is done or in is closed. The returned
// channel is closed once the loop has exited.
func (s *Session) Start(ctx context.Context, in <-chan model.Frame) <-chan struct{} {
	s.Begin()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case f, ok := <-in:
				if !ok {
					return
				}
				s.Process(f)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// Process runs one frame through admission, tracking, the active rule
// engine and the event log, in that order.
func (s *Session) Process(frame model.Frame) FrameResult {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return FrameResult{CameraID: frame.CameraID, Timestamp: frame.Timestamp}
	}
	s.begin()

	cfg := s.config()
	now := s.now()
	frame.Timestamp = clampTimestamp(frame.Timestamp, now, cfg.Session.MaxClockSkew, cfg.Session.MaxFutureSkew)
	res := FrameResult{CameraID: frame.CameraID, Timestamp: frame.Timestamp}
	cam, err := s.camera(frame.CameraID, cfg)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("camera setup failed", "camera_id", frame.CameraID, "err", err)
		}
		return res
	}

	if cfg.Session.DedupeWindow > 0 && s.dedupe.seen(hashFrame(frame), now, cfg.Session.DedupeWindow) {
		res.Duplicate = true
		s.duplicates++
		cam.duplicates++
		if s.collector != nil {
			s.collector.ObserveDuplicate()
		}
		return res
	}
	s.frames++
	cam.frames++

	dets := s.labelFilter().apply(frame.CameraID, frame.Detections)
	res.Tracks = cam.tracker.Update(dets, frame.Timestamp)
	view := s.view(cfg.Session.ConfirmedOnly)

	logEvent := func(typ model.EventType, sev model.Severity, title, desc string, meta map[string]any) {
		res.Events = append(res.Events, s.events.Log(typ, sev, title, desc, meta))
	}

	switch s.kind {
	case KindClassroom:
		out := s.attendance.Process(view)
		res.Attendance = &out.Snapshot
		for _, id := range out.Entries {
			logEvent(model.EventPersonEntered, model.SeverityInfo, "Person Entered",
				fmt.Sprintf("Track %s entered the frame.", id), map[string]any{"track_id": id})
		}
		for _, id := range out.Exits {
			logEvent(model.EventPersonExited, model.SeverityLow, "Person Exited",
				fmt.Sprintf("Track %s left the frame.", id), map[string]any{"track_id": id})
		}
		for _, id := range out.Marked {
			logEvent(model.EventAttendanceMarked, model.SeverityInfo, "Attendance Marked",
				fmt.Sprintf("Track %s marked present.", id),
				map[string]any{"track_id": id, "present_count": out.Snapshot.PresentCount})
		}
	case KindExam:
		res.Violations = s.exam.Analyze(view, dets)
		for _, v := range res.Violations {
			if s.collector != nil {
				s.collector.ObserveViolation(string(v.Type))
			}
			if s.store != nil {
				if err := s.store.SaveViolation(context.Background(), s.events.SessionID(), v); err != nil && s.logger != nil {
					s.logger.Warn("archive violation failed", "violation_id", v.ID, "err", err)
				}
			}
			meta := model.CopyMetadata(v.Metadata)
			if meta == nil {
				meta = make(map[string]any, 3)
			}
			meta["violation_id"] = v.ID
			meta["violation_type"] = string(v.Type)
			meta["confidence"] = v.Confidence
			logEvent(eventTypeFor(v.Type), v.Severity, v.Title, v.Description, meta)
		}
	}

	rm := s.observeRate(cam, frame, cfg, logEvent)

	if s.stats != nil {
		s.stats.Update(metrics.FrameStats{
			CameraID:     frame.CameraID,
			Frames:       cam.frames,
			Duplicates:   cam.duplicates,
			ActiveTracks: len(cam.tracker.Active()),
			Persons:      cam.tracker.ActivePersonCount(),
			FPS:          rm.FPS,
			JitterMs:     rm.JitterMs,
			LastFrame:    frame.Timestamp,
			UpdatedAt:    now,
		})
	}
	active, persons, dropped := s.counts()
	if s.collector != nil {
		s.collector.ObserveFrame(time.Since(start), active, persons, dropped-s.lastDropped)
	}
	s.lastDropped = dropped
	return res
}

func (s *Session) camera(id string, cfg *config.Config) (*cameraState, error) {
	if cam, ok := s.cameras[id]; ok {
		return cam, nil
	}
	tr, err := tracker.New(s.trackerCfg,
		tracker.WithSequence(s.seq),
		tracker.WithCamera(id),
		tracker.WithLogger(logging.Component(s.logger, "tracker")))
	if err != nil {
		return nil, err
	}
	cam := &cameraState{tracker: tr, rate: newRateWindow(cfg.Session.FrameRate.Window)}
	s.cameras[id] = cam
	s.order = append(s.order, id)
	return cam, nil
}

// view returns the tracks of every camera. Cameras that did not deliver
// this frame keep the state of their last frame.
func (s *Session) view(confirmedOnly bool) []model.TrackedEntity {
	var out []model.TrackedEntity
	for _, id := range s.order {
		tr := s.cameras[id].tracker
		if confirmedOnly {
			out = append(out, tr.Confirmed()...)
		} else {
			out = append(out, tr.All()...)
		}
	}
	return out
}

func (s *Session) counts() (active, persons, dropped int) {
	for _, id := range s.order {
		tr := s.cameras[id].tracker
		active += len(tr.Active())
		persons += tr.ActivePersonCount()
		dropped += tr.Dropped()
	}
	return active, persons, dropped
}

func (s *Session) observeRate(cam *cameraState, frame model.Frame, cfg *config.Config,
	logEvent func(model.EventType, model.Severity, string, string, map[string]any)) rateMetrics {
	fr := cfg.Session.FrameRate
	cam.rate.add(frame.Timestamp)
	rm := cam.rate.metrics()
	if !cam.rate.warm() || !deviates(rm.FPS, fr.ExpectedFPS, fr.Tolerance) {
		return rm
	}
	now := s.now()
	if !cam.lastAlert.IsZero() && now.Sub(cam.lastAlert) < fr.Cooldown {
		return rm
	}
	cam.lastAlert = now
	logEvent(model.EventSystemInfo, model.SeverityLow, "Frame Rate Deviation",
		fmt.Sprintf("Camera %s is delivering %.1f fps, expected %.0f. Frame-count thresholds assume the expected rate.",
			frame.CameraID, rm.FPS, fr.ExpectedFPS),
		map[string]any{"camera_id": frame.CameraID, "fps": rm.FPS, "expected_fps": fr.ExpectedFPS, "jitter_ms": rm.JitterMs})
	return rm
}

func eventTypeFor(t model.ViolationType) model.EventType {
	switch t {
	case model.ViolationProhibitedObject:
		return model.EventProhibitedObject
	case model.ViolationExcessiveMovement:
		return model.EventMovementAlert
	case model.ViolationMultipleFaces, model.ViolationUnauthorizedPerson:
		return model.EventFaceCountChange
	default:
		return model.EventViolation
	}
}

// Reset ends the current session and starts a fresh one. No frame is
// processed while it runs.
func (s *Session) Reset() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.events.SessionID()
	s.purge(old)
	s.seq.Reset()
	s.attendance.Reset()
	s.exam.Reset()
	s.dedupe.reset()
	s.cameras = make(map[string]*cameraState)
	s.order = nil
	s.lastDropped = 0
	s.frames = 0
	s.duplicates = 0
	if s.stats != nil {
		s.stats.Clear()
	}
	s.events.Rotate()
	s.closed = false
	s.begun = false
	s.begin()
	if s.logger != nil {
		s.logger.Info("session reset", "previous_session_id", old, "session_id", s.events.SessionID())
	}
	return s.events.SessionID()
}

// Close logs session_end. Frames processed afterwards are ignored until
// Reset.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events.Log(model.EventSessionEnd, model.SeverityInfo, "Session Ended",
		fmt.Sprintf("%s session ended after %s.", titleCase(string(s.kind)), s.events.SessionDuration().Round(time.Second)),
		map[string]any{"kind": string(s.kind), "frames": s.frames, "events": s.events.Len()})
	s.closed = true
	if !s.config().Storage.KeepOnClose {
		s.purge(s.events.SessionID())
	}
}

func (s *Session) purge(sessionID string) {
	if s.store == nil {
		return
	}
	n, err := s.store.PurgeSession(context.Background(), sessionID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("purge session archive failed", "session_id", sessionID, "err", err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("session archive purged", "session_id", sessionID, "rows", n)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (s *Session) Kind() Kind {
	return s.kind
}

func (s *Session) Events() *eventlog.Log {
	return s.events
}

func (s *Session) Stats() *metrics.Store {
	return s.stats
}

func (s *Session) Tracks() []model.TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(false)
}

func (s *Session) Attendance() model.AttendanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attendance.Snapshot()
}

// Violations returns up to limit of the newest retained violations, oldest
// first. A non-positive limit returns all of them.
func (s *Session) Violations(limit int) []model.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.exam.RecentViolations()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// SetExamMode changes the candidate expectation of an exam session.
func (s *Session) SetExamMode(mode exam.Mode, expected int) error {
	if s.kind != KindExam {
		return ErrNotExam
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exam.SetMode(mode, expected); err != nil {
		return err
	}
	s.events.Log(model.EventSystemInfo, model.SeverityInfo, "Exam Mode Changed",
		fmt.Sprintf("Exam mode set to %s with %d expected candidate(s).", s.exam.Mode(), s.exam.ExpectedCandidates()),
		map[string]any{"mode": string(s.exam.Mode()), "expected": s.exam.ExpectedCandidates()})
	return nil
}

type ExamStatus struct {
	Mode       exam.Mode    `json:"mode"`
	Expected   int          `json:"expected_candidates"`
	Violations int          `json:"violations"`
	Streaks    exam.Streaks `json:"streaks"`
}

type Status struct {
	SessionID    string        `json:"session_id"`
	Kind         Kind          `json:"kind"`
	Closed       bool          `json:"closed"`
	Duration     time.Duration `json:"duration"`
	Frames       uint64        `json:"frames"`
	Duplicates   uint64        `json:"duplicates"`
	Cameras      int           `json:"cameras"`
	Dropped      int           `json:"detections_dropped"`
	ActiveTracks int           `json:"active_tracks"`
	Persons      int           `json:"persons"`
	Events       int           `json:"events"`
	Exam         *ExamStatus   `json:"exam,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, persons, dropped := s.counts()
	st := Status{
		SessionID:    s.events.SessionID(),
		Kind:         s.kind,
		Closed:       s.closed,
		Duration:     s.events.SessionDuration(),
		Frames:       s.frames,
		Duplicates:   s.duplicates,
		Cameras:      len(s.order),
		Dropped:      dropped,
		ActiveTracks: active,
		Persons:      persons,
		Events:       s.events.Len(),
	}
	if s.kind == KindExam {
		st.Exam = &ExamStatus{
			Mode:       s.exam.Mode(),
			Expected:   s.exam.ExpectedCandidates(),
			Violations: s.exam.ViolationCount(),
			Streaks:    s.exam.Streaks(),
		}
	}
	return st
}
