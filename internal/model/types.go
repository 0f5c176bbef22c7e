package model

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"time"
)

const TimeLayout = "03:04:05 PM"

const LabelPerson = "person"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) DistanceTo(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b BoundingBox) Centroid() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

var ErrInvalidDetection = errors.New("invalid detection")

// Validate reports whether the detection can be tracked. Zero-area boxes
// are rejected because they carry no usable centroid.
func (d Detection) Validate() error {
	if d.Label == "" {
		return fmt.Errorf("%w: missing label", ErrInvalidDetection)
	}
	for _, v := range []float64{d.Confidence, d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidDetection)
		}
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDetection, d.Confidence)
	}
	if d.BBox.Width <= 0 || d.BBox.Height <= 0 {
		return fmt.Errorf("%w: empty bounding box", ErrInvalidDetection)
	}
	return nil
}

type Frame struct {
	CameraID   string      `json:"camera_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Width      int         `json:"frame_width,omitempty"`
	Height     int         `json:"frame_height,omitempty"`
	Detections []Detection `json:"detections"`
	Source     string      `json:"source,omitempty"`
}

type TrackedEntity struct {
	TrackID    string      `json:"track_id"`
	CameraID   string      `json:"camera_id,omitempty"`
	Label      string      `json:"label"`
	Centroid   Point       `json:"centroid"`
	BBox       BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	FirstSeen  time.Time   `json:"first_seen"`
	LastSeen   time.Time   `json:"last_seen"`
	FramesSeen int         `json:"frames_seen"`
	FramesLost int         `json:"frames_lost"`
	Active     bool        `json:"active"`
}

type AttendanceStatus string

const (
	StatusPresent  AttendanceStatus = "present"
	StatusAbsent   AttendanceStatus = "absent"
	StatusUnstable AttendanceStatus = "unstable"
)

type ClassStability string

const (
	StabilityStable   ClassStability = "stable"
	StabilityModerate ClassStability = "moderate"
	StabilityUnstable ClassStability = "unstable"
)

type AttendeeRecord struct {
	TrackID            string           `json:"track_id"`
	Status             AttendanceStatus `json:"status"`
	PresenceDuration   time.Duration    `json:"presence_duration"`
	FirstSeen          time.Time        `json:"first_seen"`
	LastSeen           time.Time        `json:"last_seen"`
	DisappearanceCount int              `json:"disappearance_count"`
	Visible            bool             `json:"is_currently_visible"`
}

type AttendanceSnapshot struct {
	TotalDetected   int              `json:"total_detected"`
	PresentCount    int              `json:"present_count"`
	AbsentCount     int              `json:"absent_count"`
	UnstableCount   int              `json:"unstable_count"`
	Attendees       []AttendeeRecord `json:"attendees"`
	ClassStability  ClassStability   `json:"class_stability"`
	SessionDuration time.Duration    `json:"session_duration"`
}

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type ViolationType string

const (
	ViolationMultipleFaces      ViolationType = "multiple_faces"
	ViolationNoFace             ViolationType = "no_face"
	ViolationUnauthorizedPerson ViolationType = "unauthorized_person"
	ViolationProhibitedObject   ViolationType = "prohibited_object"
	ViolationExcessiveMovement  ViolationType = "excessive_movement"
	ViolationCandidateAbsent    ViolationType = "candidate_absent"
)

type Violation struct {
	ID            string         `json:"id"`
	Type          ViolationType  `json:"type"`
	Severity      Severity       `json:"severity"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Timestamp     time.Time      `json:"timestamp"`
	TimeFormatted string         `json:"time_formatted"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventPersonEntered    EventType = "person_entered"
	EventPersonExited     EventType = "person_exited"
	EventAttendanceMarked EventType = "attendance_marked"
	EventViolation        EventType = "violation_detected"
	EventFaceCountChange  EventType = "face_count_change"
	EventProhibitedObject EventType = "prohibited_object"
	EventMovementAlert    EventType = "movement_alert"
	EventGazeDeviation    EventType = "gaze_deviation"
	EventSystemInfo       EventType = "system_info"
)

type SessionEvent struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Timestamp     time.Time      `json:"timestamp"`
	TimeFormatted string         `json:"time_formatted"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CopyMetadata returns a shallow copy so stored records cannot be mutated
// through the caller's map.
func CopyMetadata(in map[string]any) map[string]any {
	return maps.Clone(in)
}

// Clone returns v with its own metadata map.
func (v Violation) Clone() Violation {
	v.Metadata = CopyMetadata(v.Metadata)
	return v
}

// Clone returns ev with its own metadata map.
func (ev SessionEvent) Clone() SessionEvent {
	ev.Metadata = CopyMetadata(ev.Metadata)
	return ev
}
