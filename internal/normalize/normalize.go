package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

// FrameFields is a decoded but not yet normalized frame. Timestamp keeps
// whatever textual form the producer sent.
type FrameFields struct {
	CameraID   string
	Timestamp  string
	Width      int
	Height     int
	Detections []model.Detection
}

// Normalize resolves the camera id and timestamp. A missing timestamp means
// "now"; detections are passed through untouched so the tracker can count
// the invalid ones.
func Normalize(fields FrameFields, cfg *config.Config, source string) (model.Frame, error) {
	camera := strings.TrimSpace(fields.CameraID)
	if camera == "" {
		camera = cfg.Ingest.Parser.DefaultCameraID
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Frame{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	if fields.Width < 0 || fields.Height < 0 {
		return model.Frame{}, fmt.Errorf("negative frame size %dx%d", fields.Width, fields.Height)
	}

	return model.Frame{
		CameraID:   camera,
		Timestamp:  ts,
		Width:      fields.Width,
		Height:     fields.Height,
		Detections: fields.Detections,
		Source:     source,
	}, nil
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC3339 variants, zone-less layouts interpreted in
// loc, and unix seconds or milliseconds (fractional seconds allowed).
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		// Round to the millisecond; float seconds carry no more precision.
		return time.Unix(sec, nsec).UTC().Round(time.Millisecond), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
