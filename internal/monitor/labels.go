package monitor

import (
	"strings"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

// labelFilter decides which detections reach the tracker. Deny lists win
// over allow lists; with AllowOnly set, a label must be allowed globally or
// for the camera.
type labelFilter struct {
	enabled       bool
	allowOnly     bool
	minConfidence float64
	allow         map[string]struct{}
	deny          map[string]struct{}
	cameraAllow   map[string]map[string]struct{}
	cameraDeny    map[string]map[string]struct{}
}

func buildLabelFilter(cfg *config.Config) *labelFilter {
	lf := &labelFilter{
		enabled:       cfg.LabelFilter.Enabled,
		allowOnly:     cfg.LabelFilter.AllowOnly,
		minConfidence: cfg.LabelFilter.MinConfidence,
	}
	if !lf.enabled {
		return lf
	}
	lf.allow = buildLabelSet(cfg.LabelFilter.Allow)
	lf.deny = buildLabelSet(cfg.LabelFilter.Deny)
	lf.cameraAllow = buildLabelMap(cfg.LabelFilter.CameraAllow)
	lf.cameraDeny = buildLabelMap(cfg.LabelFilter.CameraDeny)
	return lf
}

func buildLabelSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		label := normalizeLabel(v)
		if label == "" {
			continue
		}
		set[label] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func buildLabelMap(values map[string][]string) map[string]map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]map[string]struct{}, len(values))
	for camera, list := range values {
		set := buildLabelSet(list)
		if len(set) == 0 {
			continue
		}
		out[camera] = set
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (f *labelFilter) denied(cameraID, label string) bool {
	if _, ok := f.deny[label]; ok {
		return true
	}
	_, ok := f.cameraDeny[cameraID][label]
	return ok
}

func (f *labelFilter) allowed(cameraID, label string) bool {
	if _, ok := f.allow[label]; ok {
		return true
	}
	_, ok := f.cameraAllow[cameraID][label]
	return ok
}

// apply returns the detections that pass. Detections that fail validation
// are passed through untouched so the tracker counts them as dropped.
func (f *labelFilter) apply(cameraID string, dets []model.Detection) []model.Detection {
	if f == nil || !f.enabled || len(dets) == 0 {
		return dets
	}
	out := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Validate() != nil {
			out = append(out, d)
			continue
		}
		label := normalizeLabel(d.Label)
		if f.denied(cameraID, label) {
			continue
		}
		if f.allowOnly && !f.allowed(cameraID, label) {
			continue
		}
		if d.Confidence < f.minConfidence {
			continue
		}
		out = append(out, d)
	}
	return out
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}
