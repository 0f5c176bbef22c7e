package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"classwatch/internal/model"
	"classwatch/internal/normalize"
)

type wireFrame struct {
	CameraID    string          `json:"camera_id"`
	Camera      string          `json:"camera"`
	Timestamp   json.RawMessage `json:"timestamp"`
	TS          json.RawMessage `json:"ts"`
	FrameWidth  int             `json:"frame_width"`
	FrameHeight int             `json:"frame_height"`
	Detections  []wireDetection `json:"detections"`
}

// wireDetection accepts both the canonical field names and the COCO-SSD
// style class/score pair.
type wireDetection struct {
	Label      string   `json:"label"`
	Class      string   `json:"class"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
	BBox       wireBBox `json:"bbox"`
}

// wireBBox decodes either {"x","y","width","height"} or [x, y, w, h].
type wireBBox model.BoundingBox

func (b *wireBBox) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []float64
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if len(arr) != 4 {
			return fmt.Errorf("bbox array needs 4 values, got %d", len(arr))
		}
		*b = wireBBox{X: arr[0], Y: arr[1], Width: arr[2], Height: arr[3]}
		return nil
	}
	var obj struct {
		X      float64  `json:"x"`
		Y      float64  `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
		W      float64  `json:"w"`
		H      float64  `json:"h"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*b = wireBBox{X: obj.X, Y: obj.Y, Width: obj.W, Height: obj.H}
	if obj.Width != nil {
		b.Width = *obj.Width
	}
	if obj.Height != nil {
		b.Height = *obj.Height
	}
	return nil
}

func (w wireFrame) fields() (normalize.FrameFields, error) {
	ts, err := rawTimestamp(w.Timestamp)
	if err != nil {
		return normalize.FrameFields{}, err
	}
	if ts == "" {
		if ts, err = rawTimestamp(w.TS); err != nil {
			return normalize.FrameFields{}, err
		}
	}
	camera := w.CameraID
	if camera == "" {
		camera = w.Camera
	}
	dets := make([]model.Detection, 0, len(w.Detections))
	for _, d := range w.Detections {
		label := d.Label
		if label == "" {
			label = d.Class
		}
		var conf float64
		switch {
		case d.Confidence != nil:
			conf = *d.Confidence
		case d.Score != nil:
			conf = *d.Score
		}
		dets = append(dets, model.Detection{
			Label:      strings.TrimSpace(label),
			Confidence: conf,
			BBox:       model.BoundingBox(d.BBox),
		})
	}
	return normalize.FrameFields{
		CameraID:   camera,
		Timestamp:  ts,
		Width:      w.FrameWidth,
		Height:     w.FrameHeight,
		Detections: dets,
	}, nil
}

// rawTimestamp flattens a JSON string or number into text for
// normalize.ParseTimestamp.
func rawTimestamp(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("timestamp must be a string or number: %w", err)
	}
	return n.String(), nil
}

var errEmptyPayload = errors.New("empty payload")

// ParseFramesJSON decodes a single frame object or an array of them.
func ParseFramesJSON(data []byte) ([]normalize.FrameFields, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	var wires []wireFrame
	if data[0] == '[' {
		if err := json.Unmarshal(data, &wires); err != nil {
			return nil, err
		}
	} else {
		var w wireFrame
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		wires = []wireFrame{w}
	}
	out := make([]normalize.FrameFields, 0, len(wires))
	for i, w := range wires {
		f, err := w.fields()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
