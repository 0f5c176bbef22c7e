package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

func TestParseTimestampForms(t *testing.T) {
	want := time.Date(2026, 3, 2, 9, 15, 30, 0, time.UTC)
	cases := map[string]string{
		"rfc3339":     "2026-03-02T09:15:30Z",
		"offset":      "2026-03-02T10:15:30+01:00",
		"unix":        "1772442930",
		"unix millis": "1772442930000",
		"plain":       "2026-03-02 09:15:30",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseTimestamp(in, time.UTC)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	got, err := ParseTimestamp("1772442930.25", time.UTC)
	require.NoError(t, err)
	assert.True(t, want.Add(250*time.Millisecond).Equal(got), "got %s", got)

	_, err = ParseTimestamp("yesterday", time.UTC)
	assert.Error(t, err)
	_, err = ParseTimestamp("1.2.3", time.UTC)
	assert.Error(t, err)
}

func TestParseTimestampUsesLocationForZonelessLayouts(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got, err := ParseTimestamp("2026-03-02 11:15:30", loc)
	require.NoError(t, err)
	assert.Equal(t, 9, got.UTC().Hour())
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	dets := []model.Detection{{Label: "person", Confidence: 0.9}}
	before := time.Now().UTC()

	f, err := Normalize(FrameFields{Detections: dets}, cfg, "rest")
	require.NoError(t, err)
	assert.Equal(t, "cam-0", f.CameraID)
	assert.Equal(t, "rest", f.Source)
	assert.False(t, f.Timestamp.Before(before))
	assert.Equal(t, dets, f.Detections)

	f, err = Normalize(FrameFields{CameraID: " room-12 ", Timestamp: "1772442930000"}, cfg, "kafka")
	require.NoError(t, err)
	assert.Equal(t, "room-12", f.CameraID)
	assert.Equal(t, int64(1772442930000), f.Timestamp.UnixMilli())
}

func TestNormalizeErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := Normalize(FrameFields{Timestamp: "soon"}, cfg, "tcp_stream")
	assert.Error(t, err)
	_, err = Normalize(FrameFields{Width: -1}, cfg, "tcp_stream")
	assert.Error(t, err)
}
