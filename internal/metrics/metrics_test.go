package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, cam := range []string{"cam-b", "cam-a", "cam-c"} {
		s.Update(FrameStats{CameraID: cam, Frames: uint64(i + 1), UpdatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "cam-a", all[0].CameraID)
	assert.Equal(t, "cam-c", all[1].CameraID)

	_, ok := s.Get("cam-b")
	assert.False(t, ok)

	s.Update(FrameStats{})
	assert.Len(t, s.GetAll(), 2)

	s.Clear()
	assert.Empty(t, s.GetAll())
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg, "classwatch")
	require.NoError(t, err)

	c.ObserveFrame(2*time.Millisecond, 3, 2, 1)
	c.ObserveFrame(time.Millisecond, 1, 1, 0)
	c.ObserveViolation("prohibited_object")
	c.ObserveViolation("prohibited_object")
	c.ObserveEvent("person_entered")
	c.ObserveIngest("rest", "accepted")
	c.ObserveDuplicate()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.FramesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectionsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PersonsPresent))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Violations.WithLabelValues("prohibited_object")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IngestFrames.WithLabelValues("rest", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FramesDuplicate))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, n := range []string{"frames_processed_total", "violations_total", "events_total", "active_tracks", "frame_processing_seconds"} {
		assert.True(t, names[fmt.Sprintf("classwatch_%s", n)], n)
	}
}

func TestCollectorDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg, "classwatch")
	require.NoError(t, err)
	_, err = NewCollector(reg, "classwatch")
	assert.Error(t, err)
}
