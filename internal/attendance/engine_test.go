package attendance

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func person(id string, first, last time.Duration, active bool) model.TrackedEntity {
	return model.TrackedEntity{
		TrackID:   id,
		Label:     model.LabelPerson,
		FirstSeen: base.Add(first),
		LastSeen:  base.Add(last),
		Active:    active,
	}
}

func newEngine(t *testing.T, cfg Config) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: base}
	e, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return e, clock
}

func TestPresenceThresholdBoundary(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())

	res := e.Process([]model.TrackedEntity{person("anon_0001", 0, 9999*time.Millisecond, true)})
	require.Len(t, res.Snapshot.Attendees, 1)
	assert.Equal(t, model.StatusAbsent, res.Snapshot.Attendees[0].Status)

	res = e.Process([]model.TrackedEntity{person("anon_0001", 0, 10001*time.Millisecond, true)})
	assert.Equal(t, model.StatusPresent, res.Snapshot.Attendees[0].Status)
	assert.Equal(t, []string{"anon_0001"}, res.Marked)
	assert.Equal(t, 10001*time.Millisecond, res.Snapshot.Attendees[0].PresenceDuration)
}

func TestUnstableOverridesDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappearanceCount = 2
	e, _ := newEngine(t, cfg)

	long := 60 * time.Second
	seq := []bool{true, false, true, false}
	var res Result
	for _, active := range seq {
		res = e.Process([]model.TrackedEntity{person("anon_0001", 0, long, active)})
	}
	rec := res.Snapshot.Attendees[0]
	assert.Equal(t, 2, rec.DisappearanceCount)
	assert.Equal(t, model.StatusUnstable, rec.Status)
	assert.Equal(t, model.StabilityUnstable, res.Snapshot.ClassStability)
}

func TestDisappearanceCountedOnlyOnTransition(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	e.Process([]model.TrackedEntity{person("anon_0001", 0, time.Second, true)})
	for i := 0; i < 5; i++ {
		e.Process([]model.TrackedEntity{person("anon_0001", 0, time.Second, false)})
	}
	snap := e.Snapshot()
	assert.Equal(t, 1, snap.Attendees[0].DisappearanceCount)
	assert.False(t, snap.Attendees[0].Visible)
}

func TestEntriesAndExits(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())

	res := e.Process([]model.TrackedEntity{
		person("anon_0001", 0, 0, true),
		person("anon_0002", 0, 0, true),
	})
	assert.Equal(t, []string{"anon_0001", "anon_0002"}, res.Entries)
	assert.Empty(t, res.Exits)

	res = e.Process([]model.TrackedEntity{
		person("anon_0001", 0, time.Second, true),
		person("anon_0002", 0, 0, false),
		person("anon_0003", time.Second, time.Second, true),
	})
	assert.Equal(t, []string{"anon_0003"}, res.Entries)
	assert.Equal(t, []string{"anon_0002"}, res.Exits)

	// A purged track that is simply missing from input also exits.
	res = e.Process([]model.TrackedEntity{person("anon_0003", time.Second, 2*time.Second, true)})
	assert.Empty(t, res.Entries)
	assert.Equal(t, []string{"anon_0001"}, res.Exits)
}

func TestNonPersonTracksIgnored(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())
	res := e.Process([]model.TrackedEntity{
		{TrackID: "anon_0001", Label: "book", Active: true},
		person("anon_0002", 0, 0, true),
	})
	assert.Equal(t, 1, res.Snapshot.TotalDetected)
	assert.Equal(t, []string{"anon_0002"}, res.Entries)
}

func TestClassStabilityBands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDisappearanceCount = 1
	e, _ := newEngine(t, cfg)

	// Five people; one flickers once, making 20% unstable.
	tracks := func(flickerActive bool) []model.TrackedEntity {
		out := []model.TrackedEntity{person("anon_0001", 0, 0, flickerActive)}
		for _, id := range []string{"anon_0002", "anon_0003", "anon_0004", "anon_0005"} {
			out = append(out, person(id, 0, 0, true))
		}
		return out
	}
	res := e.Process(tracks(true))
	assert.Equal(t, model.StabilityStable, res.Snapshot.ClassStability)
	res = e.Process(tracks(false))
	assert.Equal(t, 1, res.Snapshot.UnstableCount)
	assert.Equal(t, model.StabilityModerate, res.Snapshot.ClassStability)
}

func TestSnapshotCountsAndDuration(t *testing.T) {
	e, clock := newEngine(t, DefaultConfig())
	clock.t = base.Add(42 * time.Second)

	res := e.Process([]model.TrackedEntity{
		person("anon_0001", 0, 20*time.Second, true),
		person("anon_0002", 0, time.Second, true),
	})
	want := model.AttendanceSnapshot{
		TotalDetected: 2,
		PresentCount:  1,
		AbsentCount:   1,
		Attendees: []model.AttendeeRecord{
			{TrackID: "anon_0001", Status: model.StatusPresent, PresenceDuration: 20 * time.Second, FirstSeen: base, LastSeen: base.Add(20 * time.Second), Visible: true},
			{TrackID: "anon_0002", Status: model.StatusAbsent, PresenceDuration: time.Second, FirstSeen: base, LastSeen: base.Add(time.Second), Visible: true},
		},
		ClassStability:  model.StabilityStable,
		SessionDuration: 42 * time.Second,
	}
	if diff := cmp.Diff(want, res.Snapshot); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestResetClearsRecordsAndClock(t *testing.T) {
	e, clock := newEngine(t, DefaultConfig())
	e.Process([]model.TrackedEntity{person("anon_0001", 0, 20*time.Second, true)})

	clock.t = base.Add(time.Minute)
	e.Reset()
	clock.t = base.Add(time.Minute + time.Second)

	res := e.Process([]model.TrackedEntity{person("anon_0001", 0, 20*time.Second, true)})
	// Previous active set is cleared, so the track enters again.
	assert.Equal(t, []string{"anon_0001"}, res.Entries)
	assert.Equal(t, time.Second, res.Snapshot.SessionDuration)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstabilityThreshold = 1.5
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MinPresenceDuration = -time.Second
	_, err = New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
