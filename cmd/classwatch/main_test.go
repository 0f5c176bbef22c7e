package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/config"
	"classwatch/internal/model"
	"classwatch/internal/monitor"
)

func writeRecording(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func frameLine(ts time.Time, dets string) string {
	return fmt.Sprintf(`{"camera_id":"cam-1","timestamp":%q,"detections":[%s]}`, ts.Format(time.RFC3339Nano), dets)
}

const personDet = `{"label":"person","confidence":0.9,"bbox":[100,50,80,200]}`

func readEvents(t *testing.T, out *bytes.Buffer) []model.SessionEvent {
	t.Helper()
	var evs []model.SessionEvent
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var ev model.SessionEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		evs = append(evs, ev)
	}
	return evs
}

func TestReplayClassroomRecording(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envLogLevel, "error")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lines := []string{"# recorded in room 4"}
	for i := 0; i <= 24; i++ {
		lines = append(lines, frameLine(base.Add(time.Duration(i)*500*time.Millisecond), personDet))
	}
	lines = append(lines, frameLine(base.Add(12500*time.Millisecond), ""))

	var out bytes.Buffer
	err := runReplay(context.Background(), &options{}, writeRecording(t, lines), "classroom", false, &out)
	require.NoError(t, err)

	// 2 fps is far below the expected rate, so one frame rate notice
	// appears once the first window fills.
	var types []model.EventType
	for _, ev := range readEvents(t, &out) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventSessionStart,
		model.EventPersonEntered,
		model.EventSystemInfo,
		model.EventAttendanceMarked,
		model.EventPersonExited,
		model.EventSessionEnd,
	}, types)
}

func TestReplayExamUsesRecordingTime(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envLogLevel, "error")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	phone := `{"label":"cell phone","confidence":0.8,"bbox":{"x":400,"y":300,"w":30,"h":50}}`
	lines := []string{
		frameLine(base, personDet+","+phone),
		frameLine(base.Add(time.Second), personDet+","+phone),
		frameLine(base.Add(6*time.Second), personDet+","+phone),
	}

	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), &options{}, writeRecording(t, lines), "exam", false, &out))

	var violations []model.SessionEvent
	for _, ev := range readEvents(t, &out) {
		if ev.Type == model.EventProhibitedObject {
			violations = append(violations, ev)
		}
	}
	require.Len(t, violations, 2)
	assert.True(t, violations[0].Timestamp.Equal(base))
	assert.True(t, violations[1].Timestamp.Equal(base.Add(6*time.Second)))
}

func TestReplaySessionDurationFollowsRecording(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	lines := []string{
		frameLine(base, personDet),
		frameLine(base.Add(time.Second), personDet),
		frameLine(base.Add(2*time.Second), personDet),
	}
	cfg := config.DefaultConfig()
	cfg.Session.FrameRate.ExpectedFPS = 0

	session, n, err := replaySession(context.Background(), cfg, strings.NewReader(strings.Join(lines, "\n")), nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2*time.Second, session.Attendance().SessionDuration)
	assert.Equal(t, 2*time.Second, session.Status().Duration)

	start := session.Events().ByType(model.EventSessionStart)
	require.Len(t, start, 1)
	assert.True(t, start[0].Timestamp.Equal(base))
}

func TestReplayRejectsUnknownKind(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envLogLevel, "error")
	path := writeRecording(t, []string{frameLine(time.Now(), personDet)})
	err := runReplay(context.Background(), &options{}, path, "lecture", false, &bytes.Buffer{})
	assert.ErrorIs(t, err, monitor.ErrInvalidConfig)
}

func TestReplayReportsBadLine(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envLogLevel, "error")
	path := writeRecording(t, []string{frameLine(time.Now(), personDet), "not json"})
	err := runReplay(context.Background(), &options{}, path, "", false, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestEnvironmentOverridesFlags(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envLogLevel, "debug")
	opts := &options{logLevel: "warn"}
	mgr, err := opts.loadManager()
	require.NoError(t, err)
	assert.Equal(t, "debug", opts.level(mgr.Get()))
	assert.Empty(t, mgr.Path())

	t.Setenv(envConfig, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = (&options{}).loadManager()
	assert.Error(t, err)
}
