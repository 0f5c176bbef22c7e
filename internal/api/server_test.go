package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/config"
	"classwatch/internal/metrics"
	"classwatch/internal/model"
	"classwatch/internal/monitor"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fixture struct {
	server  *Server
	session *monitor.Session
	clock   *fakeClock
}

func newFixture(t *testing.T, kind string, hub *Hub) fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.Kind = kind
	cfg.Session.FrameRate.ExpectedFPS = 0

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg, "classwatch")
	require.NoError(t, err)

	clock := &fakeClock{t: base}
	sess, err := monitor.New(cfg,
		monitor.WithClock(clock.Now),
		monitor.WithStats(metrics.NewStore(8)),
		monitor.WithCollector(collector))
	require.NoError(t, err)
	if hub != nil {
		sess.OnEvent(hub.Broadcast)
	}
	return fixture{
		server:  NewServer(config.NewStaticManager(cfg), sess, reg, hub, nil, "test"),
		session: sess,
		clock:   clock,
	}
}

func (f fixture) frame(offset time.Duration, dets ...model.Detection) {
	f.clock.t = base.Add(offset)
	f.session.Process(model.Frame{CameraID: "cam-0", Timestamp: f.clock.t, Detections: dets})
}

func (f fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var (
	person = model.Detection{Label: "person", Confidence: 0.9, BBox: model.BoundingBox{X: 100, Y: 50, Width: 80, Height: 200}}
	phone  = model.Detection{Label: "cell phone", Confidence: 0.7, BBox: model.BoundingBox{X: 400, Y: 300, Width: 30, Height: 50}}
)

func TestStatusAndTracks(t *testing.T) {
	f := newFixture(t, "classroom", nil)
	f.frame(0, person)

	rec := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, "test", status["version"])
	session := status["session"].(map[string]any)
	assert.Equal(t, "classroom", session["kind"])
	assert.Equal(t, 1.0, session["persons"])

	rec = f.do(t, http.MethodGet, "/tracks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["count"])

	f.frame(time.Second)
	rec = f.do(t, http.MethodGet, "/tracks?active=true", "")
	assert.Equal(t, 0.0, decode(t, rec)["count"])

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/status", "").Code)
}

func TestAttendance(t *testing.T) {
	f := newFixture(t, "classroom", nil)
	f.frame(0, person)
	f.frame(11*time.Second, person)

	rec := f.do(t, http.MethodGet, "/attendance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap model.AttendanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.PresentCount)
	assert.Equal(t, model.StabilityStable, snap.ClassStability)
}

func TestViolationsAndEventsFilters(t *testing.T) {
	f := newFixture(t, "exam", nil)
	f.frame(0, person, phone)
	f.frame(6*time.Second, person, phone)

	rec := f.do(t, http.MethodGet, "/violations?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, "viol_2", body["violations"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/violations?limit=x", "").Code)

	rec = f.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, 3.0, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/events?type=prohibited_object&limit=1", "")
	body = decode(t, rec)
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, f.session.Events().SessionID(), body["session_id"])

	rec = f.do(t, http.MethodGet, "/events?severity=info", "")
	assert.Equal(t, 1.0, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/events?since="+base.Add(time.Second).Format(time.RFC3339), "")
	assert.Equal(t, 1.0, decode(t, rec)["count"])
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/events?since=yesterday", "").Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, "classroom", nil)
	f.frame(0, person)

	rec := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/stats/cam-0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st metrics.FrameStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, uint64(1), st.Frames)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/stats/cam-9", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "classroom", nil)
	f.frame(0, person)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "classwatch_frames_processed_total 1")
}

func TestAdminReset(t *testing.T) {
	f := newFixture(t, "classroom", nil)
	f.frame(0, person)
	old := f.session.Events().SessionID()

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/admin/reset", "").Code)
	rec := f.do(t, http.MethodPost, "/admin/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["session_id"]
	assert.NotEqual(t, old, id)
	assert.Equal(t, f.session.Events().SessionID(), id)
	assert.Empty(t, f.session.Tracks())
}

func TestExamMode(t *testing.T) {
	f := newFixture(t, "exam", nil)
	rec := f.do(t, http.MethodPost, "/exam/mode", `{"mode":"multi","expected":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	examStatus := decode(t, rec)["exam"].(map[string]any)
	assert.Equal(t, "multi", examStatus["mode"])
	assert.Equal(t, 4.0, examStatus["expected_candidates"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/exam/mode", `{"mode":"solo"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/exam/mode", `{"mode":"multi","expected":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/exam/mode", `{`).Code)

	classroom := newFixture(t, "classroom", nil)
	assert.Equal(t, http.StatusConflict, classroom.do(t, http.MethodPost, "/exam/mode", `{"mode":"single"}`).Code)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	f := newFixture(t, "exam", hub)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?type=prohibited_object"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; keep producing until the client sees one.
	got := make(chan model.SessionEvent, 1)
	go func() {
		var ev model.SessionEvent
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	var ev model.SessionEvent
	require.Eventually(t, func() bool {
		f.frame(f.clock.t.Sub(base)+6*time.Second, person, phone)
		select {
		case ev = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.EventProhibitedObject, ev.Type)
	assert.Equal(t, f.session.Events().SessionID(), ev.SessionID)
}
