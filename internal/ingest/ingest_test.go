package ingest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveIngest(source, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[source+"/"+outcome]++
}

func (o *countingObserver) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func newPipeline(t *testing.T, buffer int, mutate func(*config.Config)) (*Pipeline, chan model.Frame, *countingObserver) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	out := make(chan model.Frame, buffer)
	obs := &countingObserver{}
	return NewPipeline(config.NewStaticManager(cfg), out, nil, obs), out, obs
}

func frameLine(camera string, ms int64) string {
	return fmt.Sprintf(`{"camera_id":%q,"timestamp":%d,"detections":[{"label":"person","confidence":0.9,"bbox":[0,0,10,10]}]}`, camera, ms)
}

func TestPipelineCountsOutcomes(t *testing.T) {
	p, out, obs := newPipeline(t, 1, nil)
	ctx := context.Background()

	if n := p.HandleLine(ctx, frameLine("a", 1772442930000), SourceTCPStream); n != 1 {
		t.Fatalf("queued: %d", n)
	}
	// Channel is full now.
	p.HandleLine(ctx, frameLine("a", 1772442930033), SourceTCPStream)
	p.HandleLine(ctx, "not json", SourceTCPStream)

	st := p.Stats()
	if st.Accepted != 1 || st.Dropped != 1 || st.Rejected != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if obs.get("tcp_stream/dropped") != 1 {
		t.Fatalf("observer not notified: %v", obs.counts)
	}
	f := <-out
	if f.CameraID != "a" || f.Source != SourceTCPStream || f.Timestamp.UnixMilli() != 1772442930000 {
		t.Fatalf("frame mismatch: %+v", f)
	}
}

func TestRESTFrames(t *testing.T) {
	p, out, _ := newPipeline(t, 10, nil)
	srv := httptest.NewServer(NewRESTServer(p, nil).Handler())
	defer srv.Close()

	body := "[" + frameLine("a", 1772442930000) + "," + frameLine("b", 1772442930001) + "]"
	resp, err := http.Post(srv.URL+"/frames", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if len(out) != 2 {
		t.Fatalf("queued: %d", len(out))
	}

	resp, err = http.Post(srv.URL+"/frames", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/frames")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestTCPStream(t *testing.T) {
	p, out, _ := newPipeline(t, 10, func(c *config.Config) {
		c.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := StartTCPStream(ctx, p, nil)
	if addr == nil {
		t.Fatalf("listener not started")
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, frameLine("tcp", 1772442930000))
	fmt.Fprintln(conn, "")
	fmt.Fprintln(conn, frameLine("tcp", 1772442930033))

	for i := 0; i < 2; i++ {
		select {
		case f := <-out:
			if f.CameraID != "tcp" {
				t.Fatalf("camera: %s", f.CameraID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}
}

func TestFileTailFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.ndjson")
	if err := os.WriteFile(path, []byte(frameLine("old", 1)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, out, _ := newPipeline(t, 10, func(c *config.Config) {
		c.Ingest.FileTail = config.FileTailConfig{Enabled: true, StartAtEnd: true, Files: []string{path}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartFileTail(ctx, p, nil)

	// Give the tailer time to seek to the end before appending.
	time.Sleep(300 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, frameLine("new", 1772442930000))
	f.Close()

	select {
	case got := <-out:
		if got.CameraID != "new" {
			t.Fatalf("camera: %s", got.CameraID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("appended frame not received")
	}
}

func TestReplay(t *testing.T) {
	input := strings.Join([]string{
		"# lecture hall A",
		frameLine("a", 1772442930000),
		"[" + frameLine("a", 1772442930033) + "," + frameLine("a", 1772442930066) + "]",
	}, "\n")
	var got []model.Frame
	n, err := Replay(context.Background(), strings.NewReader(input), config.DefaultConfig(), func(f model.Frame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 3 || len(got) != 3 {
		t.Fatalf("frames: %d", n)
	}
	if got[2].Timestamp.UnixMilli() != 1772442930066 || got[2].Source != SourceReplay {
		t.Fatalf("frame mismatch: %+v", got[2])
	}

	_, err = Replay(context.Background(), strings.NewReader(frameLine("a", 1)+"\nbroken\n"), config.DefaultConfig(), func(model.Frame) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}
