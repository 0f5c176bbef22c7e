package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classwatch/internal/config"
	"classwatch/internal/exam"
	"classwatch/internal/model"
	"classwatch/internal/monitor"
)

type Server struct {
	cfg      *config.Manager
	session  *monitor.Session
	gatherer prometheus.Gatherer
	hub      *Hub
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	Session    monitor.Status `json:"session"`
	Ingest     ingestStatus   `json:"ingest"`
	API        apiStatus      `json:"api"`
	Storage    bool           `json:"storage"`
	MQTT       bool           `json:"mqtt"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// NewServer builds the HTTP surface over one session. gatherer and hub may
// be nil, which disables /metrics and /ws/events.
func NewServer(cfg *config.Manager, session *monitor.Session, gatherer prometheus.Gatherer, hub *Hub, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		session:  session,
		gatherer: gatherer,
		hub:      hub,
		logger:   logger,
		version:  version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tracks", s.handleTracks)
	mux.HandleFunc("/attendance", s.handleAttendance)
	mux.HandleFunc("/violations", s.handleViolations)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/", s.handleStats)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/exam/mode", s.handleExamMode)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		mux.HandleFunc("/ws/events", s.hub.ServeWS)
	}
	return mux
}

func Start(ctx context.Context, srv *Server) *http.Server {
	if srv == nil || srv.cfg == nil {
		return nil
	}
	current := srv.cfg.Get().API
	logger := srv.logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Session:    s.session.Status(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: cfg.Storage.Enabled,
		MQTT:    cfg.MQTT.Enabled,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tracks := s.session.Tracks()
	if r.URL.Query().Get("active") == "true" {
		kept := tracks[:0]
		for _, t := range tracks {
			if t.Active {
				kept = append(kept, t)
			}
		}
		tracks = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tracks": tracks,
		"count":  len(tracks),
	})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Attendance())
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	list := s.session.Violations(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": list,
		"count":      len(list),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit, ok := parseLimit(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	log := s.session.Events()
	var list []model.SessionEvent
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = log.Since(ts)
	} else {
		list = log.Events()
	}
	typ := model.EventType(q.Get("type"))
	sev := model.Severity(q.Get("severity"))
	if typ != "" || sev != "" {
		kept := list[:0]
		for _, ev := range list {
			if typ != "" && ev.Type != typ {
				continue
			}
			if sev != "" && ev.Severity != sev {
				continue
			}
			kept = append(kept, ev)
		}
		list = kept
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": log.SessionID(),
		"events":     list,
		"count":      len(list),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := s.session.Stats()
	if stats == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	camera := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/stats"), "/")
	if camera != "" {
		st, ok := stats.Get(camera)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	all := stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"cameras": all,
		"count":   len(all),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := s.session.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": id})
}

func (s *Server) handleExamMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Mode     string `json:"mode"`
		Expected int    `json:"expected"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	mode, err := exam.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := s.session.SetExamMode(mode, req.Expected); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, monitor.ErrNotExam) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "exam": s.session.Status().Exam})
}

func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
