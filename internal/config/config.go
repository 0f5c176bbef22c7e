package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"classwatch/internal/attendance"
	"classwatch/internal/exam"
	"classwatch/internal/tracker"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Tracker     TrackerConfig     `json:"tracker" yaml:"tracker"`
	Attendance  AttendanceConfig  `json:"attendance" yaml:"attendance"`
	Exam        ExamConfig        `json:"exam" yaml:"exam"`
	EventLog    EventLogConfig    `json:"event_log" yaml:"event_log"`
	LabelFilter LabelFilterConfig `json:"label_filter" yaml:"label_filter"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	MQTT        MQTTConfig        `json:"mqtt" yaml:"mqtt"`
}

type SessionConfig struct {
	Kind          string          `json:"kind" yaml:"kind"`
	ConfirmedOnly bool            `json:"confirmed_only" yaml:"confirmed_only"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew  time.Duration   `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	FrameRate     FrameRateConfig `json:"frame_rate" yaml:"frame_rate"`
}

// FrameRateConfig drives the per-camera rate monitor. Frame-count
// thresholds in the rule engines assume ExpectedFPS.
type FrameRateConfig struct {
	ExpectedFPS float64       `json:"expected_fps" yaml:"expected_fps"`
	Tolerance   float64       `json:"tolerance" yaml:"tolerance"`
	Window      time.Duration `json:"window" yaml:"window"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
}

type TrackerConfig struct {
	MaxDistance           float64 `json:"max_distance" yaml:"max_distance"`
	MaxLostFrames         int     `json:"max_lost_frames" yaml:"max_lost_frames"`
	MinFramesForConfirmed int     `json:"min_frames_for_confirmed" yaml:"min_frames_for_confirmed"`
}

type AttendanceConfig struct {
	MinPresenceDuration   time.Duration `json:"min_presence_duration" yaml:"min_presence_duration"`
	MaxDisappearanceCount int           `json:"max_disappearance_count" yaml:"max_disappearance_count"`
	InstabilityThreshold  float64       `json:"instability_threshold" yaml:"instability_threshold"`
	ModerateThreshold     float64       `json:"moderate_threshold" yaml:"moderate_threshold"`
}

type ExamConfig struct {
	Mode                    string        `json:"mode" yaml:"mode"`
	ExpectedCandidates      int           `json:"expected_candidates" yaml:"expected_candidates"`
	AbsenceFrameThreshold   int           `json:"absence_frame_threshold" yaml:"absence_frame_threshold"`
	ExtraFaceFrameThreshold int           `json:"extra_face_frame_threshold" yaml:"extra_face_frame_threshold"`
	ProhibitedObjects       []string      `json:"prohibited_objects" yaml:"prohibited_objects"`
	MovementThreshold       float64       `json:"movement_threshold" yaml:"movement_threshold"`
	MovementFrameThreshold  int           `json:"movement_frame_threshold" yaml:"movement_frame_threshold"`
	Cooldown                time.Duration `json:"cooldown" yaml:"cooldown"`
	MaxViolations           int           `json:"max_violations" yaml:"max_violations"`
}

type EventLogConfig struct {
	MaxEvents int `json:"max_events" yaml:"max_events"`
}

// LabelFilterConfig restricts which detection labels reach the tracker,
// globally and per camera.
type LabelFilterConfig struct {
	Enabled       bool                `json:"enabled" yaml:"enabled"`
	AllowOnly     bool                `json:"allow_only" yaml:"allow_only"`
	Allow         []string            `json:"allow" yaml:"allow"`
	Deny          []string            `json:"deny" yaml:"deny"`
	CameraAllow   map[string][]string `json:"camera_allow" yaml:"camera_allow"`
	CameraDeny    map[string][]string `json:"camera_deny" yaml:"camera_deny"`
	MinConfidence float64             `json:"min_confidence" yaml:"min_confidence"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultCameraID string `json:"default_camera_id" yaml:"default_camera_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	// KeepOnClose leaves the closing session's rows in place for export.
	KeepOnClose bool `json:"keep_on_close" yaml:"keep_on_close"`
}

type MetricsConfig struct {
	StoreLimit int    `json:"store_limit" yaml:"store_limit"`
	Namespace  string `json:"namespace" yaml:"namespace"`
}

type MQTTConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Broker      string        `json:"broker" yaml:"broker"`
	ClientID    string        `json:"client_id" yaml:"client_id"`
	Username    string        `json:"username" yaml:"username"`
	Password    string        `json:"password" yaml:"password"`
	TopicPrefix string        `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte          `json:"qos" yaml:"qos"`
	Retain      bool          `json:"retain" yaml:"retain"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

func DefaultConfig() *Config {
	td := tracker.DefaultConfig()
	ad := attendance.DefaultConfig()
	ed := exam.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Session: SessionConfig{
			Kind:          "classroom",
			DedupeWindow:  500 * time.Millisecond,
			MaxClockSkew:  5 * time.Second,
			MaxFutureSkew: 2 * time.Second,
			FrameRate: FrameRateConfig{
				ExpectedFPS: 30,
				Tolerance:   0.5,
				Window:      5 * time.Second,
				Cooldown:    30 * time.Second,
			},
		},
		Tracker: TrackerConfig{
			MaxDistance:           td.MaxDistance,
			MaxLostFrames:         td.MaxLostFrames,
			MinFramesForConfirmed: td.MinFramesForConfirmed,
		},
		Attendance: AttendanceConfig{
			MinPresenceDuration:   ad.MinPresenceDuration,
			MaxDisappearanceCount: ad.MaxDisappearanceCount,
			InstabilityThreshold:  ad.InstabilityThreshold,
			ModerateThreshold:     ad.ModerateThreshold,
		},
		Exam: ExamConfig{
			Mode:                    string(ed.Mode),
			ExpectedCandidates:      ed.ExpectedCandidates,
			AbsenceFrameThreshold:   ed.AbsenceFrameThreshold,
			ExtraFaceFrameThreshold: ed.ExtraFaceFrameThreshold,
			ProhibitedObjects:       ed.ProhibitedObjects,
			MovementThreshold:       ed.MovementThreshold,
			MovementFrameThreshold:  ed.MovementFrameThreshold,
			Cooldown:                ed.Cooldown,
			MaxViolations:           ed.MaxViolations,
		},
		EventLog: EventLogConfig{MaxEvents: 500},
		Ingest: IngestConfig{
			ChannelBuffer: 1024,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultCameraID: "cam-0"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:classwatch?mode=memory&cache=shared"},
		Metrics: MetricsConfig{StoreLimit: 64, Namespace: "classwatch"},
		MQTT: MQTTConfig{
			Enabled:     false,
			ClientID:    "classwatch",
			TopicPrefix: "classwatch",
			Timeout:     5 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Session.Kind == "" {
		cfg.Session.Kind = def.Session.Kind
	}
	if cfg.Session.FrameRate.Window <= 0 {
		cfg.Session.FrameRate.Window = def.Session.FrameRate.Window
	}
	if cfg.EventLog.MaxEvents <= 0 {
		cfg.EventLog.MaxEvents = def.EventLog.MaxEvents
	}
	if cfg.Exam.MaxViolations <= 0 {
		cfg.Exam.MaxViolations = def.Exam.MaxViolations
	}
	if cfg.Exam.Mode == "" {
		cfg.Exam.Mode = def.Exam.Mode
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultCameraID == "" {
		cfg.Ingest.Parser.DefaultCameraID = def.Ingest.Parser.DefaultCameraID
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if cfg.MQTT.Timeout <= 0 {
		cfg.MQTT.Timeout = def.MQTT.Timeout
	}
}

func Validate(cfg *Config) error {
	switch cfg.Session.Kind {
	case "classroom", "exam":
	default:
		return fmt.Errorf("session.kind must be classroom or exam, got %q", cfg.Session.Kind)
	}
	if cfg.Session.FrameRate.ExpectedFPS < 0 || cfg.Session.FrameRate.Tolerance < 0 {
		return errors.New("session.frame_rate expected_fps and tolerance must be >= 0")
	}
	if err := cfg.Tracker.ToTracker().Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	if err := cfg.Attendance.ToAttendance().Validate(); err != nil {
		return fmt.Errorf("attendance: %w", err)
	}
	examCfg, err := cfg.Exam.ToExam()
	if err != nil {
		return fmt.Errorf("exam: %w", err)
	}
	if err := examCfg.Validate(); err != nil {
		return fmt.Errorf("exam: %w", err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if _, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err != nil {
		return fmt.Errorf("ingest.parser.timezone: %w", err)
	}
	if cfg.Storage.Enabled {
		switch cfg.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver)
		}
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker required when mqtt.enabled is true")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.LabelFilter.MinConfidence < 0 || cfg.LabelFilter.MinConfidence > 1 {
		return errors.New("label_filter.min_confidence must be within [0,1]")
	}
	return nil
}

func (c TrackerConfig) ToTracker() tracker.Config {
	return tracker.Config{
		MaxDistance:           c.MaxDistance,
		MaxLostFrames:         c.MaxLostFrames,
		MinFramesForConfirmed: c.MinFramesForConfirmed,
	}
}

func (c AttendanceConfig) ToAttendance() attendance.Config {
	return attendance.Config{
		MinPresenceDuration:   c.MinPresenceDuration,
		MaxDisappearanceCount: c.MaxDisappearanceCount,
		InstabilityThreshold:  c.InstabilityThreshold,
		ModerateThreshold:     c.ModerateThreshold,
	}
}

func (c ExamConfig) ToExam() (exam.Config, error) {
	mode, err := exam.ParseMode(c.Mode)
	if err != nil {
		return exam.Config{}, err
	}
	return exam.Config{
		Mode:                    mode,
		ExpectedCandidates:      c.ExpectedCandidates,
		AbsenceFrameThreshold:   c.AbsenceFrameThreshold,
		ExtraFaceFrameThreshold: c.ExtraFaceFrameThreshold,
		ProhibitedObjects:       append([]string(nil), c.ProhibitedObjects...),
		MovementThreshold:       c.MovementThreshold,
		MovementFrameThreshold:  c.MovementFrameThreshold,
		Cooldown:                c.Cooldown,
		MaxViolations:           c.MaxViolations,
	}, nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
