package metrics

import (
	"sort"
	"sync"
	"time"
)

// FrameStats is the latest per-camera view kept for the stats endpoint.
type FrameStats struct {
	CameraID     string    `json:"camera_id"`
	Frames       uint64    `json:"frames"`
	Duplicates   uint64    `json:"duplicates"`
	ActiveTracks int       `json:"active_tracks"`
	Persons      int       `json:"persons"`
	FPS          float64   `json:"fps"`
	JitterMs     float64   `json:"jitter_ms"`
	LastFrame    time.Time `json:"last_frame"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store keeps one FrameStats per camera and evicts the least recently
// updated camera beyond limit.
type Store struct {
	mu       sync.RWMutex
	byCamera map[string]FrameStats
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 64
	}
	return &Store{
		byCamera: make(map[string]FrameStats),
		limit:    limit,
	}
}

func (s *Store) Update(stats FrameStats) {
	if stats.CameraID == "" {
		return
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCamera[stats.CameraID] = stats
	if len(s.byCamera) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(cameraID string) (FrameStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byCamera[cameraID]
	return st, ok
}

// GetAll returns every camera sorted by id.
func (s *Store) GetAll() []FrameStats {
	s.mu.RLock()
	out := make([]FrameStats, 0, len(s.byCamera))
	for _, st := range s.byCamera {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

func (s *Store) evictOldest() {
	var oldestCamera string
	var oldest time.Time
	for camera, st := range s.byCamera {
		if oldestCamera == "" || st.UpdatedAt.Before(oldest) {
			oldestCamera = camera
			oldest = st.UpdatedAt
		}
	}
	if oldestCamera != "" {
		delete(s.byCamera, oldestCamera)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCamera = make(map[string]FrameStats)
}
