package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"classwatch/internal/model"
)

const dedupeCompactSize = 10000

// dedupeCache remembers recently seen frame hashes. It is only touched
// under the session mutex.
type dedupeCache struct {
	items map[string]time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{items: make(map[string]time.Time)}
}

func (d *dedupeCache) seen(key string, now time.Time, ttl time.Duration) bool {
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactSize {
		d.compact(now, ttl)
	}
	return false
}

func (d *dedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func (d *dedupeCache) reset() {
	d.items = make(map[string]time.Time)
}

// hashFrame identifies a frame by camera, timestamp and detections, so a
// source that redelivers the same message is caught.
func hashFrame(f model.Frame) string {
	var b strings.Builder
	b.WriteString(f.CameraID)
	b.WriteByte('|')
	b.WriteString(f.Timestamp.UTC().Format(time.RFC3339Nano))
	for _, d := range f.Detections {
		b.WriteByte('|')
		b.WriteString(d.Label)
		for _, v := range []float64{d.Confidence, d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height} {
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 && now.Sub(ts) > maxPast {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts
}
