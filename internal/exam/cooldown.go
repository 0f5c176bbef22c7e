package exam

import (
	"time"

	"classwatch/internal/model"
)

// cooldown gates repeated violations of the same type. Like Engine it is
// driven from one frame loop and holds no lock.
type cooldown struct {
	window time.Duration
	last   map[model.ViolationType]time.Time
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{window: window, last: make(map[model.ViolationType]time.Time)}
}

// allow records now for typ when the previous firing is at least window old.
func (c *cooldown) allow(typ model.ViolationType, now time.Time) bool {
	if c.window <= 0 {
		return true
	}
	if ts, ok := c.last[typ]; ok {
		if now.Sub(ts) < c.window {
			return false
		}
	}
	c.last[typ] = now
	return true
}

func (c *cooldown) reset() {
	c.last = make(map[model.ViolationType]time.Time)
}
