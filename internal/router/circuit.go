package router

import (
	"sync"
	"time"
)

const (
	failureThreshold = 3
	baseRecovery     = 60 * time.Second
	maxRecovery      = 10 * time.Minute
)

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuit tracks one provider's failure streak. Open circuits reject
// requests until the recovery window elapses, then admit a single trial;
// the window doubles on each consecutive open.
type circuit struct {
	mu          sync.Mutex
	state       circuitState
	consecutive int
	opens       int
	openedAt    time.Time
	lastLatency time.Duration
	lastProbe   time.Time
	touched     bool
}

// allow reports whether a request may proceed. The transition to half-open
// happens here so exactly one trial runs per recovery window.
func (c *circuit) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.openedAt) >= c.recovery() {
			c.state = stateHalfOpen
			return true
		}
		return false
	default: // half-open trial already in flight
		return false
	}
}

func (c *circuit) recovery() time.Duration {
	if c.opens <= 1 {
		return baseRecovery
	}
	d := baseRecovery << uint(c.opens-1)
	if d > maxRecovery || d <= 0 {
		return maxRecovery
	}
	return d
}

// success closes the circuit and clears the streak. Reports whether the
// visible health changed.
func (c *circuit) success(latency time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.state != stateClosed || c.consecutive != 0 || !c.touched
	c.state = stateClosed
	c.consecutive = 0
	c.opens = 0
	c.lastLatency = latency
	c.touched = true
	return changed
}

// failure extends the streak, opening the circuit at the threshold or on
// any half-open trial failure.
func (c *circuit) failure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touched = true
	c.consecutive++
	if c.state == stateHalfOpen || (c.state == stateClosed && c.consecutive >= failureThreshold) {
		c.state = stateOpen
		c.openedAt = time.Now()
		c.opens++
	}
	return true
}

// probed records a liveness check. A passing probe clears the circuit.
func (c *circuit) probed(ok bool, latency time.Duration) bool {
	if ok {
		c.mu.Lock()
		c.lastProbe = time.Now()
		c.mu.Unlock()
		return c.success(latency)
	}
	c.mu.Lock()
	c.lastProbe = time.Now()
	c.mu.Unlock()
	return c.failure()
}

// view is a point-in-time copy for Health snapshots.
func (c *circuit) view() (status string, consecutive int, lastLatency time.Duration, lastProbe time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.touched:
		status = "unknown"
	case c.state == stateOpen:
		status = "unhealthy"
	case c.state == stateHalfOpen || c.consecutive > 0:
		status = "degraded"
	default:
		status = "healthy"
	}
	return status, c.consecutive, c.lastLatency, c.lastProbe
}
