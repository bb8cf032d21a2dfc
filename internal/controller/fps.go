package controller

import (
	"sync"
	"time"
)

// fpsMeter measures an event rate over the last n events
type fpsMeter struct {
	mu    sync.Mutex
	times []time.Time
	size  int
	now   func() time.Time
}

func newFPSMeter(size int, now func() time.Time) *fpsMeter {
	if size < 2 {
		size = 2
	}
	if now == nil {
		now = time.Now
	}
	return &fpsMeter{size: size, now: now}
}

// Tick records one event
func (m *fpsMeter) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.times = append(m.times, m.now())
	if len(m.times) > m.size {
		m.times = m.times[len(m.times)-m.size:]
	}
}

// Rate returns events per second over the window, 0 until two events are seen
func (m *fpsMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.times) < 2 {
		return 0
	}
	span := m.times[len(m.times)-1].Sub(m.times[0])
	if span <= 0 {
		return 0
	}
	return float64(len(m.times)-1) / span.Seconds()
}
