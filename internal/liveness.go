package internal

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

type PeerStatus int

const (
	PeerStatusUp   = PeerStatus(1)
	PeerStatusDown = PeerStatus(2)
)

func (s PeerStatus) String() string {
	switch s {
	case PeerStatusUp:
		return "up"
	case PeerStatusDown:
		return "down"
	default:
		return "unknown"
	}
}

type heartbeat struct {
	value    json.RawMessage
	lastSeen time.Time
}

// LivenessMonitor detects down nodes based on whether their published
// heartbeat value keeps changing.
//
// A node is down once its heartbeat hasn't changed for longer than the
// timeout. A node with no heartbeat at all is timed out the same way from
// the first time it is observed.
type LivenessMonitor struct {
	// mu is a mutex protecting the below fields
	mu sync.Mutex

	heartbeats map[uint64]*heartbeat

	timeout time.Duration
}

func NewLivenessMonitor(timeout time.Duration) *LivenessMonitor {
	return &LivenessMonitor{
		heartbeats: make(map[uint64]*heartbeat),
		timeout:    timeout,
	}
}

func (m *LivenessMonitor) Timeout() time.Duration {
	return m.timeout
}

// Observe records the heartbeat value currently known for owner and returns
// its status at now.
func (m *LivenessMonitor) Observe(owner uint64, value json.RawMessage, now time.Time) PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	hb, ok := m.heartbeats[owner]
	if !ok {
		m.heartbeats[owner] = &heartbeat{
			value:    value,
			lastSeen: now,
		}
		return PeerStatusUp
	}

	if !bytes.Equal(hb.value, value) {
		hb.value = value
		hb.lastSeen = now
	}

	if now.Sub(hb.lastSeen) > m.timeout {
		return PeerStatusDown
	}
	return PeerStatusUp
}

func (m *LivenessMonitor) Remove(owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.heartbeats, owner)
}
