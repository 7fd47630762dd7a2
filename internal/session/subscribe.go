package session

import "github.com/BTreeMap/Dermis/internal/models"

// Subscribe returns a channel receiving every snapshot published for the
// device and a cancel function. Slow readers only see the latest snapshot.
func (m *Manager) Subscribe(deviceID string) (<-chan models.SessionState, func()) {
	ch := make(chan models.SessionState, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[deviceID] == nil {
		m.subs[deviceID] = make(map[int]chan models.SessionState)
	}
	m.subs[deviceID][id] = ch
	m.mu.Unlock()

	var cancelled bool
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(m.subs[deviceID], id)
		if len(m.subs[deviceID]) == 0 {
			delete(m.subs, deviceID)
		}
		close(ch)
	}
	return ch, cancel
}

func (m *Manager) publish(deviceID string, st models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[deviceID] {
		select {
		case ch <- st:
		default:
			// Drop the stale snapshot and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
