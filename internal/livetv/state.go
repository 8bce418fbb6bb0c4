package livetv

import "sync"

// channelState tracks the shared failover position for one channel. All
// clients on a channel see the same active source.
type channelState struct {
	mu        sync.Mutex
	active    int
	failCount int
}

// activeIndex returns the current source position.
func (s *channelState) activeIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// markSuccess pins idx as the active source and clears the failure streak.
func (s *channelState) markSuccess(idx int) {
	s.mu.Lock()
	s.active = idx
	s.failCount = 0
	s.mu.Unlock()
}

// resetFailures clears the failure streak without moving the source.
func (s *channelState) resetFailures() {
	s.mu.Lock()
	s.failCount = 0
	s.mu.Unlock()
}

// markFailure counts one segment failure; at threshold the active source
// advances modulo sourceCount and the streak resets. Reports whether a
// rotation happened.
func (s *channelState) markFailure(threshold, sourceCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount++
	if s.failCount < threshold {
		return false
	}
	s.failCount = 0
	if sourceCount > 0 {
		s.active = (s.active + 1) % sourceCount
	}
	return true
}

// stateMap hands out the singleton state per channel.
type stateMap struct {
	mu     sync.Mutex
	states map[string]*channelState
}

func newStateMap() *stateMap {
	return &stateMap{states: make(map[string]*channelState)}
}

func (m *stateMap) get(channelID string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[channelID]
	if !ok {
		st = &channelState{}
		m.states[channelID] = st
	}
	return st
}
