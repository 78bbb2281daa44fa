package monitor

import (
	"sync"
	"time"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// Update is what the scheduler publishes after every cycle.
type Update struct {
	Snapshot usage.Snapshot `json:"snapshot"`
	Health   Health         `json:"health"`
	Status   Status         `json:"status"`
	Cycle    uint64         `json:"cycle"`
	At       time.Time      `json:"at"`
}

func (u Update) clone() Update {
	u.Snapshot = u.Snapshot.Clone()
	return u
}

// State holds the latest update. The scheduler is the only writer; readers
// get copies. The lock is never held across I/O.
type State struct {
	mu      sync.Mutex
	current Update
	subs    map[uint64]chan Update
	nextSub uint64
}

func NewState() *State {
	return &State{
		current: Update{Status: StatusInitializing, Snapshot: usage.Snapshot{ModelTokens: usage.ModelTokens{}}},
		subs:    map[uint64]chan Update{},
	}
}

// Current returns a copy of the latest update.
func (s *State) Current() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Snapshot returns a copy of the latest snapshot.
func (s *State) Snapshot() usage.Snapshot {
	return s.Current().Snapshot
}

// Subscribe returns a channel that receives every published update. A slow
// reader only misses intermediate updates, never the latest one. The
// returned function unsubscribes and closes the channel.
func (s *State) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *State) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = u.clone()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u.clone():
		default:
		}
	}
}
