package capture

import "sync"

// Reason names a window during which some host events must not be captured.
type Reason int

const (
	// Busy is held while the engine applies a received change. Nothing is
	// captured under Busy.
	Busy Reason = iota
	// Transform is held between BeginTransform and the end of the command
	// so the replace events of a move are not captured as add and delete.
	Transform
	// Undo and Redo are held while the host replays its own history.
	Undo
	Redo

	numReasons
)

func (r Reason) String() string {
	switch r {
	case Busy:
		return "busy"
	case Transform:
		return "transform"
	case Undo:
		return "undo"
	case Redo:
		return "redo"
	default:
		return "unknown"
	}
}

// suppressor counts outstanding tokens per reason. Nested windows of the
// same reason are allowed.
type suppressor struct {
	mu     sync.Mutex
	counts [numReasons]int
}

// acquire returns a release func that is safe to call more than once.
func (s *suppressor) acquire(r Reason) func() {
	s.mu.Lock()
	s.counts[r]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.counts[r]--
			s.mu.Unlock()
		})
	}
}

func (s *suppressor) active(r Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[r] > 0
}
