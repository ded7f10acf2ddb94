package undo

import "sync"

// DefaultLimit bounds each stack when NewLedger is given a non-positive limit.
const DefaultLimit = 200

// Ledger keeps the undo and redo stacks. Undo and Redo replay inverses: the
// record returned is what must be sent to reproduce the step on peers.
type Ledger struct {
	mu    sync.Mutex
	limit int
	undo  []Record
	redo  []Record
	// evicted counts records dropped from the bottom of the undo stack so
	// marks stay valid across eviction.
	evicted int
}

func NewLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ledger{limit: limit}
}

// Push records a fresh user step. Any redo history is discarded.
func (l *Ledger) Push(r Record) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redo = nil
	l.pushUndo(r)
}

func (l *Ledger) pushUndo(r Record) {
	l.undo = append(l.undo, r)
	if over := len(l.undo) - l.limit; over > 0 {
		l.undo = append(l.undo[:0:0], l.undo[over:]...)
		l.evicted += over
	}
}

// Mark returns a position that Retract can later rewind to.
func (l *Ledger) Mark() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted + len(l.undo)
}

// Retract removes and returns every record pushed since mark, oldest first.
// Records already evicted are not returned.
func (l *Ledger) Retract(mark int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := mark - l.evicted
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.undo) {
		return nil
	}
	out := append([]Record(nil), l.undo[idx:]...)
	l.undo = l.undo[:idx]
	return out
}

// Undo pops the newest record and moves its inverse onto the redo stack.
// The inverse is returned for replay. A record without an inverse is
// dropped and the error returned.
func (l *Ledger) Undo() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.undo) == 0 {
		return nil, nil
	}
	r := l.undo[len(l.undo)-1]
	l.undo = l.undo[:len(l.undo)-1]
	inv, err := Inverse(r)
	if err != nil {
		return nil, err
	}
	l.redo = append(l.redo, inv)
	if over := len(l.redo) - l.limit; over > 0 {
		l.redo = append(l.redo[:0:0], l.redo[over:]...)
	}
	return inv, nil
}

// Redo pops the newest redo record and moves its inverse back onto the undo
// stack, returning it for replay.
func (l *Ledger) Redo() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.redo) == 0 {
		return nil, nil
	}
	r := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]
	inv, err := Inverse(r)
	if err != nil {
		return nil, err
	}
	l.pushUndo(inv)
	return inv, nil
}

func (l *Ledger) CanUndo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undo) > 0
}

func (l *Ledger) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.redo) > 0
}

// Len returns the depth of the undo and redo stacks.
func (l *Ledger) Len() (undo, redo int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undo), len(l.redo)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.undo, l.redo = nil, nil
}
