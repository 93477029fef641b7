package node

import (
	"sync"

	"github.com/ChuLiYu/streamsched/pkg/types"
)

// Queue is an unbounded FIFO of pending units guarded by its own lock.
// Get peeks at the head without removing it; Delete pops the head. The pair
// lets a node look ahead at the next unit and leave it for a later pass.
type Queue struct {
	mu    sync.Mutex
	units []types.Unit
}

// Add appends a copy of u. The payload is copied so the producer may reuse
// its buffer.
func (q *Queue) Add(u types.Unit) {
	if u.Payload != nil {
		u.Payload = append([]byte(nil), u.Payload...)
	}

	q.mu.Lock()
	q.units = append(q.units, u)
	q.mu.Unlock()
}

// Get returns the head unit without removing it.
func (q *Queue) Get() (types.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.units) == 0 {
		return types.Unit{}, false
	}
	return q.units[0], true
}

// Delete removes the head unit. It is a no-op on an empty queue.
func (q *Queue) Delete() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.units) == 0 {
		return
	}
	q.units[0] = types.Unit{}
	q.units = q.units[1:]
	if len(q.units) == 0 {
		q.units = nil
	}
}

// Count returns the number of pending units.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// Clear drops every pending unit and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.units)
	q.units = nil
	return n
}
