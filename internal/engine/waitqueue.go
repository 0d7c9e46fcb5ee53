package engine

// waitQueue holds sequences waiting for their next chance to be admitted
// into the running batch. FIFO on Enqueue/DequeueBatch; PrependFront lets
// a preempted sequence re-enter at the front rather than the back, so it
// is the next candidate for re-admission instead of losing its place
// behind every sequence that arrived after it (spec §4.7 step 6,
// generalized from sim/queue.go's WaitQueue — that file's own TODO,
// "Requests need to be re-queued on preemption", is what PrependFront
// implements here).
type waitQueue struct {
	q []*Sequence
}

func (wq *waitQueue) Enqueue(s *Sequence) {
	wq.q = append(wq.q, s)
}

// PrependFront re-queues a preempted sequence at the head of the queue.
func (wq *waitQueue) PrependFront(s *Sequence) {
	wq.q = append([]*Sequence{s}, wq.q...)
}

// DequeueBatch removes and returns the sequence at the front of the
// queue, or nil if empty.
func (wq *waitQueue) DequeueBatch() *Sequence {
	if len(wq.q) == 0 {
		return nil
	}
	s := wq.q[0]
	wq.q = wq.q[1:]
	return s
}

// Peek returns the front sequence without removing it, or nil if empty.
func (wq *waitQueue) Peek() *Sequence {
	if len(wq.q) == 0 {
		return nil
	}
	return wq.q[0]
}

func (wq *waitQueue) Len() int { return len(wq.q) }

// All exposes the backing slice for in-place reordering by QueueOrder.
func (wq *waitQueue) All() []*Sequence { return wq.q }

// Remove deletes s from the queue by ID (used by cancellation, which can
// observe a sequence that never left StateWaiting).
func (wq *waitQueue) Remove(id string) bool {
	for i, s := range wq.q {
		if s.ID == id {
			wq.q = append(wq.q[:i], wq.q[i+1:]...)
			return true
		}
	}
	return false
}
