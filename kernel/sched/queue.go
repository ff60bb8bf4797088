package sched

// readyQueue is a FIFO ring of task slots.
type readyQueue struct {
	slots       [MaxTasks]uint32
	head, count uint32
}

func (q *readyQueue) push(slot uint32) {
	q.slots[(q.head+q.count)%MaxTasks] = slot
	q.count++
}

func (q *readyQueue) pop() (uint32, bool) {
	if q.count == 0 {
		return 0, false
	}

	slot := q.slots[q.head]
	q.head = (q.head + 1) % MaxTasks
	q.count--
	return slot, true
}

// contains reports whether slot is queued.
func (q *readyQueue) contains(slot uint32) bool {
	for i := uint32(0); i < q.count; i++ {
		if q.slots[(q.head+i)%MaxTasks] == slot {
			return true
		}
	}
	return false
}
