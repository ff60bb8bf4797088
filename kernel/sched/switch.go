package sched

import (
	"github.com/hyyking/kernel/kernel"
	"github.com/hyyking/kernel/kernel/gate"
)

// Tick accounts one timer tick to the running task and preempts it once its
// slice is used up. It is installed as the timer IRQ handler; regs is the
// interrupted context and is rewritten when another task is selected.
func (s *Scheduler) Tick(regs *gate.Registers) {
	s.lock.Acquire()
	defer s.lock.Release()

	s.ticks++

	cur := s.current
	switch {
	case cur == nil:
		// The idle context never has a slice; pick up any Ready task.
		if next := s.dequeue(); next != nil {
			s.switchContext(regs, next)
		}
		return
	case cur.State != Running:
		s.switchContext(regs, s.dequeue())
		return
	}

	if cur.Slice > 0 {
		cur.Slice--
	}
	if cur.Slice > 0 {
		return
	}

	// Slice expired. Requeue the task behind its peers; if it is the only
	// candidate it is picked again and keeps running with a fresh slice.
	cur.State = Ready
	s.enqueue(cur)
	s.switchContext(regs, s.dequeue())
}

// Reschedule gives up the processor on behalf of the running task. It is
// installed as the handler of the yield trap raised by YieldNow, Block and
// Exit. A Running task is requeued; Blocked and Terminated tasks are not.
func (s *Scheduler) Reschedule(regs *gate.Registers) {
	s.lock.Acquire()
	defer s.lock.Release()

	if cur := s.current; cur != nil && cur.State == Running {
		cur.State = Ready
		s.enqueue(cur)
	}

	s.switchContext(regs, s.dequeue())
}

// YieldNow lets other Ready tasks of the same or a higher priority run
// before the caller resumes.
func (s *Scheduler) YieldNow() {
	s.raiseTrap()
}

// Block marks the running task as waiting for event and gives up the
// processor. It returns once the task has been woken and scheduled again.
func (s *Scheduler) Block(event EventID) *kernel.Error {
	s.lock.Acquire()
	cur := s.current
	if cur == nil {
		s.lock.Release()
		return ErrNoCurrentTask
	}

	cur.State = Blocked
	cur.WaitingOn = event
	s.lock.Release()

	s.raiseTrap()
	return nil
}

// Exit terminates the running task. Its stack and TCB are released by a
// later call to Reap. On hardware Exit does not return; it returns
// ErrNoCurrentTask when invoked from the idle context.
func (s *Scheduler) Exit() *kernel.Error {
	s.lock.Acquire()
	cur := s.current
	if cur == nil {
		s.lock.Release()
		return ErrNoCurrentTask
	}

	cur.State = Terminated
	s.lock.Release()

	s.raiseTrap()
	return nil
}

// Wake makes a Blocked task Ready again.
func (s *Scheduler) Wake(id TaskID) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	t := s.lookup(id)
	switch {
	case t == nil || t.State == Terminated:
		return ErrNoSuchTask
	case t.State != Blocked:
		return ErrTaskNotBlocked
	}

	s.wake(t)
	return nil
}

// WakeEvent wakes every task blocked on event and returns their number.
func (s *Scheduler) WakeEvent(event EventID) int {
	s.lock.Acquire()
	defer s.lock.Release()

	woken := 0
	for _, t := range s.tasks {
		if t != nil && t.State == Blocked && t.WaitingOn == event {
			s.wake(t)
			woken++
		}
	}
	return woken
}

func (s *Scheduler) wake(t *Task) {
	t.WaitingOn = 0
	t.State = Ready
	s.enqueue(t)
}

// switchContext saves regs into the context that was interrupted and
// replaces them with the context of next. A nil next selects the idle
// context. It runs with the lock held and never touches the heap.
func (s *Scheduler) switchContext(regs *gate.Registers, next *Task) {
	prev := s.current
	if prev == next {
		if next != nil {
			next.State = Running
			next.Slice = s.cfg.SliceTicks
		}
		return
	}

	if prev != nil {
		prev.Regs = *regs
	} else {
		s.idle = *regs
	}

	if next != nil {
		*regs = next.Regs
		next.State = Running
		next.Slice = s.cfg.SliceTicks
	} else {
		*regs = s.idle
	}

	s.current = next
	s.switches++
}

func (s *Scheduler) enqueue(t *Task) {
	s.queues[t.Priority].push(t.slot)
}

// dequeue removes the head of the highest-priority non-empty queue.
func (s *Scheduler) dequeue() *Task {
	for prio := priorityLevels - 1; prio >= 0; prio-- {
		slot, ok := s.queues[prio].pop()
		if !ok {
			continue
		}

		t := s.tasks[slot]
		if t == nil || t.State != Ready {
			s.lock.Release()
			panic(errReadyQueueCorrupted)
		}
		return t
	}
	return nil
}
