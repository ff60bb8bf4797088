package sched

import "github.com/hyyking/kernel/kernel/gate"

// TaskID identifies a task. IDs are assigned in increasing order and are
// never reused; the zero value denotes the idle context.
type TaskID uint64

// State describes where a task is in its lifecycle.
type State uint8

// Task states.
const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

var stateNames = [...]string{"ready", "running", "blocked", "terminated"}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Priority orders tasks for selection; tasks of a higher priority always
// run before Ready tasks of a lower priority.
type Priority uint8

// Supported priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	priorityLevels = int(PriorityRealtime) + 1
)

// EventID names the event a blocked task waits for.
type EventID uint64

// Task is the task control block. TCBs live in the kernel heap and hold no
// Go pointers.
type Task struct {
	ID       TaskID
	State    State
	Priority Priority

	// Slice is the number of timer ticks left before the task is
	// preempted.
	Slice uint32

	// WaitingOn is the event that a Blocked task waits for.
	WaitingOn EventID

	// Regs holds the saved context while the task is not running.
	Regs gate.Registers

	// StackTop is the address just past the mapped stack, StackPages the
	// number of mapped stack pages below it.
	StackTop   uintptr
	StackPages uint64

	slot uint32
}
